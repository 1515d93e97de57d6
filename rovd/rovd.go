// Copyright 2025 originproto
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rovd wires the cache sessions, the snapshot store, the
// validation engine and the management API into the route origin
// validation daemon.
package rovd

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/originproto/rov/pkg/log"
	"github.com/originproto/rov/pkg/private/serrors"
	"github.com/originproto/rov/rovd/config"
	"github.com/originproto/rov/rovd/control"
	"github.com/originproto/rov/rovd/mgmtapi"
)

// Daemon is the route origin validation daemon.
type Daemon struct {
	// Config is the daemon configuration. Must be validated.
	Config *config.Config
	// Metrics are the daemon metrics. Optional.
	Metrics *Metrics
}

// Run starts the daemon and blocks until the context is canceled or a
// component fails fatally.
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.FromCtx(ctx)

	store := control.NewSnapshotStore()
	validator := control.NewValidator(store)

	engine := &control.Engine{
		SessionConfigs:   sessionConfigs(d.Config.Caches),
		Store:            store,
		StalenessCeiling: d.Config.ROV.StalenessCeiling.Duration(),
	}
	if d.Metrics != nil {
		validator.Requests = d.Metrics.ValidationRequestsTotal
		engine.Metrics = d.Metrics.EngineMetrics()
		engine.SessionMetrics = d.Metrics.SessionMetrics
	}

	api := &mgmtapi.Server{
		Engine:    engine,
		Store:     store,
		Validator: validator,
	}
	httpServer := &http.Server{
		Addr:    d.Config.API.Addr,
		Handler: api.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer log.HandlePanic()
		if err := engine.Run(ctx); err != nil {
			return serrors.Wrap("running engine", err)
		}
		return nil
	})
	g.Go(func() error {
		defer log.HandlePanic()
		logger.Info("Exposing management API", "addr", d.Config.API.Addr)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return serrors.Wrap("serving management API", err, "addr", d.Config.API.Addr)
		}
		return nil
	})
	g.Go(func() error {
		defer log.HandlePanic()
		<-ctx.Done()
		if err := httpServer.Close(); err != nil {
			logger.Error("Closing management API", "err", err)
		}
		return engine.Close(context.Background())
	})
	return g.Wait()
}

func sessionConfigs(caches []config.CacheConfig) []control.SessionConfig {
	configs := make([]control.SessionConfig, 0, len(caches))
	for _, c := range caches {
		configs = append(configs, control.SessionConfig{
			Name:            c.Addr,
			Dial:            control.TCPTransport(c.Addr),
			Version:         c.Version,
			RefreshInterval: c.RefreshInterval.Duration(),
			ConnectTimeout:  c.ConnectTimeout.Duration(),
			ResponseTimeout: c.ResponseTimeout.Duration(),
			SyncTimeout:     c.SyncTimeout.Duration(),
			BackoffBase:     c.BackoffBase.Duration(),
			BackoffMax:      c.BackoffMax.Duration(),
		})
	}
	return configs
}
