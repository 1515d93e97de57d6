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

package control

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/originproto/rov/pkg/log"
	"github.com/originproto/rov/pkg/private/serrors"
	"github.com/originproto/rov/pkg/vrp"
	"github.com/originproto/rov/private/worker"
)

// EngineMetrics are the engine-level metrics. Nil fields are skipped.
type EngineMetrics struct {
	VRPsCurrent        prometheus.Gauge
	SnapshotsPublished prometheus.Counter
	LastPublish        prometheus.Gauge
}

// Status is a point-in-time view of the engine for status output.
type Status struct {
	Authoritative string               `json:"authoritative,omitempty"`
	Snapshot      *SnapshotInfo        `json:"snapshot,omitempty"`
	Sessions      []SessionDiagnostics `json:"sessions"`
}

// Engine runs all cache sessions and decides which one feeds the store.
// Exactly one session is authoritative at a time: the healthy one with the
// most recent successful synchronization, ties broken by configuration
// order. Snapshots from other sessions stay warm in their sessions but are
// not published.
type Engine struct {
	// SessionConfigs describe the caches, in preference order. Must not
	// be empty.
	SessionConfigs []SessionConfig
	// Store receives published snapshots. Must not be nil.
	Store *SnapshotStore
	// StalenessCeiling is the maximum age of the published snapshot while
	// no session is healthy. When it passes, the store is cleared and
	// validation becomes unavailable rather than silently stale. Zero
	// means keep serving forever.
	StalenessCeiling time.Duration
	// CheckInterval is how often staleness is evaluated. Defaults to a
	// minute.
	CheckInterval time.Duration
	// Metrics are the engine-level metrics. Optional.
	Metrics EngineMetrics
	// SessionMetrics returns the metric set for the named session.
	// Optional.
	SessionMetrics func(name string) SessionMetrics

	stateMtx      sync.Mutex
	sessions      []*Session
	events        chan SessionEvent
	authoritative int
	lastPublish   time.Time

	workerBase worker.Base
}

// Run starts all sessions and the coordination loop. It returns when Close
// is called or the context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	return e.workerBase.RunWrapper(ctx, e.setup, e.run)
}

// Close stops the engine and all sessions.
func (e *Engine) Close(ctx context.Context) error {
	return e.workerBase.CloseWrapper(ctx, func(ctx context.Context) error {
		var errs []error
		for _, s := range e.sessions {
			if err := s.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return serrors.New("closing sessions", "errs", errs)
		}
		return nil
	})
}

func (e *Engine) setup(ctx context.Context) error {
	if len(e.SessionConfigs) == 0 {
		return serrors.New("no sessions configured")
	}
	if e.Store == nil {
		return serrors.New("store must not be nil")
	}
	if e.CheckInterval == 0 {
		e.CheckInterval = time.Minute
	}
	e.events = make(chan SessionEvent, sessionEventsLength)
	e.sessions = make([]*Session, 0, len(e.SessionConfigs))
	for i, cfg := range e.SessionConfigs {
		var m SessionMetrics
		if e.SessionMetrics != nil {
			m = e.SessionMetrics(cfg.Name)
		}
		e.sessions = append(e.sessions, NewSession(i, cfg, e.events, m))
	}
	e.authoritative = -1
	return nil
}

func (e *Engine) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range e.sessions {
		s := s
		g.Go(func() error {
			defer log.HandlePanic()
			return s.Run(gctx)
		})
	}
	g.Go(func() error {
		defer log.HandlePanic()
		e.consume(gctx)
		// Unblock sessions that are mid-notify.
		for _, s := range e.sessions {
			if err := s.Close(gctx); err != nil {
				log.FromCtx(gctx).Error("Closing session", "err", err)
			}
		}
		return nil
	})
	return g.Wait()
}

// consume is the single consumer of session events. Serializing all
// publication decisions through one goroutine keeps authority selection
// free of locking subtleties.
func (e *Engine) consume(ctx context.Context) {
	ticker := time.NewTicker(e.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		case <-ticker.C:
			e.checkStaleness(ctx)
		case <-e.workerBase.GetDoneChan():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev SessionEvent) {
	logger := log.FromCtx(ctx)
	switch {
	case ev.Snapshot != nil:
		// A commit from the authoritative session always publishes. A
		// commit from another session publishes only if it wins
		// reselection.
		if e.currentAuthoritative() == ev.ID {
			e.publish(ctx, ev.ID, ev.Snapshot)
			return
		}
		e.reselect(ctx)
	case ev.State == StateError || ev.State == StateDisconnected:
		if e.currentAuthoritative() == ev.ID {
			logger.Info("Authoritative session degraded",
				"session", e.sessions[ev.ID].cfg.Name, "state", ev.State)
			e.reselect(ctx)
		}
	}
}

// reselect picks the best healthy session and publishes its snapshot if it
// differs from what the store currently serves.
func (e *Engine) reselect(ctx context.Context) {
	best := -1
	var bestSync time.Time
	for i, s := range e.sessions {
		d := s.Diagnostics()
		if d.State != StateEstablished || s.LastSnapshot() == nil {
			continue
		}
		// Strictly-after comparison keeps configuration order as the
		// tie break.
		if best == -1 || d.LastSync.After(bestSync) {
			best = i
			bestSync = d.LastSync
		}
	}
	e.setAuthoritative(best)
	if best == -1 {
		// Nothing healthy; keep serving the current snapshot until the
		// staleness ceiling says otherwise.
		return
	}
	snapshot := e.sessions[best].LastSnapshot()
	current := e.Store.Current()
	if current != nil && current.Serial() == snapshot.Serial() &&
		current.SessionID() == snapshot.SessionID() {
		return
	}
	e.publish(ctx, best, snapshot)
}

func (e *Engine) publish(ctx context.Context, id int, snapshot *vrp.Snapshot) {
	e.Store.Publish(snapshot)
	e.stateMtx.Lock()
	e.authoritative = id
	e.lastPublish = time.Now()
	e.stateMtx.Unlock()

	if e.Metrics.VRPsCurrent != nil {
		e.Metrics.VRPsCurrent.Set(float64(snapshot.Len()))
	}
	if e.Metrics.SnapshotsPublished != nil {
		e.Metrics.SnapshotsPublished.Inc()
	}
	if e.Metrics.LastPublish != nil {
		e.Metrics.LastPublish.SetToCurrentTime()
	}
	log.FromCtx(ctx).Info("Published snapshot",
		"session", e.sessions[id].cfg.Name,
		"serial", snapshot.Serial(), "vrps", snapshot.Len())
}

// checkStaleness clears the store when the published snapshot outlived the
// ceiling with no healthy session to replace it.
func (e *Engine) checkStaleness(ctx context.Context) {
	if e.StalenessCeiling == 0 || e.Store.Current() == nil {
		return
	}
	for _, s := range e.sessions {
		if s.Diagnostics().State == StateEstablished {
			return
		}
	}
	e.stateMtx.Lock()
	stale := !e.lastPublish.IsZero() && time.Since(e.lastPublish) > e.StalenessCeiling
	e.stateMtx.Unlock()
	if !stale {
		return
	}
	log.FromCtx(ctx).Info("Snapshot exceeded staleness ceiling, clearing",
		"ceiling", e.StalenessCeiling)
	e.Store.Clear()
	e.setAuthoritative(-1)
	if e.Metrics.VRPsCurrent != nil {
		e.Metrics.VRPsCurrent.Set(0)
	}
}

func (e *Engine) currentAuthoritative() int {
	e.stateMtx.Lock()
	defer e.stateMtx.Unlock()
	return e.authoritative
}

func (e *Engine) setAuthoritative(id int) {
	e.stateMtx.Lock()
	defer e.stateMtx.Unlock()
	e.authoritative = id
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	var st Status
	if snapshot := e.Store.Current(); snapshot != nil {
		st.Snapshot = &SnapshotInfo{
			Serial:      snapshot.Serial(),
			SessionID:   snapshot.SessionID(),
			Count:       snapshot.Len(),
			CommittedAt: snapshot.CreatedAt(),
		}
	}
	auth := e.currentAuthoritative()
	for i, s := range e.sessions {
		d := s.Diagnostics()
		if i == auth {
			st.Authoritative = d.Name
		}
		st.Sessions = append(st.Sessions, d)
	}
	return st
}

// DiagnosticsWrite writes a human-readable session table.
func (e *Engine) DiagnosticsWrite(w io.Writer) {
	st := e.Status()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Session", "State", "Serial", "Last Sync", "Last Error"})
	table.SetAutoFormatHeaders(false)
	for _, d := range st.Sessions {
		name := d.Name
		if name == st.Authoritative {
			name += " *"
		}
		lastSync := "never"
		if !d.LastSync.IsZero() {
			lastSync = d.LastSync.UTC().Format(time.RFC3339)
		}
		table.Append([]string{
			name,
			d.State.String(),
			strconv.FormatUint(uint64(d.Serial), 10),
			lastSync,
			d.LastError,
		})
	}
	table.Render()
}
