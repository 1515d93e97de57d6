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

// Package worker contains helpers for working with long-running goroutines
// that need to be torn down cleanly.
package worker

import (
	"context"
	"sync"

	"github.com/originproto/rov/pkg/private/serrors"
)

// Base provides basic operations for objects designed to run as goroutines
// with the following properties:
//   - Run is only allowed to be called once.
//   - Calling Close before Run means Run becomes a no-op.
//   - Calling Close while Run is executing signals the running goroutine
//     to shut down via the done channel, and waits for Run to return.
//
// Embed Base in the worker object and wire RunWrapper and CloseWrapper into
// the worker's Run and Close methods.
type Base struct {
	mtx         sync.Mutex
	running     bool
	closed      bool
	done        chan struct{}
	runFinished chan struct{}
}

// RunWrapper runs setup, and if that succeeds, run. It returns an error if
// called more than once. If the worker was closed before RunWrapper is
// called, neither setup nor run execute and the return value is nil. A nil
// setup or run is skipped; if run is nil, RunWrapper blocks until Close.
func (b *Base) RunWrapper(ctx context.Context, setup, run func(ctx context.Context) error) error {
	b.mtx.Lock()
	if b.running {
		b.mtx.Unlock()
		return serrors.New("worker started twice")
	}
	if b.closed {
		b.mtx.Unlock()
		return nil
	}
	b.running = true
	b.init()
	b.mtx.Unlock()

	defer close(b.runFinished)
	if setup != nil {
		if err := setup(ctx); err != nil {
			return err
		}
	}
	if run == nil {
		select {
		case <-b.done:
		case <-ctx.Done():
		}
		return nil
	}
	return run(ctx)
}

// CloseWrapper closes the done channel to signal the running goroutine, runs
// closeFn (if not nil, and only on the first call), and waits for the
// goroutine to finish if it was started.
func (b *Base) CloseWrapper(ctx context.Context, closeFn func(ctx context.Context) error) error {
	b.mtx.Lock()
	if b.closed {
		running := b.running
		b.mtx.Unlock()
		if running {
			b.waitFinished(ctx)
		}
		return nil
	}
	b.closed = true
	b.init()
	close(b.done)
	running := b.running
	b.mtx.Unlock()

	var err error
	if closeFn != nil {
		err = closeFn(ctx)
	}
	if running {
		b.waitFinished(ctx)
	}
	return err
}

// GetDoneChan returns a channel that is closed once CloseWrapper is called.
func (b *Base) GetDoneChan() <-chan struct{} {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.init()
	return b.done
}

func (b *Base) init() {
	if b.done == nil {
		b.done = make(chan struct{})
	}
	if b.runFinished == nil {
		b.runFinished = make(chan struct{})
	}
}

func (b *Base) waitFinished(ctx context.Context) {
	select {
	case <-b.runFinished:
	case <-ctx.Done():
	}
}
