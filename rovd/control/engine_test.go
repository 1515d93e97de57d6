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

package control_test

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originproto/rov/pkg/rtr"
	"github.com/originproto/rov/rovd/control"
)

func startEngine(t *testing.T, e *control.Engine) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, e.Run(context.Background()))
	}()
	t.Cleanup(func() {
		assert.NoError(t, e.Close(context.Background()))
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func TestEnginePublishesAuthoritative(t *testing.T) {
	conns := make(chan net.Conn, 1)
	client, server := net.Pipe()
	conns <- client

	store := control.NewSnapshotStore()
	updates, cancel := store.Subscribe()
	defer cancel()
	engine := &control.Engine{
		SessionConfigs: []control.SessionConfig{testSessionConfig(pipeDialer(conns))},
		Store:          store,
	}
	startEngine(t, engine)

	expectPDU(t, server, rtr.TypeResetQuery)
	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server, announceV4("10.0.0.0/8", 24, 65001))
	sendPDU(t, server, &rtr.EndOfData{
		Version: rtr.Version1, SessionID: 7, Serial: 10,
		Refresh: 3600,
	})

	select {
	case info := <-updates:
		assert.EqualValues(t, 10, info.Serial)
		assert.Equal(t, 1, info.Count)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot published")
	}

	status := engine.Status()
	assert.Equal(t, "test-cache", status.Authoritative)
	require.NotNil(t, status.Snapshot)
	assert.EqualValues(t, 10, status.Snapshot.Serial)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, control.StateEstablished, status.Sessions[0].State)

	var sb strings.Builder
	engine.DiagnosticsWrite(&sb)
	assert.Contains(t, sb.String(), "test-cache *")
}

func TestEngineStalenessCeiling(t *testing.T) {
	conns := make(chan net.Conn, 1)
	client, server := net.Pipe()
	conns <- client

	store := control.NewSnapshotStore()
	engine := &control.Engine{
		SessionConfigs:   []control.SessionConfig{testSessionConfig(pipeDialer(conns))},
		Store:            store,
		StalenessCeiling: 50 * time.Millisecond,
		CheckInterval:    20 * time.Millisecond,
	}
	startEngine(t, engine)

	expectPDU(t, server, rtr.TypeResetQuery)
	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server, &rtr.EndOfData{
		Version: rtr.Version1, SessionID: 7, Serial: 1,
		Refresh: 3600,
	})
	require.Eventually(t, func() bool { return store.Current() != nil },
		5*time.Second, 10*time.Millisecond)

	// The cache dies and never comes back. Once the ceiling passes, the
	// snapshot must be withdrawn rather than served stale forever.
	require.NoError(t, server.Close())
	assert.Eventually(t, func() bool { return store.Current() == nil },
		5*time.Second, 10*time.Millisecond)
}
