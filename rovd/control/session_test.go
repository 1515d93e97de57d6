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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/originproto/rov/pkg/rtr"
	"github.com/originproto/rov/pkg/vrp"
	"github.com/originproto/rov/rovd/control"
)

// pipeDialer hands out pre-created connections, one per connect attempt.
func pipeDialer(conns chan net.Conn) control.Transport {
	return func(ctx context.Context) (net.Conn, error) {
		select {
		case c := <-conns:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func testSessionConfig(dial control.Transport) control.SessionConfig {
	return control.SessionConfig{
		Name:            "test-cache",
		Dial:            dial,
		Version:         rtr.Version1,
		RefreshInterval: 50 * time.Millisecond,
		BackoffBase:     10 * time.Millisecond,
		BackoffMax:      20 * time.Millisecond,
	}
}

// startSession runs a session in the background and arranges for clean
// shutdown. The events channel is buffered generously so the session never
// blocks on an unread event.
func startSession(t *testing.T, cfg control.SessionConfig) (*control.Session,
	<-chan control.SessionEvent) {

	events := make(chan control.SessionEvent, 64)
	s := control.NewSession(0, cfg, events, control.SessionMetrics{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(context.Background()))
	}()
	t.Cleanup(func() {
		assert.NoError(t, s.Close(context.Background()))
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
	return s, events
}

func expectPDU(t *testing.T, conn net.Conn, typ rtr.Type) rtr.PDU {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	pdu, err := rtr.ReadPDU(conn)
	require.NoError(t, err)
	require.Equal(t, typ, pdu.Type())
	return pdu
}

func sendPDU(t *testing.T, conn net.Conn, pdu rtr.PDU) {
	t.Helper()
	require.NoError(t, rtr.WritePDU(conn, pdu))
}

func waitSnapshot(t *testing.T, events <-chan control.SessionEvent) *vrp.Snapshot {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Snapshot != nil {
				return ev.Snapshot
			}
		case <-timeout:
			t.Fatal("no snapshot committed")
		}
	}
}

func announceV4(prefix string, maxLen uint8, asn uint32) *rtr.IPv4Prefix {
	return &rtr.IPv4Prefix{
		Version: rtr.Version1,
		Flags:   rtr.FlagAnnounce,
		Prefix:  netip.MustParsePrefix(prefix),
		MaxLen:  maxLen,
		ASN:     asn,
	}
}

func TestSessionFullSync(t *testing.T) {
	conns := make(chan net.Conn, 1)
	client, server := net.Pipe()
	conns <- client
	_, events := startSession(t, testSessionConfig(pipeDialer(conns)))

	expectPDU(t, server, rtr.TypeResetQuery)
	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server, announceV4("10.0.0.0/8", 24, 65001))
	sendPDU(t, server, &rtr.IPv6Prefix{
		Version: rtr.Version1,
		Flags:   rtr.FlagAnnounce,
		Prefix:  netip.MustParsePrefix("2001:db8::/32"),
		MaxLen:  48,
		ASN:     65001,
	})
	sendPDU(t, server, &rtr.EndOfData{
		Version: rtr.Version1, SessionID: 7, Serial: 10,
		Refresh: 3600, Retry: 600, Expire: 7200,
	})

	snapshot := waitSnapshot(t, events)
	assert.EqualValues(t, 10, snapshot.Serial())
	assert.EqualValues(t, 7, snapshot.SessionID())
	assert.Equal(t, 2, snapshot.Len())
	assert.NotEmpty(t, snapshot.Lookup(netip.MustParsePrefix("10.1.0.0/16")))
}

func TestSessionDeltaCycle(t *testing.T) {
	conns := make(chan net.Conn, 1)
	client, server := net.Pipe()
	conns <- client
	_, events := startSession(t, testSessionConfig(pipeDialer(conns)))

	expectPDU(t, server, rtr.TypeResetQuery)
	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server, announceV4("10.0.0.0/8", 24, 65001))
	sendPDU(t, server, announceV4("192.0.2.0/24", 24, 65002))
	sendPDU(t, server, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 10})

	snapshot := waitSnapshot(t, events)
	assert.Equal(t, 2, snapshot.Len())

	// The quiet interval passes and the session probes with a Serial
	// Query carrying its committed state.
	query := expectPDU(t, server, rtr.TypeSerialQuery).(*rtr.SerialQuery)
	assert.EqualValues(t, 7, query.SessionID)
	assert.EqualValues(t, 10, query.Serial)

	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	withdraw := announceV4("192.0.2.0/24", 24, 65002)
	withdraw.Flags = 0
	sendPDU(t, server, withdraw)
	sendPDU(t, server, announceV4("198.51.100.0/24", 24, 65003))
	sendPDU(t, server, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 11})

	snapshot = waitSnapshot(t, events)
	assert.EqualValues(t, 11, snapshot.Serial())
	assert.Equal(t, 2, snapshot.Len())
	assert.Empty(t, snapshot.Lookup(netip.MustParsePrefix("192.0.2.0/24")))
	assert.NotEmpty(t, snapshot.Lookup(netip.MustParsePrefix("198.51.100.0/24")))
	assert.NotEmpty(t, snapshot.Lookup(netip.MustParsePrefix("10.0.0.0/8")))
}

func TestSessionSerialNotifyTriggersUpdate(t *testing.T) {
	cfg := testSessionConfig(nil)
	cfg.RefreshInterval = time.Hour
	conns := make(chan net.Conn, 1)
	client, server := net.Pipe()
	conns <- client
	cfg.Dial = pipeDialer(conns)
	_, events := startSession(t, cfg)

	expectPDU(t, server, rtr.TypeResetQuery)
	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 10})
	waitSnapshot(t, events)

	sendPDU(t, server, &rtr.SerialNotify{Version: rtr.Version1, SessionID: 7, Serial: 11})
	query := expectPDU(t, server, rtr.TypeSerialQuery).(*rtr.SerialQuery)
	assert.EqualValues(t, 10, query.Serial)

	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server, announceV4("10.0.0.0/8", 24, 65001))
	sendPDU(t, server, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 11})
	snapshot := waitSnapshot(t, events)
	assert.EqualValues(t, 11, snapshot.Serial())
	assert.Equal(t, 1, snapshot.Len())
}

func TestSessionCacheResetResync(t *testing.T) {
	conns := make(chan net.Conn, 2)
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	conns <- client1
	conns <- client2
	_, events := startSession(t, testSessionConfig(pipeDialer(conns)))

	expectPDU(t, server1, rtr.TypeResetQuery)
	sendPDU(t, server1, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server1, announceV4("10.0.0.0/8", 24, 65001))
	sendPDU(t, server1, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 10})
	waitSnapshot(t, events)

	expectPDU(t, server1, rtr.TypeSerialQuery)
	sendPDU(t, server1, &rtr.CacheReset{Version: rtr.Version1})

	// The session must discard all continuity and start over with a
	// Reset Query, not attempt to resume its stale serial.
	expectPDU(t, server2, rtr.TypeResetQuery)
	sendPDU(t, server2, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 9})
	sendPDU(t, server2, announceV4("172.16.0.0/12", 12, 65002))
	sendPDU(t, server2, &rtr.EndOfData{Version: rtr.Version1, SessionID: 9, Serial: 3})

	snapshot := waitSnapshot(t, events)
	assert.EqualValues(t, 9, snapshot.SessionID())
	assert.EqualValues(t, 3, snapshot.Serial())
	// No residue from the previous incarnation's table.
	assert.Equal(t, 1, snapshot.Len())
	assert.Empty(t, snapshot.Lookup(netip.MustParsePrefix("10.0.0.0/8")))
}

func TestSessionErrorReportRecovery(t *testing.T) {
	conns := make(chan net.Conn, 2)
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	conns <- client1
	conns <- client2
	session, events := startSession(t, testSessionConfig(pipeDialer(conns)))

	expectPDU(t, server1, rtr.TypeResetQuery)
	sendPDU(t, server1, &rtr.ErrorReport{
		Version: rtr.Version1,
		Code:    rtr.ErrInternalError,
		Text:    "cache is on fire",
	})

	// The failure is observable but not fatal: the session retries and
	// completes the synchronization on the next connection.
	expectPDU(t, server2, rtr.TypeResetQuery)
	sendPDU(t, server2, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server2, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 1})

	// Observe the states emitted on the way to the committed snapshot;
	// the error must have been reported before the recovery.
	sawError := false
	timeout := time.After(5 * time.Second)
	for committed := false; !committed; {
		select {
		case ev := <-events:
			if ev.State == control.StateError {
				sawError = true
			}
			committed = ev.Snapshot != nil
		case <-timeout:
			t.Fatal("no snapshot committed")
		}
	}
	assert.True(t, sawError)
	assert.Equal(t, control.StateEstablished, session.Diagnostics().State)
}

func TestSessionVersionNegotiation(t *testing.T) {
	conns := make(chan net.Conn, 1)
	client, server := net.Pipe()
	conns <- client
	_, events := startSession(t, testSessionConfig(pipeDialer(conns)))

	expectPDU(t, server, rtr.TypeResetQuery)
	// An old cache answers at version 0; the session continues there.
	sendPDU(t, server, &rtr.CacheResponse{Version: rtr.Version0, SessionID: 7})
	sendPDU(t, server, &rtr.EndOfData{Version: rtr.Version0, SessionID: 7, Serial: 1})
	waitSnapshot(t, events)

	query := expectPDU(t, server, rtr.TypeSerialQuery).(*rtr.SerialQuery)
	assert.Equal(t, rtr.Version0, query.Version)
}

func TestSessionInconsistentDelta(t *testing.T) {
	conns := make(chan net.Conn, 2)
	client1, server1 := net.Pipe()
	client2, server2 := net.Pipe()
	conns <- client1
	conns <- client2
	_, events := startSession(t, testSessionConfig(pipeDialer(conns)))

	expectPDU(t, server1, rtr.TypeResetQuery)
	sendPDU(t, server1, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server1, announceV4("10.0.0.0/8", 24, 65001))
	sendPDU(t, server1, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 10})
	waitSnapshot(t, events)

	// A withdrawal of a record we never had is a protocol error; the
	// session must resynchronize from scratch.
	expectPDU(t, server1, rtr.TypeSerialQuery)
	sendPDU(t, server1, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	withdraw := announceV4("203.0.113.0/24", 24, 65009)
	withdraw.Flags = 0
	sendPDU(t, server1, withdraw)

	expectPDU(t, server2, rtr.TypeResetQuery)
	sendPDU(t, server2, &rtr.CacheResponse{Version: rtr.Version1, SessionID: 7})
	sendPDU(t, server2, &rtr.EndOfData{Version: rtr.Version1, SessionID: 7, Serial: 12})
	snapshot := waitSnapshot(t, events)
	assert.EqualValues(t, 12, snapshot.Serial())
	assert.Equal(t, 0, snapshot.Len())
}
