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
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/originproto/rov/pkg/log"
	"github.com/originproto/rov/pkg/private/serrors"
	"github.com/originproto/rov/pkg/rtr"
	"github.com/originproto/rov/pkg/vrp"
	"github.com/originproto/rov/private/worker"
)

// Error taxonomy for session failures. None of these are fatal to the
// process; they only decide what state the session discards before it
// retries.
var (
	// ErrTransport covers connect, read and write failures. Serial state
	// is kept; the session resumes with a Serial Query.
	ErrTransport = serrors.New("transport error")
	// ErrProtocol covers malformed PDUs, PDUs unexpected for the current
	// state and version mismatches. Serial state is discarded; the session
	// reconnects with a Reset Query.
	ErrProtocol = serrors.New("protocol error")
	// ErrCacheSignaled covers Error Report and Cache Reset PDUs. Whether
	// serial state survives depends on the signaled code.
	ErrCacheSignaled = serrors.New("cache signaled error")
)

// SessionState is the lifecycle state of an RTR session.
type SessionState int

// The session lifecycle states.
const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAwaitingCacheResponse
	StateReceivingFullTable
	StateEstablished
	StateReceivingDelta
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingCacheResponse:
		return "awaiting_cache_response"
	case StateReceivingFullTable:
		return "receiving_full_table"
	case StateEstablished:
		return "established"
	case StateReceivingDelta:
		return "receiving_delta"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText makes states render as strings in JSON status output.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// sessionEventsLength is the size of the channel connecting sessions to
// the engine.
const sessionEventsLength = 16

// SessionEvent is sent by a session to the engine on every state change
// and on every committed snapshot.
type SessionEvent struct {
	// ID is the index of the session in the engine's configuration.
	ID int
	// State is the session state after the event.
	State SessionState
	// Snapshot is the newly committed snapshot; nil for pure state
	// changes.
	Snapshot *vrp.Snapshot
}

// Transport opens the reliable byte stream to the cache. Injected so tests
// can drive the state machine over an in-memory pipe.
type Transport func(ctx context.Context) (net.Conn, error)

// TCPTransport dials the cache over plain TCP.
func TCPTransport(address string) Transport {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}
}

// SessionConfig configures a single cache session.
type SessionConfig struct {
	// Name identifies the session in logs, metrics and status output.
	// Usually the cache address.
	Name string
	// Dial opens the transport. Must be set.
	Dial Transport
	// Version is the preferred protocol version. The session negotiates
	// downwards if the cache does not support it.
	Version uint8
	// RefreshInterval is the quiet interval after which the session
	// proactively issues a Serial Query. Overridden by the timing
	// parameters in version 1+ End of Data PDUs.
	RefreshInterval time.Duration
	// ConnectTimeout bounds transport establishment.
	ConnectTimeout time.Duration
	// ResponseTimeout bounds the wait for each PDU while an exchange is
	// in progress.
	ResponseTimeout time.Duration
	// SyncTimeout bounds an entire cache response; a cache that drips
	// PDUs forever is declared unhealthy when it passes.
	SyncTimeout time.Duration
	// BackoffBase and BackoffMax shape the exponential reconnect backoff.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// InitDefaults populates unset durations with defaults.
func (cfg *SessionConfig) InitDefaults() {
	if cfg.Version == 0 {
		cfg.Version = rtr.Version1
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 3600 * time.Second
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	if cfg.SyncTimeout == 0 {
		cfg.SyncTimeout = 10 * time.Minute
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
}

// SessionMetrics are the per-session metrics. Nil fields are skipped.
type SessionMetrics struct {
	Connects prometheus.Counter
	Errors   prometheus.Counter
	Commits  prometheus.Counter
	State    prometheus.Gauge
	LastSync prometheus.Gauge
}

// SessionDiagnostics is a point-in-time view of session state.
type SessionDiagnostics struct {
	Name      string       `json:"name"`
	State     SessionState `json:"state"`
	SessionID uint16       `json:"rtr_session_id"`
	Serial    uint32       `json:"serial"`
	LastSync  time.Time    `json:"last_sync,omitzero"`
	LastError string       `json:"last_error,omitempty"`
}

// Session drives the RTR protocol state machine for one cache. It owns its
// working table exclusively; the only thing that leaves the session is the
// immutable snapshot committed on End of Data. Transient failures are
// retried forever with exponential backoff; nothing a cache sends can
// terminate the process.
type Session struct {
	id      int
	cfg     SessionConfig
	events  chan<- SessionEvent
	metrics SessionMetrics

	// Mutable session state, owned by the control loop. The mutex only
	// guards the diagnostics view read by the engine.
	mtx           sync.Mutex
	state         SessionState
	sessionID     uint16
	haveSession   bool
	serial        uint32
	haveSerial    bool
	lastSync      time.Time
	lastErr       error
	lastCommitted *vrp.Snapshot

	// Control loop locals, never read outside the loop.
	version uint8
	refresh time.Duration
	backoff time.Duration

	workerBase worker.Base
}

// NewSession returns a session; Run starts it.
func NewSession(id int, cfg SessionConfig, events chan<- SessionEvent,
	metrics SessionMetrics) *Session {

	cfg.InitDefaults()
	return &Session{
		id:      id,
		cfg:     cfg,
		events:  events,
		metrics: metrics,
		version: cfg.Version,
		refresh: cfg.RefreshInterval,
	}
}

// Run executes the session control loop until Close is called or the
// context is canceled. It never returns an error from cache behavior.
func (s *Session) Run(ctx context.Context) error {
	return s.workerBase.RunWrapper(ctx, nil, s.run)
}

// Close stops the session, canceling any in-flight I/O.
func (s *Session) Close(ctx context.Context) error {
	return s.workerBase.CloseWrapper(ctx, nil)
}

// Diagnostics returns a point-in-time view of the session.
func (s *Session) Diagnostics() SessionDiagnostics {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	d := SessionDiagnostics{
		Name:      s.cfg.Name,
		State:     s.state,
		SessionID: s.sessionID,
		Serial:    s.serial,
		LastSync:  s.lastSync,
	}
	if s.lastErr != nil {
		d.LastError = s.lastErr.Error()
	}
	return d
}

// LastSnapshot returns the most recently committed snapshot, or nil.
func (s *Session) LastSnapshot() *vrp.Snapshot {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.lastCommitted
}

func (s *Session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer log.HandlePanic()
		select {
		case <-s.workerBase.GetDoneChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	ctx, logger := log.WithLabels(ctx, "session", s.cfg.Name)
	for {
		err := s.attempt(ctx)
		if ctx.Err() != nil {
			s.setState(ctx, StateDisconnected)
			return nil
		}
		s.recordError(err)
		if errors.Is(err, ErrProtocol) {
			s.dropSerialState()
		}
		s.setState(ctx, StateError)
		wait := s.nextBackoff()
		logger.Info("Session failed, backing off", "err", err, "backoff", wait)
		select {
		case <-ctx.Done():
			s.setState(ctx, StateDisconnected)
			return nil
		case <-time.After(wait):
		}
	}
}

// attempt runs one connection lifetime: connect, synchronize, then
// alternate between idle waiting and incremental updates until something
// goes wrong.
func (s *Session) attempt(ctx context.Context) error {
	logger := log.FromCtx(ctx)
	s.setState(ctx, StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.cfg.Dial(dialCtx)
	cancel()
	if err != nil {
		return serrors.Join(ErrTransport, err, "op", "connect")
	}
	defer conn.Close()
	// Unblock any pending read when the session is stopped.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	inc(s.metrics.Connects)

	delta := s.canResume()
	if err := s.sendQuery(conn, delta); err != nil {
		return err
	}
	s.setState(ctx, StateAwaitingCacheResponse)
	for {
		if err := s.receiveUpdate(ctx, conn, delta); err != nil {
			return err
		}
		if snapshot := s.LastSnapshot(); snapshot != nil {
			logger.Debug("Synchronized with cache",
				"serial", snapshot.Serial(), "vrps", snapshot.Len())
		}
		if err := s.idle(ctx, conn); err != nil {
			return err
		}
		delta = true
	}
}

// sendQuery sends the initial query for a synchronization cycle: a Serial
// Query when resuming known state, a Reset Query otherwise.
func (s *Session) sendQuery(conn net.Conn, delta bool) error {
	var q rtr.PDU
	if delta {
		q = &rtr.SerialQuery{Version: s.version, SessionID: s.sessionID, Serial: s.serial}
	} else {
		q = &rtr.ResetQuery{Version: s.version}
	}
	if err := rtr.WritePDU(conn, q); err != nil {
		return serrors.Join(ErrTransport, err, "op", "write", "pdu", q.Type())
	}
	return nil
}

// receiveUpdate consumes one cache response: Cache Response, a stream of
// prefix PDUs, End of Data. On success the accumulated table has been
// committed and published as an immutable snapshot.
func (s *Session) receiveUpdate(ctx context.Context, conn net.Conn, delta bool) error {
	syncDeadline := time.Now().Add(s.cfg.SyncTimeout)
	var table *vrp.Builder
	for {
		pdu, err := s.readPDU(ctx, conn, syncDeadline)
		if err != nil {
			return err
		}
		switch p := pdu.(type) {
		case *rtr.CacheResponse:
			if table != nil {
				return unexpectedPDU(p.Type(), s.state)
			}
			if err := s.handleCacheResponse(ctx, p, delta); err != nil {
				return err
			}
			if delta {
				table = vrp.NewBuilderFromSnapshot(s.lastCommitted)
			} else {
				table = vrp.NewBuilder()
			}

		case *rtr.IPv4Prefix:
			if err := s.applyPrefix(table, p.Announce(), vrp.VRP{
				Prefix:    p.Prefix,
				MaxLength: p.MaxLen,
				ASN:       p.ASN,
			}); err != nil {
				return err
			}

		case *rtr.IPv6Prefix:
			if err := s.applyPrefix(table, p.Announce(), vrp.VRP{
				Prefix:    p.Prefix,
				MaxLength: p.MaxLen,
				ASN:       p.ASN,
			}); err != nil {
				return err
			}

		case *rtr.RouterKey:
			// Decoded for framing, not used for origin validation.
			if table == nil {
				return unexpectedPDU(p.Type(), s.state)
			}

		case *rtr.SerialNotify:
			// Legal at any time. The pending change is picked up by the
			// next refresh cycle.

		case *rtr.EndOfData:
			if table == nil {
				return unexpectedPDU(p.Type(), s.state)
			}
			return s.commit(ctx, p, table)

		case *rtr.CacheReset:
			s.dropSerialState()
			return serrors.Join(ErrCacheSignaled, nil, "pdu", p.Type())

		case *rtr.ErrorReport:
			return s.handleErrorReport(p)

		default:
			return unexpectedPDU(pdu.Type(), s.state)
		}
	}
}

// idle is the established phase: wait for a Serial Notify or for the quiet
// interval to pass, then trigger an incremental update with a Serial
// Query. The proactive query doubles as liveness probe for half-open
// connections.
func (s *Session) idle(ctx context.Context, conn net.Conn) error {
	s.setState(ctx, StateEstablished)
	wakeup := time.Now().Add(s.refresh)
	for {
		_ = conn.SetReadDeadline(wakeup)
		pdu, err := rtr.ReadPDU(conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if serrors.IsTimeout(err) {
				// Quiet interval passed without traffic.
				return s.startDelta(ctx, conn)
			}
			if errors.Is(err, rtr.ErrMalformedPDU) {
				return serrors.Join(ErrProtocol, err)
			}
			return serrors.Join(ErrTransport, err, "op", "read")
		}
		switch p := pdu.(type) {
		case *rtr.SerialNotify:
			if p.SessionID != s.sessionID {
				return serrors.Join(ErrProtocol, nil,
					"reason", "serial notify session mismatch",
					"expected", s.sessionID, "actual", p.SessionID)
			}
			if p.Serial == s.serial {
				// Nothing new; keep waiting.
				continue
			}
			return s.startDelta(ctx, conn)

		case *rtr.CacheReset:
			s.dropSerialState()
			return serrors.Join(ErrCacheSignaled, nil, "pdu", p.Type())

		case *rtr.ErrorReport:
			return s.handleErrorReport(p)

		default:
			return unexpectedPDU(pdu.Type(), s.state)
		}
	}
}

func (s *Session) startDelta(ctx context.Context, conn net.Conn) error {
	if err := s.sendQuery(conn, true); err != nil {
		return err
	}
	s.setState(ctx, StateAwaitingCacheResponse)
	return nil
}

func (s *Session) readPDU(ctx context.Context, conn net.Conn, syncDeadline time.Time) (rtr.PDU, error) {
	deadline := time.Now().Add(s.cfg.ResponseTimeout)
	if deadline.After(syncDeadline) {
		deadline = syncDeadline
	}
	_ = conn.SetReadDeadline(deadline)
	pdu, err := rtr.ReadPDU(conn)
	switch {
	case err == nil:
		return pdu, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, rtr.ErrMalformedPDU):
		return nil, serrors.Join(ErrProtocol, err)
	default:
		return nil, serrors.Join(ErrTransport, err, "op", "read")
	}
}

func (s *Session) handleCacheResponse(ctx context.Context, p *rtr.CacheResponse, delta bool) error {
	if p.Version != s.version {
		if delta || p.Version > s.version {
			return serrors.Join(ErrProtocol, nil,
				"reason", "version mismatch", "expected", s.version, "actual", p.Version)
		}
		// First contact with an older cache: continue at its version.
		log.FromCtx(ctx).Info("Cache speaks older protocol version",
			"version", p.Version)
		s.version = p.Version
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if delta {
		if p.SessionID != s.sessionID {
			// The cache restarted with fresh state; our serial is
			// meaningless now.
			expected := s.sessionID
			s.haveSession = false
			s.haveSerial = false
			s.lastCommitted = nil
			return serrors.Join(ErrProtocol, nil,
				"reason", "cache response session mismatch",
				"expected", expected, "actual", p.SessionID)
		}
		s.state = StateReceivingDelta
	} else {
		s.sessionID = p.SessionID
		s.haveSession = true
		s.state = StateReceivingFullTable
	}
	s.pushState()
	return nil
}

func (s *Session) applyPrefix(table *vrp.Builder, announce bool, v vrp.VRP) error {
	if table == nil {
		return unexpectedPDU(rtr.TypeIPv4Prefix, s.state)
	}
	var err error
	if announce {
		err = table.Announce(v)
	} else {
		err = table.Withdraw(v)
	}
	if err != nil {
		return serrors.Join(ErrProtocol, err)
	}
	return nil
}

// commit freezes the working table into a snapshot, records the new serial
// and hands the snapshot to the engine. This is the only place state
// becomes externally visible, and it is all-or-nothing.
func (s *Session) commit(ctx context.Context, eod *rtr.EndOfData, table *vrp.Builder) error {
	if eod.SessionID != s.sessionID {
		return serrors.Join(ErrProtocol, nil,
			"reason", "end of data session mismatch",
			"expected", s.sessionID, "actual", eod.SessionID)
	}
	if s.version >= rtr.Version1 && eod.Refresh > 0 {
		s.refresh = time.Duration(eod.Refresh) * time.Second
	}
	snapshot := table.Snapshot(eod.Serial, s.sessionID)

	s.mtx.Lock()
	s.serial = eod.Serial
	s.haveSerial = true
	s.lastSync = time.Now()
	s.lastErr = nil
	s.lastCommitted = snapshot
	s.state = StateEstablished
	s.pushState()
	s.mtx.Unlock()

	s.backoff = 0
	inc(s.metrics.Commits)
	if s.metrics.LastSync != nil {
		s.metrics.LastSync.SetToCurrentTime()
	}
	s.notify(ctx, SessionEvent{ID: s.id, State: StateEstablished, Snapshot: snapshot})
	return nil
}

func (s *Session) handleErrorReport(p *rtr.ErrorReport) error {
	if !p.Code.KeepsSerialState() {
		s.dropSerialState()
	}
	if p.Code == rtr.ErrUnsupportedVersion && s.version > rtr.Version0 {
		s.version--
	}
	return serrors.Join(ErrCacheSignaled, nil, "code", p.Code, "text", p.Text)
}

func (s *Session) canResume() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.haveSession && s.haveSerial && s.lastCommitted != nil
}

// dropSerialState forgets session and serial continuity; the next attempt
// performs a full resynchronization with a Reset Query.
func (s *Session) dropSerialState() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.haveSession = false
	s.haveSerial = false
	s.lastCommitted = nil
}

func (s *Session) nextBackoff() time.Duration {
	if s.backoff == 0 {
		s.backoff = s.cfg.BackoffBase
	} else {
		s.backoff *= 2
	}
	if s.backoff > s.cfg.BackoffMax {
		s.backoff = s.cfg.BackoffMax
	}
	// Jitter avoids reconnect stampedes when several sessions share a
	// cache.
	return s.backoff/2 + time.Duration(rand.Int63n(int64(s.backoff/2)+1))
}

func (s *Session) setState(ctx context.Context, state SessionState) {
	s.mtx.Lock()
	if s.state == state {
		s.mtx.Unlock()
		return
	}
	s.state = state
	s.pushState()
	s.mtx.Unlock()
	log.FromCtx(ctx).Debug("Session state changed", "state", state)
	s.notify(ctx, SessionEvent{ID: s.id, State: state})
}

// pushState mirrors the state into the gauge. Caller holds the mutex.
func (s *Session) pushState() {
	if s.metrics.State != nil {
		s.metrics.State.Set(float64(s.state))
	}
}

func (s *Session) recordError(err error) {
	inc(s.metrics.Errors)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.lastErr = err
}

// notify hands an event to the engine. Blocks until the engine consumes
// it, unless the session is being torn down.
func (s *Session) notify(ctx context.Context, ev SessionEvent) {
	if s.events == nil {
		return
	}
	select {
	case s.events <- ev:
	case <-s.workerBase.GetDoneChan():
	case <-ctx.Done():
	}
}

func unexpectedPDU(t rtr.Type, state SessionState) error {
	return serrors.Join(ErrProtocol, nil, "reason", "unexpected PDU", "pdu", t, "state", state)
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}
