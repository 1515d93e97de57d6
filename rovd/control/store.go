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
	"sync"
	"sync/atomic"
	"time"

	"github.com/originproto/rov/pkg/vrp"
)

// SnapshotInfo describes a committed snapshot to subscribers.
type SnapshotInfo struct {
	Serial      uint32    `json:"serial"`
	SessionID   uint16    `json:"session_id"`
	Count       int       `json:"count"`
	CommittedAt time.Time `json:"committed_at"`
}

// SnapshotStore holds the externally visible current snapshot. Readers get
// the snapshot with a single atomic load and never block publishers;
// publishing swaps the pointer in one indivisible step, so a reader always
// observes a complete table, never a partially applied update.
type SnapshotStore struct {
	current atomic.Pointer[vrp.Snapshot]

	mtx    sync.Mutex
	subs   map[int]chan SnapshotInfo
	nextID int
}

// NewSnapshotStore returns an empty store. Current returns nil until the
// first publish.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{subs: make(map[int]chan SnapshotInfo)}
}

// Current returns the current snapshot, or nil if no snapshot is available.
func (s *SnapshotStore) Current() *vrp.Snapshot {
	return s.current.Load()
}

// Publish atomically installs snapshot as current and notifies subscribers.
func (s *SnapshotStore) Publish(snapshot *vrp.Snapshot) {
	s.current.Store(snapshot)
	info := SnapshotInfo{
		Serial:      snapshot.Serial(),
		SessionID:   snapshot.SessionID(),
		Count:       snapshot.Len(),
		CommittedAt: snapshot.CreatedAt(),
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, ch := range s.subs {
		push(ch, info)
	}
}

// Clear removes the current snapshot. Used when the staleness ceiling has
// passed and serving stale data is worse than serving none.
func (s *SnapshotStore) Clear() {
	s.current.Store(nil)
}

// Subscribe registers for snapshot change notifications. The returned
// channel has a one-element buffer with latest-wins semantics: a slow
// subscriber only ever misses intermediate versions, never the newest one.
// The cancel function releases the subscription.
func (s *SnapshotStore) Subscribe() (<-chan SnapshotInfo, func()) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan SnapshotInfo, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		delete(s.subs, id)
	}
}

// push delivers info without ever blocking: if the subscriber has not
// consumed the previous notification it is replaced by the newer one.
func push(ch chan SnapshotInfo, info SnapshotInfo) {
	for {
		select {
		case ch <- info:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
