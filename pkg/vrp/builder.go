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

package vrp

import (
	"github.com/originproto/rov/pkg/private/serrors"
)

// Errors returned when a cache sends inconsistent updates (RFC 8210
// error codes 7 and 6, respectively).
var (
	ErrDuplicateAnnouncement = serrors.New("duplicate announcement")
	ErrUnknownWithdrawal     = serrors.New("withdrawal of unknown record")
)

// Builder accumulates announcements and withdrawals into a working VRP set.
// A session uses a fresh builder for a full cache transfer and a builder
// seeded from the last committed snapshot for an incremental delta. The
// builder is not safe for concurrent use; it is owned by a single session.
type Builder struct {
	vrps map[VRP]struct{}
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{vrps: make(map[VRP]struct{})}
}

// NewBuilderFromSnapshot returns a builder seeded with the snapshot's VRP
// set. The snapshot is not modified by subsequent builder operations.
func NewBuilderFromSnapshot(s *Snapshot) *Builder {
	b := &Builder{vrps: make(map[VRP]struct{}, s.Len())}
	for _, v := range s.vrps {
		b.vrps[v] = struct{}{}
	}
	return b
}

// Announce adds a VRP. Announcing a VRP that is already present is a cache
// consistency error.
func (b *Builder) Announce(v VRP) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if _, ok := b.vrps[v]; ok {
		return serrors.Join(ErrDuplicateAnnouncement, nil, "vrp", v)
	}
	b.vrps[v] = struct{}{}
	return nil
}

// Withdraw removes a VRP. Withdrawing a VRP that is not present is a cache
// consistency error.
func (b *Builder) Withdraw(v VRP) error {
	if _, ok := b.vrps[v]; !ok {
		return serrors.Join(ErrUnknownWithdrawal, nil, "vrp", v)
	}
	delete(b.vrps, v)
	return nil
}

// Len returns the current number of VRPs in the working set.
func (b *Builder) Len() int {
	return len(b.vrps)
}

// Snapshot freezes the working set into an immutable snapshot. The builder
// remains usable afterwards; further mutations do not affect the snapshot.
func (b *Builder) Snapshot(serial uint32, sessionID uint16) *Snapshot {
	vrps := make([]VRP, 0, len(b.vrps))
	for v := range b.vrps {
		vrps = append(vrps, v)
	}
	return NewSnapshot(serial, sessionID, vrps)
}
