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
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"zgo.at/zcache/v2"

	"github.com/originproto/rov/pkg/private/serrors"
	"github.com/originproto/rov/pkg/vrp"
)

// Verdict is the outcome of route origin validation per RFC 6811.
type Verdict int

// The possible verdicts.
const (
	VerdictNotFound Verdict = iota
	VerdictValid
	VerdictInvalid
)

func (v Verdict) String() string {
	switch v {
	case VerdictNotFound:
		return "not_found"
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// MarshalText makes verdicts render as strings in JSON status output.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// ErrUnavailable is returned when no snapshot is available, either because
// no session has synchronized yet or because the staleness ceiling expired.
// Whether to fail open or closed on it is the caller's policy decision.
var ErrUnavailable = serrors.New("validation unavailable")

// Result is the verdict together with the covering VRPs that produced it,
// for diagnostics.
type Result struct {
	Verdict Verdict `json:"verdict"`
	// Covering holds all VRPs covering the queried prefix. Empty exactly
	// when the verdict is NotFound.
	Covering []vrp.VRP `json:"-"`
	// Serial identifies the snapshot the verdict was computed against.
	Serial uint32 `json:"serial"`
}

type memoKey struct {
	serial    uint32
	sessionID uint16
	prefix    netip.Prefix
	asn       uint32
}

// Validator answers origin validation queries against the store's current
// snapshot. Verdicts are memoized per snapshot; the memo is flushed
// whenever a new snapshot appears. Safe for concurrent use.
type Validator struct {
	store      *SnapshotStore
	memo       *zcache.Cache[memoKey, Result]
	memoSerial atomic.Uint64

	// Requests counts queries by verdict, if set.
	Requests *prometheus.CounterVec
}

// NewValidator returns a validator reading from store.
func NewValidator(store *SnapshotStore) *Validator {
	return &Validator{
		store: store,
		memo:  zcache.New[memoKey, Result](zcache.NoExpiration, 10*time.Minute),
	}
}

// Validate classifies the announcement of prefix by origin asn.
//
// The covering set decides in this exact order: no covering VRP means
// NotFound; any covering VRP matching the origin whose max length admits
// the prefix length means Valid; otherwise Invalid. Checking for any match
// before declaring Invalid is what keeps multi-origin prefixes correct.
func (v *Validator) Validate(prefix netip.Prefix, asn uint32) (Result, error) {
	snapshot := v.store.Current()
	if snapshot == nil {
		return Result{}, ErrUnavailable
	}
	key := memoKey{
		serial:    snapshot.Serial(),
		sessionID: snapshot.SessionID(),
		prefix:    prefix,
		asn:       asn,
	}
	gen := uint64(key.sessionID)<<32 | uint64(key.serial)
	if v.memoSerial.Swap(gen) != gen {
		v.memo.Reset()
	}
	if res, ok := v.memo.Get(key); ok {
		v.count(res.Verdict)
		return res, nil
	}

	res := Result{Serial: snapshot.Serial()}
	res.Covering = snapshot.Lookup(prefix)
	switch {
	case len(res.Covering) == 0:
		res.Verdict = VerdictNotFound
	case matches(res.Covering, prefix, asn):
		res.Verdict = VerdictValid
	default:
		res.Verdict = VerdictInvalid
	}
	v.memo.Set(key, res)
	v.count(res.Verdict)
	return res, nil
}

func matches(covering []vrp.VRP, prefix netip.Prefix, asn uint32) bool {
	if asn == 0 {
		// AS0 authorizes nobody.
		return false
	}
	for _, c := range covering {
		if c.ASN == asn && prefix.Bits() <= int(c.MaxLength) {
			return true
		}
	}
	return false
}

func (v *Validator) count(verdict Verdict) {
	if v.Requests != nil {
		v.Requests.WithLabelValues(verdict.String()).Inc()
	}
}
