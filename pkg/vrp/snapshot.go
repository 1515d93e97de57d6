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
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/k-sone/critbitgo"
	"go4.org/netipx"
)

// Snapshot is an immutable, versioned VRP table. It indexes the VRPs in one
// crit-bit trie per address family so that covering-VRP lookups stay cheap
// for tables with hundreds of thousands of entries. A snapshot never
// changes after construction; replacing the current table means building a
// new snapshot and swapping a reference.
type Snapshot struct {
	serial    uint32
	sessionID uint16
	created   time.Time

	vrps []VRP
	v4   *critbitgo.Net
	v6   *critbitgo.Net
}

// NewSnapshot builds a snapshot from the given VRP set. The input slice is
// copied; the caller may reuse it afterwards.
func NewSnapshot(serial uint32, sessionID uint16, vrps []VRP) *Snapshot {
	s := &Snapshot{
		serial:    serial,
		sessionID: sessionID,
		created:   time.Now(),
		vrps:      slices.Clone(vrps),
		v4:        critbitgo.NewNet(),
		v6:        critbitgo.NewNet(),
	}
	// Normalize away host bits so that grouping by prefix below cannot
	// split VRPs sharing a trie key across nodes, which would drop all
	// but the last group from lookups.
	for i := range s.vrps {
		s.vrps[i].Prefix = s.vrps[i].Prefix.Masked()
	}
	slices.SortFunc(s.vrps, compare)
	// Group by exact prefix; the trie stores one node per prefix with the
	// full list of (max length, origin) entries for it.
	for i := 0; i < len(s.vrps); {
		j := i
		for j < len(s.vrps) && s.vrps[j].Prefix == s.vrps[i].Prefix {
			j++
		}
		entries := s.vrps[i:j:j]
		trie := s.v6
		if s.vrps[i].AFI() == AFIIPv4 {
			trie = s.v4
		}
		// Add only fails on an invalid route, which cannot happen for a
		// valid netip.Prefix.
		_ = trie.Add(netipx.PrefixIPNet(s.vrps[i].Prefix.Masked()), entries)
		i = j
	}
	return s
}

// Serial returns the cache serial number the snapshot corresponds to.
func (s *Snapshot) Serial() uint32 { return s.serial }

// SessionID returns the cache session the snapshot was received on.
func (s *Snapshot) SessionID() uint16 { return s.sessionID }

// CreatedAt returns the time the snapshot was committed.
func (s *Snapshot) CreatedAt() time.Time { return s.created }

// Len returns the number of VRPs in the snapshot.
func (s *Snapshot) Len() int { return len(s.vrps) }

// VRPs returns all VRPs in stable order. The returned slice is a copy.
func (s *Snapshot) VRPs() []VRP {
	return slices.Clone(s.vrps)
}

// Lookup returns every VRP whose prefix is a supernet-or-equal of the
// query, i.e. the covering set used for origin validation. The result is
// in stable order. Lookup is safe for concurrent use.
func (s *Snapshot) Lookup(prefix netip.Prefix) []VRP {
	trie := s.v6
	if prefix.Addr().Is4() {
		trie = s.v4
	}
	var covering []VRP
	trie.WalkMatch(netipx.PrefixIPNet(prefix.Masked()),
		func(_ *net.IPNet, value any) bool {
			covering = append(covering, value.([]VRP)...)
			return true
		})
	slices.SortFunc(covering, compare)
	return covering
}

// Covered returns the aggregated set of prefixes covered by the snapshot
// for the given address family.
func (s *Snapshot) Covered(afi AFI) []netip.Prefix {
	var b netipx.IPSetBuilder
	for _, v := range s.vrps {
		if v.AFI() == afi {
			b.AddPrefix(v.Prefix.Masked())
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil
	}
	return set.Prefixes()
}

// Origins returns the sorted set of origin ASes present for the given
// address family. AS0 is excluded: an AS0 VRP exists to invalidate, not to
// authorize origination.
func (s *Snapshot) Origins(afi AFI) []uint32 {
	seen := make(map[uint32]struct{})
	var origins []uint32
	for _, v := range s.vrps {
		if v.AFI() != afi || v.ASN == 0 {
			continue
		}
		if _, ok := seen[v.ASN]; ok {
			continue
		}
		seen[v.ASN] = struct{}{}
		origins = append(origins, v.ASN)
	}
	slices.Sort(origins)
	return origins
}

// ByOrigin returns the VRPs authorizing the given origin AS in the given
// address family, in stable order.
func (s *Snapshot) ByOrigin(asn uint32, afi AFI) []VRP {
	var out []VRP
	for _, v := range s.vrps {
		if v.AFI() == afi && v.ASN == asn {
			out = append(out, v)
		}
	}
	return out
}
