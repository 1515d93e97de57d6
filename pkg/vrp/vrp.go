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

// Package vrp models validated ROA payloads and immutable, indexed
// snapshots of a VRP table.
package vrp

import (
	"fmt"
	"net/netip"

	"github.com/originproto/rov/pkg/private/serrors"
)

// AFI is an address family identifier.
type AFI string

// The supported address families.
const (
	AFIIPv4 AFI = "ipv4"
	AFIIPv6 AFI = "ipv6"
)

// ParseAFI parses the string representation of an address family.
func ParseAFI(s string) (AFI, error) {
	switch AFI(s) {
	case AFIIPv4:
		return AFIIPv4, nil
	case AFIIPv6:
		return AFIIPv6, nil
	default:
		return "", serrors.New("unknown address family", "afi", s)
	}
}

// VRP is a validated ROA payload: the authorization for an AS to originate
// a prefix up to a maximum length. VRPs are value types and immutable. The
// full struct is comparable and serves as its own set key; a prefix may
// appear in multiple VRPs with different origin or max length.
type VRP struct {
	Prefix    netip.Prefix
	MaxLength uint8
	ASN       uint32
}

// AFI returns the address family of the VRP.
func (v VRP) AFI() AFI {
	if v.Prefix.Addr().Is4() {
		return AFIIPv4
	}
	return AFIIPv6
}

// Covers reports whether the VRP's prefix is a supernet-or-equal of p.
// Max length is not consulted; it only matters for origin validation, not
// for coverage.
func (v VRP) Covers(p netip.Prefix) bool {
	return v.Prefix.Bits() <= p.Bits() && v.Prefix.Contains(p.Masked().Addr())
}

// Validate checks the internal consistency of the VRP.
func (v VRP) Validate() error {
	if !v.Prefix.IsValid() {
		return serrors.New("invalid prefix")
	}
	if v.Prefix != v.Prefix.Masked() {
		return serrors.New("prefix has host bits set", "prefix", v.Prefix)
	}
	if int(v.MaxLength) < v.Prefix.Bits() {
		return serrors.New("max length below prefix length",
			"prefix", v.Prefix, "max_length", v.MaxLength)
	}
	if int(v.MaxLength) > v.Prefix.Addr().BitLen() {
		return serrors.New("max length exceeds address size",
			"prefix", v.Prefix, "max_length", v.MaxLength)
	}
	return nil
}

func (v VRP) String() string {
	return fmt.Sprintf("%s-%d AS%d", v.Prefix, v.MaxLength, v.ASN)
}

// compare orders VRPs for stable iteration: IPv4 before IPv6, then by
// address, prefix length, max length and origin.
func compare(a, b VRP) int {
	aV6, bV6 := a.Prefix.Addr().Is6(), b.Prefix.Addr().Is6()
	if aV6 != bV6 {
		if aV6 {
			return 1
		}
		return -1
	}
	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c
	}
	if c := a.Prefix.Bits() - b.Prefix.Bits(); c != 0 {
		return c
	}
	if c := int(a.MaxLength) - int(b.MaxLength); c != 0 {
		return c
	}
	switch {
	case a.ASN < b.ASN:
		return -1
	case a.ASN > b.ASN:
		return 1
	default:
		return 0
	}
}
