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

// Package rtr implements the RPKI-to-Router protocol wire format
// (RFC 6810, RFC 8210 and the version 2 draft).
//
// Every PDU shares a fixed 8 byte header:
//
//	0         8        16        24        31
//	+---------+---------+-------------------+
//	| version |  type   | session id/flags  |
//	+---------+---------+-------------------+
//	|               length                  |
//	+---------------------------------------+
//
// Decoding never reads past the declared PDU length and fails with an error
// matching ErrMalformedPDU that names the offending field.
package rtr

import (
	"encoding/binary"
	"net/netip"

	"github.com/gopacket/gopacket"

	"github.com/originproto/rov/pkg/private/serrors"
)

// Protocol versions.
const (
	Version0 uint8 = 0
	Version1 uint8 = 1
	Version2 uint8 = 2
)

// MaxVersion is the highest protocol version this implementation speaks.
const MaxVersion = Version2

// Type identifies a PDU type.
type Type uint8

// PDU types.
const (
	TypeSerialNotify  Type = 0
	TypeSerialQuery   Type = 1
	TypeResetQuery    Type = 2
	TypeCacheResponse Type = 3
	TypeIPv4Prefix    Type = 4
	TypeIPv6Prefix    Type = 6
	TypeEndOfData     Type = 7
	TypeCacheReset    Type = 8
	TypeRouterKey     Type = 9
	TypeErrorReport   Type = 10
)

func (t Type) String() string {
	switch t {
	case TypeSerialNotify:
		return "serial_notify"
	case TypeSerialQuery:
		return "serial_query"
	case TypeResetQuery:
		return "reset_query"
	case TypeCacheResponse:
		return "cache_response"
	case TypeIPv4Prefix:
		return "ipv4_prefix"
	case TypeIPv6Prefix:
		return "ipv6_prefix"
	case TypeEndOfData:
		return "end_of_data"
	case TypeCacheReset:
		return "cache_reset"
	case TypeRouterKey:
		return "router_key"
	case TypeErrorReport:
		return "error_report"
	default:
		return "unknown"
	}
}

// FlagAnnounce is set in prefix PDUs that announce a VRP; withdrawn VRPs
// have the flag cleared.
const FlagAnnounce uint8 = 1

const headerLen = 8

// MaxPDUSize bounds the declared length of a single PDU. Anything larger is
// treated as malformed before any allocation happens.
const MaxPDUSize = 1 << 16

// ErrMalformedPDU is the sentinel matched by all decode errors.
var ErrMalformedPDU = serrors.New("malformed PDU")

// PDU is a single RTR protocol message.
type PDU interface {
	Type() Type
	// DecodeFromBytes parses a full PDU, header included. data must be
	// exactly the declared PDU length.
	DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error
	// SerializeTo appends the encoded PDU to b.
	SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error
}

// SerialNotify is sent by the cache to tell the router that it has new data.
type SerialNotify struct {
	Version   uint8
	SessionID uint16
	Serial    uint32
}

func (p *SerialNotify) Type() Type { return TypeSerialNotify }

func (p *SerialNotify) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDU(data, df, TypeSerialNotify, headerLen+4); err != nil {
		return err
	}
	p.Version = data[0]
	p.SessionID = binary.BigEndian.Uint16(data[2:4])
	p.Serial = binary.BigEndian.Uint32(data[8:12])
	return nil
}

func (p *SerialNotify) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	buf, err := appendHeader(b, p.Version, TypeSerialNotify, p.SessionID, headerLen+4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[8:12], p.Serial)
	return nil
}

// SerialQuery asks the cache for all changes since the given serial.
type SerialQuery struct {
	Version   uint8
	SessionID uint16
	Serial    uint32
}

func (p *SerialQuery) Type() Type { return TypeSerialQuery }

func (p *SerialQuery) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDU(data, df, TypeSerialQuery, headerLen+4); err != nil {
		return err
	}
	p.Version = data[0]
	p.SessionID = binary.BigEndian.Uint16(data[2:4])
	p.Serial = binary.BigEndian.Uint32(data[8:12])
	return nil
}

func (p *SerialQuery) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	buf, err := appendHeader(b, p.Version, TypeSerialQuery, p.SessionID, headerLen+4)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[8:12], p.Serial)
	return nil
}

// ResetQuery asks the cache for the complete current VRP set.
type ResetQuery struct {
	Version uint8
}

func (p *ResetQuery) Type() Type { return TypeResetQuery }

func (p *ResetQuery) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDU(data, df, TypeResetQuery, headerLen); err != nil {
		return err
	}
	p.Version = data[0]
	return nil
}

func (p *ResetQuery) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	_, err := appendHeader(b, p.Version, TypeResetQuery, 0, headerLen)
	return err
}

// CacheResponse opens a sequence of prefix PDUs terminated by EndOfData.
type CacheResponse struct {
	Version   uint8
	SessionID uint16
}

func (p *CacheResponse) Type() Type { return TypeCacheResponse }

func (p *CacheResponse) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDU(data, df, TypeCacheResponse, headerLen); err != nil {
		return err
	}
	p.Version = data[0]
	p.SessionID = binary.BigEndian.Uint16(data[2:4])
	return nil
}

func (p *CacheResponse) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	_, err := appendHeader(b, p.Version, TypeCacheResponse, p.SessionID, headerLen)
	return err
}

// IPv4Prefix announces or withdraws a single IPv4 VRP.
type IPv4Prefix struct {
	Version uint8
	Flags   uint8
	Prefix  netip.Prefix
	MaxLen  uint8
	ASN     uint32
}

func (p *IPv4Prefix) Type() Type { return TypeIPv4Prefix }

// Announce reports whether the PDU announces (true) or withdraws (false).
func (p *IPv4Prefix) Announce() bool { return p.Flags&FlagAnnounce != 0 }

func (p *IPv4Prefix) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDU(data, df, TypeIPv4Prefix, headerLen+12); err != nil {
		return err
	}
	p.Version = data[0]
	p.Flags = data[8]
	plen, maxLen := data[9], data[10]
	if plen > 32 {
		return serrors.Join(ErrMalformedPDU, nil, "field", "prefix_length", "value", plen)
	}
	if maxLen > 32 || maxLen < plen {
		return serrors.Join(ErrMalformedPDU, nil, "field", "max_length", "value", maxLen)
	}
	addr := netip.AddrFrom4([4]byte(data[12:16]))
	p.Prefix = netip.PrefixFrom(addr, int(plen))
	// Host bits beyond the prefix length are corrupt data; accepting them
	// would let distinct wire encodings alias the same prefix.
	if p.Prefix.Masked().Addr() != addr {
		return serrors.Join(ErrMalformedPDU, nil, "field", "prefix", "value", p.Prefix)
	}
	p.MaxLen = maxLen
	p.ASN = binary.BigEndian.Uint32(data[16:20])
	return nil
}

func (p *IPv4Prefix) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	if !p.Prefix.Addr().Is4() {
		return serrors.New("not an IPv4 prefix", "prefix", p.Prefix)
	}
	buf, err := appendHeader(b, p.Version, TypeIPv4Prefix, 0, headerLen+12)
	if err != nil {
		return err
	}
	buf[8] = p.Flags
	buf[9] = uint8(p.Prefix.Bits())
	buf[10] = p.MaxLen
	addr := p.Prefix.Addr().As4()
	copy(buf[12:16], addr[:])
	binary.BigEndian.PutUint32(buf[16:20], p.ASN)
	return nil
}

// IPv6Prefix announces or withdraws a single IPv6 VRP.
type IPv6Prefix struct {
	Version uint8
	Flags   uint8
	Prefix  netip.Prefix
	MaxLen  uint8
	ASN     uint32
}

func (p *IPv6Prefix) Type() Type { return TypeIPv6Prefix }

// Announce reports whether the PDU announces (true) or withdraws (false).
func (p *IPv6Prefix) Announce() bool { return p.Flags&FlagAnnounce != 0 }

func (p *IPv6Prefix) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDU(data, df, TypeIPv6Prefix, headerLen+24); err != nil {
		return err
	}
	p.Version = data[0]
	p.Flags = data[8]
	plen, maxLen := data[9], data[10]
	if plen > 128 {
		return serrors.Join(ErrMalformedPDU, nil, "field", "prefix_length", "value", plen)
	}
	if maxLen > 128 || maxLen < plen {
		return serrors.Join(ErrMalformedPDU, nil, "field", "max_length", "value", maxLen)
	}
	addr := netip.AddrFrom16([16]byte(data[12:28]))
	p.Prefix = netip.PrefixFrom(addr, int(plen))
	if p.Prefix.Masked().Addr() != addr {
		return serrors.Join(ErrMalformedPDU, nil, "field", "prefix", "value", p.Prefix)
	}
	p.MaxLen = maxLen
	p.ASN = binary.BigEndian.Uint32(data[28:32])
	return nil
}

func (p *IPv6Prefix) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	if !p.Prefix.Addr().Is6() || p.Prefix.Addr().Is4In6() {
		return serrors.New("not an IPv6 prefix", "prefix", p.Prefix)
	}
	buf, err := appendHeader(b, p.Version, TypeIPv6Prefix, 0, headerLen+24)
	if err != nil {
		return err
	}
	buf[8] = p.Flags
	buf[9] = uint8(p.Prefix.Bits())
	buf[10] = p.MaxLen
	addr := p.Prefix.Addr().As16()
	copy(buf[12:28], addr[:])
	binary.BigEndian.PutUint32(buf[28:32], p.ASN)
	return nil
}

// EndOfData terminates a cache response and carries the new serial. From
// version 1 on it additionally carries the timing parameters the router
// should use.
type EndOfData struct {
	Version   uint8
	SessionID uint16
	Serial    uint32
	// Refresh, Retry and Expire are in seconds and only present on the
	// wire for version 1 and later.
	Refresh uint32
	Retry   uint32
	Expire  uint32
}

func (p *EndOfData) Type() Type { return TypeEndOfData }

func (p *EndOfData) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	size := headerLen + 4
	if len(data) > 0 && data[0] >= Version1 {
		size = headerLen + 16
	}
	if err := checkPDU(data, df, TypeEndOfData, size); err != nil {
		return err
	}
	p.Version = data[0]
	p.SessionID = binary.BigEndian.Uint16(data[2:4])
	p.Serial = binary.BigEndian.Uint32(data[8:12])
	if p.Version >= Version1 {
		p.Refresh = binary.BigEndian.Uint32(data[12:16])
		p.Retry = binary.BigEndian.Uint32(data[16:20])
		p.Expire = binary.BigEndian.Uint32(data[20:24])
	}
	return nil
}

func (p *EndOfData) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	size := headerLen + 4
	if p.Version >= Version1 {
		size = headerLen + 16
	}
	buf, err := appendHeader(b, p.Version, TypeEndOfData, p.SessionID, size)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[8:12], p.Serial)
	if p.Version >= Version1 {
		binary.BigEndian.PutUint32(buf[12:16], p.Refresh)
		binary.BigEndian.PutUint32(buf[16:20], p.Retry)
		binary.BigEndian.PutUint32(buf[20:24], p.Expire)
	}
	return nil
}

// CacheReset tells the router that the cache cannot serve the requested
// serial and a full resynchronization is required.
type CacheReset struct {
	Version uint8
}

func (p *CacheReset) Type() Type { return TypeCacheReset }

func (p *CacheReset) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDU(data, df, TypeCacheReset, headerLen); err != nil {
		return err
	}
	p.Version = data[0]
	return nil
}

func (p *CacheReset) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	_, err := appendHeader(b, p.Version, TypeCacheReset, 0, headerLen)
	return err
}

// RouterKey carries a BGPsec router key (version 1 and later). It is
// decoded for correct stream framing; sessions skip it.
type RouterKey struct {
	Version              uint8
	Flags                uint8
	SubjectKeyIdentifier [20]byte
	ASN                  uint32
	SubjectPublicKeyInfo []byte
}

func (p *RouterKey) Type() Type { return TypeRouterKey }

func (p *RouterKey) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDUMin(data, df, TypeRouterKey, headerLen+24); err != nil {
		return err
	}
	p.Version = data[0]
	p.Flags = data[2]
	copy(p.SubjectKeyIdentifier[:], data[8:28])
	p.ASN = binary.BigEndian.Uint32(data[28:32])
	p.SubjectPublicKeyInfo = append(p.SubjectPublicKeyInfo[:0], data[32:]...)
	return nil
}

func (p *RouterKey) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	size := headerLen + 24 + len(p.SubjectPublicKeyInfo)
	buf, err := appendHeader(b, p.Version, TypeRouterKey, uint16(p.Flags)<<8, size)
	if err != nil {
		return err
	}
	copy(buf[8:28], p.SubjectKeyIdentifier[:])
	binary.BigEndian.PutUint32(buf[28:32], p.ASN)
	copy(buf[32:], p.SubjectPublicKeyInfo)
	return nil
}

// ErrorReport signals a protocol error. It optionally embeds the bytes of
// the PDU that triggered the error and a diagnostic message.
type ErrorReport struct {
	Version uint8
	Code    ErrorCode
	// PDU contains the erroneous PDU verbatim, if any.
	PDU []byte
	// Text is a diagnostic message, if any.
	Text string
}

func (p *ErrorReport) Type() Type { return TypeErrorReport }

func (p *ErrorReport) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if err := checkPDUMin(data, df, TypeErrorReport, headerLen+8); err != nil {
		return err
	}
	p.Version = data[0]
	p.Code = ErrorCode(binary.BigEndian.Uint16(data[2:4]))
	pduLen := binary.BigEndian.Uint32(data[8:12])
	rest := data[12:]
	// Widen before adding; pduLen is attacker controlled and must not be
	// allowed to wrap the bounds check.
	if uint64(pduLen)+4 > uint64(len(rest)) {
		df.SetTruncated()
		return serrors.Join(ErrMalformedPDU, nil, "field", "encapsulated_pdu_length", "value", pduLen)
	}
	p.PDU = append(p.PDU[:0], rest[:pduLen]...)
	rest = rest[pduLen:]
	textLen := binary.BigEndian.Uint32(rest[:4])
	if uint32(len(rest)-4) != textLen {
		df.SetTruncated()
		return serrors.Join(ErrMalformedPDU, nil, "field", "error_text_length", "value", textLen)
	}
	p.Text = string(rest[4 : 4+textLen])
	return nil
}

func (p *ErrorReport) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	size := headerLen + 8 + len(p.PDU) + len(p.Text)
	buf, err := appendHeader(b, p.Version, TypeErrorReport, uint16(p.Code), size)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.PDU)))
	copy(buf[12:], p.PDU)
	off := 12 + len(p.PDU)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(p.Text)))
	copy(buf[off+4:], p.Text)
	return nil
}

// checkPDU verifies the fixed header against the expected type and exact
// size. data must hold the complete PDU.
func checkPDU(data []byte, df gopacket.DecodeFeedback, want Type, size int) error {
	if err := checkPDUMin(data, df, want, size); err != nil {
		return err
	}
	if len(data) != size {
		return serrors.Join(ErrMalformedPDU, nil,
			"field", "length", "declared", len(data), "expected", size)
	}
	return nil
}

// checkPDUMin is checkPDU for variable-size PDUs, enforcing a lower bound
// only.
func checkPDUMin(data []byte, df gopacket.DecodeFeedback, want Type, minSize int) error {
	if len(data) < headerLen {
		df.SetTruncated()
		return serrors.Join(ErrMalformedPDU, nil, "field", "header", "len", len(data))
	}
	if t := Type(data[1]); t != want {
		return serrors.Join(ErrMalformedPDU, nil, "field", "type", "expected", want, "actual", t)
	}
	declared := binary.BigEndian.Uint32(data[4:8])
	if declared != uint32(len(data)) {
		if declared > uint32(len(data)) {
			df.SetTruncated()
		}
		return serrors.Join(ErrMalformedPDU, nil,
			"field", "length", "declared", declared, "actual", len(data))
	}
	if len(data) < minSize {
		df.SetTruncated()
		return serrors.Join(ErrMalformedPDU, nil,
			"field", "length", "declared", declared, "min", minSize)
	}
	return nil
}

func appendHeader(b gopacket.SerializeBuffer, version uint8, t Type, sessionOrFlags uint16,
	size int) ([]byte, error) {

	buf, err := b.AppendBytes(size)
	if err != nil {
		return nil, err
	}
	buf[0] = version
	buf[1] = uint8(t)
	binary.BigEndian.PutUint16(buf[2:4], sessionOrFlags)
	binary.BigEndian.PutUint32(buf[4:8], uint32(size))
	for i := 8; i < size; i++ {
		buf[i] = 0
	}
	return buf, nil
}
