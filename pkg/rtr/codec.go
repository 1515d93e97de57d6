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

package rtr

import (
	"encoding/binary"
	"io"

	"github.com/gopacket/gopacket"

	"github.com/originproto/rov/pkg/private/serrors"
)

// Decode parses a single complete PDU. The concrete type of the returned
// PDU corresponds to the type field in the header.
func Decode(data []byte, df gopacket.DecodeFeedback) (PDU, error) {
	if len(data) < headerLen {
		df.SetTruncated()
		return nil, serrors.Join(ErrMalformedPDU, nil, "field", "header", "len", len(data))
	}
	if v := data[0]; v > MaxVersion {
		return nil, serrors.Join(ErrMalformedPDU, nil, "field", "version", "value", v)
	}
	var p PDU
	switch t := Type(data[1]); t {
	case TypeSerialNotify:
		p = &SerialNotify{}
	case TypeSerialQuery:
		p = &SerialQuery{}
	case TypeResetQuery:
		p = &ResetQuery{}
	case TypeCacheResponse:
		p = &CacheResponse{}
	case TypeIPv4Prefix:
		p = &IPv4Prefix{}
	case TypeIPv6Prefix:
		p = &IPv6Prefix{}
	case TypeEndOfData:
		p = &EndOfData{}
	case TypeCacheReset:
		p = &CacheReset{}
	case TypeRouterKey:
		p = &RouterKey{}
	case TypeErrorReport:
		p = &ErrorReport{}
	default:
		return nil, serrors.Join(ErrMalformedPDU, nil, "field", "type", "value", uint8(t))
	}
	if err := p.DecodeFromBytes(data, df); err != nil {
		return nil, err
	}
	return p, nil
}

// Serialize encodes a PDU into a fresh byte slice.
func Serialize(p PDU) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := p.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadPDU frames a single PDU off a byte stream and decodes it. Reads are
// bounded by the declared PDU length, which in turn is bounded by
// MaxPDUSize.
func ReadPDU(r io.Reader) (PDU, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	declared := binary.BigEndian.Uint32(hdr[4:8])
	if declared < headerLen || declared > MaxPDUSize {
		return nil, serrors.Join(ErrMalformedPDU, nil, "field", "length", "declared", declared)
	}
	data := make([]byte, declared)
	copy(data, hdr[:])
	if _, err := io.ReadFull(r, data[headerLen:]); err != nil {
		return nil, serrors.Wrap("reading PDU body", err, "declared", declared)
	}
	return Decode(data, gopacket.NilDecodeFeedback)
}

// WritePDU encodes a PDU and writes it to w in one call.
func WritePDU(w io.Writer, p PDU) error {
	data, err := Serialize(p)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ErrorCode is the error code carried in an ErrorReport PDU.
type ErrorCode uint16

// Error codes defined by RFC 8210 section 12.
const (
	ErrCorruptData                   ErrorCode = 0
	ErrInternalError                 ErrorCode = 1
	ErrNoDataAvailable               ErrorCode = 2
	ErrInvalidRequest                ErrorCode = 3
	ErrUnsupportedVersion            ErrorCode = 4
	ErrUnsupportedPDUType            ErrorCode = 5
	ErrWithdrawalOfUnknownRecord     ErrorCode = 6
	ErrDuplicateAnnouncementReceived ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCorruptData:
		return "corrupt_data"
	case ErrInternalError:
		return "internal_error"
	case ErrNoDataAvailable:
		return "no_data_available"
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrUnsupportedVersion:
		return "unsupported_version"
	case ErrUnsupportedPDUType:
		return "unsupported_pdu_type"
	case ErrWithdrawalOfUnknownRecord:
		return "withdrawal_of_unknown_record"
	case ErrDuplicateAnnouncementReceived:
		return "duplicate_announcement_received"
	default:
		return "unknown"
	}
}

// KeepsSerialState reports whether a router receiving this code may retain
// its session and serial state. Unknown codes are treated conservatively:
// the router discards its state and performs a full resynchronization.
func (c ErrorCode) KeepsSerialState() bool {
	return c == ErrNoDataAvailable
}
