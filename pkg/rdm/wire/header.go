// Package wire implements the packet builder/parser (spec §4.5,
// component C5): a fixed init routine and a fixed recv handler per
// packet type, a base header of {version, type, flags} followed by
// type-specific fields, and the optional sub-headers (raw-address,
// connection-id, CQ-data) that appear in a fixed order when their flag
// bit is set (spec §3, §6).
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// Sub-header presence bits, carried in the base header's Flags field.
// They always appear in this order: raw-address, connection-id,
// cq-data (spec §3, §6).
const (
	FlagRawAddr uint16 = 1 << iota
	FlagConnID
	FlagCQData
	FlagTagged
	FlagDeliveryComplete
)

const maxRawAddrLen = 32

// Header is the fixed base header plus the optional sub-headers.
type Header struct {
	Version uint8
	Type    proto.PacketType
	Flags   uint16

	RawAddr []byte // present iff FlagRawAddr
	ConnID  uint32 // present iff FlagConnID
	CQData  uint64 // present iff FlagCQData
}

const baseHeaderLen = 1 + 2 + 2 // version + type + flags

// EncodeHeader writes h into buf (which must be at least HeaderLen(h)
// bytes) and returns the number of bytes written.
func EncodeHeader(buf []byte, h Header) (int, error) {
	if len(h.RawAddr) > maxRawAddrLen {
		return 0, fmt.Errorf("wire: raw address too long (%d > %d)", len(h.RawAddr), maxRawAddrLen)
	}
	need := HeaderLen(h)
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for header (%d < %d)", len(buf), need)
	}

	off := 0
	buf[off] = h.Version
	off++
	binary.LittleEndian.PutUint16(buf[off:], uint16(h.Type))
	off += 2
	binary.LittleEndian.PutUint16(buf[off:], h.Flags)
	off += 2

	if h.Flags&FlagRawAddr != 0 {
		buf[off] = uint8(len(h.RawAddr))
		off++
		off += copy(buf[off:], h.RawAddr)
	}
	if h.Flags&FlagConnID != 0 {
		binary.LittleEndian.PutUint32(buf[off:], h.ConnID)
		off += 4
	}
	if h.Flags&FlagCQData != 0 {
		binary.LittleEndian.PutUint64(buf[off:], h.CQData)
		off += 8
	}
	return off, nil
}

// HeaderLen returns the encoded length of h.
func HeaderLen(h Header) int {
	n := baseHeaderLen
	if h.Flags&FlagRawAddr != 0 {
		n += 1 + len(h.RawAddr)
	}
	if h.Flags&FlagConnID != 0 {
		n += 4
	}
	if h.Flags&FlagCQData != 0 {
		n += 8
	}
	return n
}

// MinSupportedVersion is the lowest base-header version this
// implementation accepts (spec §4.5, §7).
const MinSupportedVersion = proto.ProtocolVersion

// DecodeHeader parses the base header and its sub-headers (in their
// fixed order) from buf, returning the header, the number of bytes
// consumed, and an error. A version below MinSupportedVersion or a
// retired packet type is a fatal wire-format violation (spec §4.5, §7):
// callers must treat ErrFatal as ending the endpoint, not as a
// recoverable per-packet error.
func DecodeHeader(buf []byte) (Header, int, error) {
	if len(buf) < baseHeaderLen {
		return Header{}, 0, fmt.Errorf("wire: short buffer for base header (%d bytes)", len(buf))
	}
	var h Header
	off := 0
	h.Version = buf[off]
	off++
	h.Type = proto.PacketType(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	h.Flags = binary.LittleEndian.Uint16(buf[off:])
	off += 2

	if h.Version < MinSupportedVersion {
		return h, off, &ErrFatal{fmt.Errorf("wire: unsupported protocol version %d < %d", h.Version, MinSupportedVersion)}
	}
	if h.Type.IsRetired() {
		return h, off, &ErrFatal{fmt.Errorf("wire: retired packet type %d received", h.Type)}
	}

	if h.Flags&FlagRawAddr != 0 {
		if off >= len(buf) {
			return h, off, fmt.Errorf("wire: truncated raw-address subheader")
		}
		n := int(buf[off])
		off++
		if off+n > len(buf) {
			return h, off, fmt.Errorf("wire: truncated raw-address payload")
		}
		h.RawAddr = append([]byte(nil), buf[off:off+n]...)
		off += n
	}
	if h.Flags&FlagConnID != 0 {
		if off+4 > len(buf) {
			return h, off, fmt.Errorf("wire: truncated connid subheader")
		}
		h.ConnID = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	if h.Flags&FlagCQData != 0 {
		if off+8 > len(buf) {
			return h, off, fmt.Errorf("wire: truncated cqdata subheader")
		}
		h.CQData = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	return h, off, nil
}

// ErrFatal marks a wire-format violation that spec §4.5/§7 requires be
// treated as fatal to the whole endpoint, not just the offending packet.
type ErrFatal struct{ Err error }

func (e *ErrFatal) Error() string { return e.Err.Error() }
func (e *ErrFatal) Unwrap() error { return e.Err }
