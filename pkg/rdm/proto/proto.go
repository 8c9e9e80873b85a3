// Package proto holds the protocol-level vocabulary shared by every other
// pkg/rdm subpackage: operation kinds, wire packet types, the wire
// protocol family (eager/medium/long-CTS/long-read/runting-read), peer
// capability bits, the local-address-handle type, and the completion /
// error taxonomy (spec §4.9/§7). It is deliberately a leaf package: it
// imports nothing else in this module, so every other package (pool,
// ope, peer, wire, protosel, nic, shm, srx) can depend on it without
// creating an import cycle back to the endpoint root package that wires
// them all together.
package proto

import "fmt"

// Addr is a local address handle — the opaque per-peer identifier the
// external address-vector collaborator (§6) hands back after resolving a
// raw address. It is never dereferenced by the core; it is only used as
// a map/table key.
type Addr uint64

// Invalid is the zero Addr, never a valid resolved peer.
const Invalid Addr = 0

// OpKind enumerates the operation kinds an Operation Entry (OPE) can
// represent (spec §3).
type OpKind uint8

const (
	OpSendMsg OpKind = iota
	OpSendTagged
	OpWrite
	OpRead
	OpAtomicWrite
	OpAtomicFetch
	OpAtomicCompare
)

func (k OpKind) String() string {
	switch k {
	case OpSendMsg:
		return "send-msg"
	case OpSendTagged:
		return "send-tagged"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpAtomicWrite:
		return "atomic-write"
	case OpAtomicFetch:
		return "atomic-fetch"
	case OpAtomicCompare:
		return "atomic-compare"
	default:
		return fmt.Sprintf("opkind(%d)", uint8(k))
	}
}

// CQFlags mirrors the fi_cq_tagged_entry flags bitmask the original
// implementation derives per operation kind (spec §4.2, Table T1).
type CQFlags uint64

const (
	FlagTransmit CQFlags = 1 << iota
	FlagRecv
	FlagMsg
	FlagTagged
	FlagRMA
	FlagWrite
	FlagRead
	FlagAtomic
)

// CQFlags implements Table T1: op kind -> cq_entry.flags.
func (k OpKind) CQFlags() CQFlags {
	switch k {
	case OpSendMsg:
		return FlagTransmit | FlagMsg
	case OpSendTagged:
		return FlagTransmit | FlagMsg | FlagTagged
	case OpWrite:
		return FlagRMA | FlagWrite
	case OpRead:
		return FlagRMA | FlagRead
	case OpAtomicWrite:
		return FlagWrite | FlagAtomic
	case OpAtomicFetch, OpAtomicCompare:
		return FlagRead | FlagAtomic
	default:
		return 0
	}
}

// IsRMA reports whether the op kind is a one-sided (RMA/atomic) operation,
// as opposed to a two-sided send.
func (k OpKind) IsRMA() bool {
	return k != OpSendMsg && k != OpSendTagged
}

// Protocol identifies which wire protocol family was selected for a send
// (spec §4.4).
type Protocol uint8

const (
	ProtoEager Protocol = iota
	ProtoMedium
	ProtoLongCTS
	ProtoLongRead
	ProtoRuntingRead
)

func (p Protocol) String() string {
	switch p {
	case ProtoEager:
		return "eager"
	case ProtoMedium:
		return "medium"
	case ProtoLongCTS:
		return "longcts"
	case ProtoLongRead:
		return "longread"
	case ProtoRuntingRead:
		return "runtread"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// MemoryInterface distinguishes ordinary host ("system") memory from
// device memory (e.g. GPU), which the selector and fragmentation logic
// treat differently (spec §4.4, §4.6; original_source/src/hmem.c).
type MemoryInterface uint8

const (
	MemSystem MemoryInterface = iota
	MemDevice
)

// AtomicOp enumerates the atomic operators the RTA handler (§4.7) asks
// the external arithmetic library (nic.AtomicOps) to apply.
type AtomicOp uint8

const (
	AtomicWrite AtomicOp = iota
	AtomicFetch
	AtomicCompare
)

// RemoteSegment describes one segment of a remote memory vector used by
// RMA read/write/atomic and by the long-read/runting-read protocols'
// sender-advertised vector (spec §3, §4.5).
type RemoteSegment struct {
	Addr uint64
	Len  uint64
	Key  uint64
}

// Capability is the peer capability bitmap learned via HANDSHAKE (spec
// §3, §6). A peer is "capability-known" only after a HANDSHAKE has been
// received from it (tracked on peer.Peer, not here).
type Capability uint32

const (
	CapDeliveryComplete Capability = 1 << iota
	CapRdmaRead
	CapRuntingRead
	CapConnID
	CapRawAddrHdr
)

// Baseline is the capability set every peer supports without a
// handshake — eager, non-tagged/tagged, non-DC sends.
const Baseline Capability = 0

// Has reports whether all bits in want are set in c.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// PacketType enumerates every wire packet type named in spec §6.
// Retired types are kept in the enum so the parser can recognize and
// reject them (spec §4.5, §7: "receiving a retired packet type is fatal
// to the endpoint").
type PacketType uint16

const (
	PacketHandshake PacketType = iota + 1
	PacketCTS
	PacketEOR
	PacketReceipt
	PacketReadRsp
	PacketAtomRsp
	PacketData

	PacketEagerMsg
	PacketEagerTag
	PacketEagerMsgDC
	PacketEagerTagDC

	PacketMediumMsg
	PacketMediumTag
	PacketMediumMsgDC
	PacketMediumTagDC

	PacketLongCTSMsg
	PacketLongCTSTag
	PacketLongCTSMsgDC
	PacketLongCTSTagDC

	PacketLongReadMsg
	PacketLongReadTag
	PacketLongReadMsgDC
	PacketLongReadTagDC

	PacketRuntReadMsg
	PacketRuntReadTag
	PacketRuntReadMsgDC
	PacketRuntReadTagDC

	PacketEagerRTW
	PacketLongCTSRTW
	PacketLongReadRTW
	PacketEagerDCRTW
	PacketLongCTSDCRTW

	PacketShortRTR
	PacketLongCTSRTR

	PacketWriteRTA
	PacketDCWriteRTA
	PacketFetchRTA
	PacketCompareRTA

	// Retired packet types. Never built; the parser rejects them.
	PacketRetiredRTS
	PacketRetiredCONNACK
)

var retired = map[PacketType]bool{
	PacketRetiredRTS:     true,
	PacketRetiredCONNACK: true,
}

// IsRetired reports whether t is a retired packet type that must be
// rejected as a fatal endpoint error if ever received (spec §4.5, §6).
func (t PacketType) IsRetired() bool {
	return retired[t]
}

// ProtocolVersion is the implementer's wire protocol version. A received
// base header whose version is below this is a fatal endpoint error
// (spec §4.5, §7).
const ProtocolVersion uint8 = 1

// Kind is the completion/error taxonomy of spec §4.9/§7.
type Kind uint8

const (
	KindNone Kind = iota
	KindOutOfResources
	KindTryAgain
	KindNotSupported
	KindInvalid
	KindRemote
	KindTruncated
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindOutOfResources:
		return "out-of-resources"
	case KindTryAgain:
		return "try-again"
	case KindNotSupported:
		return "not-supported"
	case KindInvalid:
		return "invalid"
	case KindRemote:
		return "remote"
	case KindTruncated:
		return "truncated"
	case KindTransport:
		return "transport"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is the error type returned by every core API entry and recorded
// in CQ error entries. It always carries a Kind so callers (and tests)
// can classify failures without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs a classified *Error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}
