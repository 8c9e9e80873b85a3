// Package nic models every external collaborator spec.md §1 places out
// of scope: device enumeration, queue-pair/CQ access, the
// memory-registration cache, the address-vector (host discovery /
// addressing) mechanics, and the atomic-operator math library. The core
// consumes all of them only through the small interfaces defined here
// (spec §6); none of them has a hardware implementation in this module
// (internal/loopback is an in-memory software stand-in for Device and
// AddressVector), the same way the controlplane packages in the teacher repo talk to the real
// dataplane only through a narrow FFI surface instead of reimplementing
// it in Go.
package nic

import (
	"github.com/efa-rdm/rdmcore/pkg/rdm/pool"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// CQEKind classifies one polled completion (spec §4.8 step 1).
type CQEKind uint8

const (
	CQESendOK CQEKind = iota
	CQERecvOK
	CQEReadCompletion
	CQEWriteCompletion
	CQERecvWithImm // synthetic remote-write completion
	CQEError
)

// CQE is one entry drained from the device's extended completion queue.
type CQE struct {
	Kind     CQEKind
	PacketID int // pool.Packet.ID this completion corresponds to, or -1
	OPEID    int // ope.Entry.ID this completion corresponds to, or -1
	Addr     proto.Addr
	Bytes    uint64
	ImmData  uint64

	// Error fields, valid when Kind == CQEError.
	RNR     bool
	ErrCode int
	ErrText string
}

// Device is the external NIC collaborator: posting send/read/write/
// atomic submissions and polling the extended completion queue (spec
// §4.8, §5: "all posted operations to the NIC are non-blocking").
type Device interface {
	// PostSend posts pkt to addr. If more is true, the submission is
	// part of a batch (spec §4.6: "the entire batch is posted through a
	// single submission; last request has MORE=false").
	PostSend(pkt *pool.Packet, addr proto.Addr, more bool) error
	PostRead(addr proto.Addr, local []byte, remote proto.RemoteSegment) error
	PostWrite(addr proto.Addr, local []byte, remote proto.RemoteSegment) error
	PostAtomic(addr proto.Addr, op proto.AtomicOp, remote proto.RemoteSegment, operand []byte) error

	// PollCQ drains at most max completions (spec §4.8 step 1, "emits at
	// most efa_cq_read_size CQEs per call").
	PollCQ(max int) ([]CQE, error)

	// OutstandingTXBudget reports how many more submissions the device
	// can currently accept, used to throttle long-CTS DATA and one-sided
	// read draining (spec §4.8 steps 7-8).
	OutstandingTXBudget() int
}

// AddressVector is the host discovery/addressing collaborator (spec §1,
// §4.3): resolving a raw wire address (plus QP number and optional
// connection id) to a local address handle, and the reverse lookup used
// by the SHM shim and error reporting.
type AddressVector interface {
	Resolve(raw []byte, qpn uint32, connID uint32) (proto.Addr, error)
	Lookup(addr proto.Addr) (raw []byte, ok bool)
	Remove(addr proto.Addr) error
}

// MRCache is the memory-registration cache collaborator (spec §1, §4.4):
// the selector only needs to know whether a buffer is already
// registered or a cache is available to register one on demand.
type MRCache interface {
	Lookup(buf []byte) (registered bool, key uint64)
	Available() bool
}

// AtomicOps is the arithmetic library collaborator (spec §1, §4.7): the
// RTA handler applies an operator to local memory and, for fetch/
// compare, needs the pre-operation value or an equality boolean back.
type AtomicOps interface {
	Apply(op proto.AtomicOp, dst []byte, operand []byte) (prev []byte, err error)
	Compare(dst, compare, operand []byte) (prev []byte, equal bool, err error)
}

// BufferAllocator adapts a Device's registered-memory allocation to the
// pool.Allocator interface, so pkg/rdm/pool stays independent of nic.
type BufferAllocator interface {
	pool.Allocator
}
