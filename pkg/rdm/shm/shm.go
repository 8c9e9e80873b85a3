// Package shm implements the shared-memory shim (spec §4.10, component
// C10): detecting co-located peers and forwarding send/read/write/atomic
// requests through an external SHM collaborator instead of the NIC. The
// real SHM fast path is out of scope (spec §1); this package only models
// the collaborator interface and a pure remote-address rewrite helper
// (RebaseRemote). The detection and forwarding live in pkg/rdm's
// tryShortcutSHM, which passes remote segments through unchanged.
package shm

import "github.com/efa-rdm/rdmcore/pkg/rdm/proto"

// Collaborator is the external shared-memory transport (spec §1, §4.10).
type Collaborator interface {
	IsLocal(addr proto.Addr) bool
	SendMsg(addr proto.Addr, data [][]byte, cqData uint64) error
	SendTagged(addr proto.Addr, data [][]byte, tag uint64, cqData uint64) error
	Write(addr proto.Addr, data [][]byte, remote proto.RemoteSegment) error
	Read(addr proto.Addr, local [][]byte, remote proto.RemoteSegment) error
	Atomic(addr proto.Addr, op proto.AtomicOp, remote proto.RemoteSegment, operand []byte) (prev []byte, err error)

	// TranslateDescriptor maps a local-memory-registration descriptor
	// obtained from the NIC collaborator to the equivalent descriptor
	// the SHM collaborator expects, via a parallel lookup (spec §4.10).
	TranslateDescriptor(nicDesc any) (shmDesc any, err error)
}

// RebaseRemote rewrites a remote segment to base-0 addressing when the
// remote endpoint's SHM collaborator uses offset-style keys rather than
// absolute addresses (spec §4.10: "optionally rewriting remote addresses
// to base-0 when the remote endpoint uses offset-style keys").
func RebaseRemote(seg proto.RemoteSegment, useOffsetKeys bool) proto.RemoteSegment {
	if !useOffsetKeys {
		return seg
	}
	return proto.RemoteSegment{Addr: 0, Len: seg.Len, Key: seg.Key}
}
