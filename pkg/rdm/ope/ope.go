// Package ope implements the operation entry pool (spec §4.2, component
// C2): zeroed TX/RX operation state records, allocated on demand and
// released back to a slab arena with indices in place of pointers (spec
// §9 design notes), so an Entry can reference its peer and an OPE can be
// referenced from peer queues without an intrusive-pointer cycle.
package ope

import (
	"fmt"

	"github.com/efa-rdm/rdmcore/pkg/rdm/internal/bitset"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// Direction distinguishes TX and RX operation entries (spec §3).
type Direction uint8

const (
	DirTX Direction = iota
	DirRX
)

// State is the OPE lifecycle state (spec §3/§4). StateFree is terminal:
// once released, an Entry ID must never be reused without going through
// Pool.Release -> Pool.NewTX/NewRX, which clears it.
type State uint8

const (
	StateNew State = iota
	StateActive
	StateUnexpected   // RX only: stashed, unmatched
	StateQueuedRNR    // queued on the peer's RNR-retry list
	StateQueuedCTRL   // queued on the peer's control-pending list
	StateQueuedRead   // queued on the peer's read-pending list
	StateEORInFlight  // long-read RX: waiting for EOR send completion
	StateFree         // terminal
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateUnexpected:
		return "unexpected"
	case StateQueuedRNR:
		return "queued-rnr"
	case StateQueuedCTRL:
		return "queued-ctrl"
	case StateQueuedRead:
		return "queued-read"
	case StateEORInFlight:
		return "eor-in-flight"
	case StateFree:
		return "free"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Flags bits, stored as a bitset.Set so "at most one queued-* membership
// per queue class" (spec §3 invariant) is a bit-twiddle away from being
// enforced by Pool.SetQueued.
const (
	FlagMultiRecvPosted  uint = iota // a posted MULTI_RECV master OPE
	FlagMultiRecvConsumer            // a consumer OPE sliced from a master
	FlagDeliveryComplete              // caller requested DELIVERY_COMPLETE
	FlagQueuedRNR
	FlagQueuedCTRL
	FlagQueuedRead
	FlagEORInFlight
	FlagCancelled
	FlagRNRReported   // at-most-one RNR CQ entry already written (spec §4.9, §8)
	FlagNoCompletion  // a truncation error was already reported; suppress a second
)

var queueFlags = []uint{FlagQueuedRNR, FlagQueuedCTRL, FlagQueuedRead}

const maxSegments = 4

// Segment is one entry of an OPE's local data vector (iovec-like).
type Segment struct {
	Buf  []byte
	Desc any // opaque local-memory-registration descriptor, if any
}

// Entry is the Operation Entry record (spec §3). Both TX and RX
// variants share this struct; Direction and Kind determine which fields
// are meaningful.
type Entry struct {
	ID        int
	Dir       Direction
	Kind      proto.OpKind
	State     State
	Flags     bitset.Set

	PeerID int // index into peer.Table, not a pointer (spec §9)
	Addr   proto.Addr

	Data      [maxSegments]Segment
	DataCount int

	RemoteVec []proto.RemoteSegment // RMA target vector

	Tag    uint64
	Ignore uint64

	TotalLen     uint64
	BytesSent    uint64
	BytesAcked   uint64
	BytesReceived uint64
	BytesCopied  uint64
	Window       uint64

	ReadsInFlight  int
	WritesInFlight int
	RuntInFlight   uint64

	QueuedPackets []int // packet ids linked to this OPE, FIFO order

	MultiRecvMasterID int // for a consumer OPE: the master's ID, else -1

	// PeerRecvID is the receive-id the peer advertised in a CTS for this
	// OPE (long-CTS TX side only): the receiver's own bookkeeping id,
	// which every subsequent DATA segment must echo back so the receiver
	// can find its entry again (spec §4.5/§4.6). Zero until a CTS arrives.
	PeerRecvID uint64

	// PeerMsgID is the peer's message id this OPE correlates to: set on a
	// long-read/runting-read RX OPE from the RTM's MsgID, so the EOR
	// posted once the device read completes names the originator's TX
	// OPE rather than this side's own RX-OPE id (spec §4.5, §4.7).
	PeerMsgID uint32

	Context any
	CQData  uint64
	MemIface proto.MemoryInterface
}

// HasFlag/SetFlag/ClearFlag are small readability wrappers over the
// bitset-backed Flags field.
func (e *Entry) HasFlag(bit uint) bool  { return e.Flags.Has(bit) }
func (e *Entry) SetFlag(bit uint)       { e.Flags = e.Flags.With(bit) }
func (e *Entry) ClearFlag(bit uint)     { e.Flags = e.Flags.Without(bit) }

// SetQueued marks the OPE as belonging to exactly one of the queue
// classes (RNR/CTRL/READ), enforcing the "at most one queued-* list per
// queue class" invariant (spec §3) by clearing the others first.
func (e *Entry) SetQueued(bit uint) error {
	found := false
	for _, f := range queueFlags {
		if f == bit {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("ope: %d is not a queue-membership flag", bit)
	}
	for _, f := range queueFlags {
		e.ClearFlag(f)
	}
	e.SetFlag(bit)
	return nil
}

// ClearQueued clears every queue-membership flag.
func (e *Entry) ClearQueued() {
	for _, f := range queueFlags {
		e.ClearFlag(f)
	}
}

// Validate checks the invariants spec §3 lists for an Entry. Intended
// for use in tests and debug builds, not the hot path.
func (e *Entry) Validate() error {
	if e.BytesAcked > e.BytesSent {
		return fmt.Errorf("ope %d: bytes_acked %d > bytes_sent %d", e.ID, e.BytesAcked, e.BytesSent)
	}
	if e.BytesSent > e.TotalLen {
		return fmt.Errorf("ope %d: bytes_sent %d > total_len %d", e.ID, e.BytesSent, e.TotalLen)
	}
	if e.BytesCopied > e.BytesReceived {
		return fmt.Errorf("ope %d: bytes_copied %d > bytes_received %d", e.ID, e.BytesCopied, e.BytesReceived)
	}
	if e.BytesReceived > e.TotalLen {
		return fmt.Errorf("ope %d: bytes_received %d > total_len %d", e.ID, e.BytesReceived, e.TotalLen)
	}
	set := 0
	for _, f := range queueFlags {
		if e.HasFlag(f) {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("ope %d: belongs to %d queue classes at once", e.ID, set)
	}
	return nil
}

// CQFlags returns the completion-entry flags for this OPE's operation
// kind (spec §4.2 Table T1).
func (e *Entry) CQFlags() proto.CQFlags {
	return e.Kind.CQFlags()
}

// Capacity returns the total local buffer space posted for this entry,
// across every segment of its data vector. For RX entries with no
// posted buffer (e.g. one-sided write targets described by RemoteVec),
// this is 0 and callers must not treat that as truncation.
func (e *Entry) Capacity() uint64 {
	var total uint64
	for i := 0; i < e.DataCount; i++ {
		total += uint64(len(e.Data[i].Buf))
	}
	return total
}

type slot struct {
	entry Entry
	used  bool
}

// Pool is the OPE arena (spec §4.2).
type Pool struct {
	slots []slot
	free  []int

	// MsgPrefixSize is the endpoint's advertised "message prefix" (spec
	// §4.2): when > 0, TX construction advances the first segment's base
	// by this many bytes and recomputes total_len.
	MsgPrefixSize int
}

// New constructs an empty OPE pool.
func New(msgPrefixSize int) *Pool {
	return &Pool{MsgPrefixSize: msgPrefixSize}
}

func (p *Pool) allocSlot() int {
	if len(p.free) > 0 {
		id := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		return id
	}
	id := len(p.slots)
	p.slots = append(p.slots, slot{})
	return id
}

// NewTX allocates a zeroed TX entry, captures the caller's data vector,
// and applies the message-prefix adjustment (spec §4.2).
func (p *Pool) NewTX(kind proto.OpKind, peerID int, addr proto.Addr, segs []Segment, ctx any, cqData uint64, dc bool) (*Entry, error) {
	if len(segs) > maxSegments {
		return nil, fmt.Errorf("ope: too many segments (%d > %d)", len(segs), maxSegments)
	}
	id := p.allocSlot()
	s := &p.slots[id]
	s.used = true
	s.entry = Entry{
		ID:        id,
		Dir:       DirTX,
		Kind:      kind,
		State:     StateNew,
		PeerID:    peerID,
		Addr:      addr,
		DataCount: len(segs),
		Context:   ctx,
		CQData:    cqData,
		MultiRecvMasterID: -1,
	}
	copy(s.entry.Data[:], segs)
	if dc {
		s.entry.SetFlag(FlagDeliveryComplete)
	}

	var total uint64
	for _, sg := range segs {
		total += uint64(len(sg.Buf))
	}
	s.entry.TotalLen = total

	if p.MsgPrefixSize > 0 && s.entry.DataCount > 0 {
		first := &s.entry.Data[0]
		if len(first.Buf) < p.MsgPrefixSize {
			return nil, fmt.Errorf("ope: message prefix %d exceeds first segment length %d", p.MsgPrefixSize, len(first.Buf))
		}
		first.Buf = first.Buf[p.MsgPrefixSize:]
		s.entry.TotalLen -= uint64(p.MsgPrefixSize)
	}

	s.entry.State = StateActive
	return &s.entry, nil
}

// NewRX allocates a zeroed RX entry.
func (p *Pool) NewRX(peerID int, tagged bool) *Entry {
	id := p.allocSlot()
	s := &p.slots[id]
	s.used = true
	kind := proto.OpSendMsg
	if tagged {
		kind = proto.OpSendTagged
	}
	s.entry = Entry{
		ID:      id,
		Dir:     DirRX,
		Kind:    kind,
		State:   StateNew,
		PeerID:  peerID,
		MultiRecvMasterID: -1,
	}
	return &s.entry
}

// Get returns the entry for id, if it is currently allocated.
func (p *Pool) Get(id int) (*Entry, bool) {
	if id < 0 || id >= len(p.slots) || !p.slots[id].used {
		return nil, false
	}
	return &p.slots[id].entry, true
}

// All returns every currently allocated entry. Used by the receive path
// to scan for a posted receive matching an incoming RTM (spec §4.7);
// O(n) in the number of live OPEs, acceptable given the small working
// set the endpoint mutex already bounds concurrency to.
func (p *Pool) All() []*Entry {
	var out []*Entry
	for i := range p.slots {
		if p.slots[i].used {
			out = append(out, &p.slots[i].entry)
		}
	}
	return out
}

// Release drops MR references (the caller is expected to have already
// released any descriptors), dequeues the entry from every queue class,
// and returns it to the pool. Releasing an already-free id is a no-op
// error, preventing double-free (spec §3: "EFA_RDM_OPE_FREE is
// terminal").
func (p *Pool) Release(id int) error {
	if id < 0 || id >= len(p.slots) {
		return fmt.Errorf("ope: release: invalid id %d", id)
	}
	s := &p.slots[id]
	if !s.used {
		return fmt.Errorf("ope: release: double free of id %d", id)
	}
	s.entry.ClearQueued()
	s.entry.State = StateFree
	s.used = false
	p.free = append(p.free, id)
	return nil
}
