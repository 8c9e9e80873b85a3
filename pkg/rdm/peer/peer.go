// Package peer implements the per-remote peer table (spec §4.3,
// component C3): capability tracking, the outbound/inbound message-id
// counters, exponential RNR backoff, and the queued-work lists the
// progress engine drains every tick.
package peer

import (
	"fmt"
	"time"

	"github.com/efa-rdm/rdmcore/pkg/rdm/internal/bitset"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// Flags bits (spec §3: handshake_sent, handshake_received,
// handshake_queued, req_sent, in_backoff), plus two supplemented states
// (spec.md §7's peer-removed special case, and the SHM shim's
// per-peer disable once a NIC packet from that peer is observed, spec
// §4.10).
const (
	FlagHandshakeSent uint = iota
	FlagHandshakeReceived
	FlagHandshakeQueued
	FlagReqSent
	FlagInBackoff
	FlagRemoved
	FlagSHMDisabled
)

// BackoffConfig is the RNR backoff schedule (spec §6: `rnr_backoff_*`).
type BackoffConfig struct {
	InitialWait time.Duration
	Cap         time.Duration
}

// Peer is one remote endpoint's state (spec §3).
type Peer struct {
	ID   int
	Addr proto.Addr

	Caps      proto.Capability
	CapsKnown bool

	// NextMsgID is a plain wrapping counter (spec §9 open question,
	// resolved in SPEC_FULL.md: no sentinel special-case). It is drawn
	// by Reserve and only advanced by Advance, which is called exactly
	// once a dispatch has actually succeeded — so a failed dispatch
	// never mutates it, satisfying the "rollback" requirement (spec
	// §4.6, §8 id-monotonicity).
	NextMsgID      uint32
	NextExpectedID uint32

	Flags bitset.Set

	BackoffBegin time.Time
	BackoffWait  time.Duration
	RNRCount     int

	// RNRReportedThisBackoff isn't per-peer state in the original (it's
	// per-OPE, see ope.FlagRNRReported); kept here only as a doc anchor.

	ConnID uint32

	// Unexpected receive lists (spec §4.7): plain and tagged, OPE ids.
	UnexpectedPlain  []int
	UnexpectedTagged []int

	// Queued work lists drained every progress tick (spec §4.8).
	QueuedHandshake bool
	QueuedRNR       []int
	QueuedCTRL      []int
	QueuedRead      []int
	LongCTSInFlight []int

	RuntInFlight uint64

	// PendingByMsgID correlates a reserved outbound message id (RTR/RTA,
	// or a long-read/runting-read RTM) back to the local TX OPE awaiting
	// its READRSP/ATOMRSP/EOR (spec §4.5, §4.7): message ids and OPE-pool
	// ids are distinct numbering domains, so the response handlers must
	// go through this map rather than treating the echoed id as a pool
	// index directly.
	PendingByMsgID map[uint32]int
}

func (p *Peer) HasFlag(bit uint) bool { return p.Flags.Has(bit) }
func (p *Peer) SetFlag(bit uint)      { p.Flags = p.Flags.With(bit) }
func (p *Peer) ClearFlag(bit uint)    { p.Flags = p.Flags.Without(bit) }

// Reserve returns the message id that would be used for the next
// dispatch, without mutating peer state.
func (p *Peer) Reserve() uint32 {
	return p.NextMsgID
}

// Advance commits the message id reserved by Reserve, after a successful
// dispatch. Ordinary unsigned wraparound makes the max-value -> 0
// transition a legal wrap (spec §3, §9).
func (p *Peer) Advance() {
	p.NextMsgID++
}

// RecordRNR applies the exponential backoff schedule (spec §4.6, §8):
// after the k-th consecutive RNR, wait = min(initial << (k-1), cap).
func (p *Peer) RecordRNR(now time.Time, cfg BackoffConfig) {
	p.RNRCount++
	wait := cfg.InitialWait << uint(p.RNRCount-1)
	if wait <= 0 || wait > cfg.Cap {
		// Duration is int64 nanoseconds; a large shift can overflow to a
		// negative or huge value before saturating at Cap.
		wait = cfg.Cap
	}
	p.BackoffBegin = now
	p.BackoffWait = wait
	p.SetFlag(FlagInBackoff)
}

// BackoffExpired reports whether now has reached the end of the current
// backoff window. It does not mutate state; callers (the progress
// engine) call ClearBackoff once they act on expiry.
func (p *Peer) BackoffExpired(now time.Time) bool {
	if !p.HasFlag(FlagInBackoff) {
		return true
	}
	return !now.Before(p.BackoffBegin.Add(p.BackoffWait))
}

// ClearBackoff exits backoff. It does not reset RNRCount: a fresh RNR
// immediately after exiting backoff should continue doubling, matching
// exponential-backoff semantics; ResetRNRCount is called explicitly
// after a packet for this peer completes successfully outside of
// backoff.
func (p *Peer) ClearBackoff() {
	p.ClearFlag(FlagInBackoff)
}

// ResetRNRCount clears the consecutive-RNR counter after a successful,
// non-RNR completion.
func (p *Peer) ResetRNRCount() {
	p.RNRCount = 0
}

type key struct {
	raw    string
	qpn    uint32
	connID uint32
}

// Table is the peer table (spec §4.3), keyed by local address handle
// with a secondary (raw, qpn, connid) index for resolving unknown
// sources (spec §4.3).
type Table struct {
	peers  []*Peer
	byAddr map[proto.Addr]int
	byKey  map[key]int

	// backoffList holds the IDs of peers currently in backoff, checked
	// every progress tick (spec §4.6: "maintained in a dedicated peer
	// list").
	backoffList map[int]struct{}

	nextConnID uint32
}

// New constructs an empty peer table.
func New() *Table {
	return &Table{
		byAddr:      map[proto.Addr]int{},
		byKey:       map[key]int{},
		backoffList: map[int]struct{}{},
	}
}

// Lookup finds a peer by its already-resolved local address handle.
func (t *Table) Lookup(addr proto.Addr) (*Peer, bool) {
	id, ok := t.byAddr[addr]
	if !ok {
		return nil, false
	}
	return t.peers[id], true
}

// LookupByRaw resolves a peer by the (raw address, qpn, connid) tuple
// extracted from a received packet's header or device completion
// metadata (spec §4.3).
func (t *Table) LookupByRaw(raw []byte, qpn uint32, connID uint32) (*Peer, bool) {
	id, ok := t.byKey[key{raw: string(raw), qpn: qpn, connID: connID}]
	if !ok {
		return nil, false
	}
	return t.peers[id], true
}

// Insert adds a new peer keyed by addr and, if raw is non-empty, by the
// (raw, qpn, connid) tuple too, so subsequent packets reuse the cached
// handle (spec §4.3).
func (t *Table) Insert(addr proto.Addr, raw []byte, qpn uint32, connID uint32) (*Peer, error) {
	if _, exists := t.byAddr[addr]; exists {
		return nil, fmt.Errorf("peer: addr %d already present", addr)
	}
	id := len(t.peers)
	p := &Peer{ID: id, Addr: addr, ConnID: t.nextConnID, PendingByMsgID: map[uint32]int{}}
	t.nextConnID++
	t.peers = append(t.peers, p)
	t.byAddr[addr] = id
	if len(raw) > 0 {
		t.byKey[key{raw: string(raw), qpn: qpn, connID: connID}] = id
	}
	return p, nil
}

// Remove marks a peer as removed from the address vector (spec §7: "a
// peer address that has been removed ... is a first-class state"). The
// Peer record itself is kept (in-flight completions for it must still
// be found and silently dropped) but is no longer resolvable by Lookup.
func (t *Table) Remove(addr proto.Addr) error {
	id, ok := t.byAddr[addr]
	if !ok {
		return fmt.Errorf("peer: addr %d not found", addr)
	}
	t.peers[id].SetFlag(FlagRemoved)
	delete(t.byAddr, addr)
	return nil
}

// MarkBackoff / UnmarkBackoff maintain the dedicated backoff list the
// progress engine scans every tick (spec §4.6, §4.8 step 3).
func (t *Table) MarkBackoff(id int)   { t.backoffList[id] = struct{}{} }
func (t *Table) UnmarkBackoff(id int) { delete(t.backoffList, id) }

// ExpireBackoffs clears every peer whose backoff window has elapsed and
// returns their IDs (spec §4.8 step 3).
func (t *Table) ExpireBackoffs(now time.Time) []int {
	var expired []int
	for id := range t.backoffList {
		p := t.peers[id]
		if p.BackoffExpired(now) {
			p.ClearBackoff()
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(t.backoffList, id)
	}
	return expired
}

// All returns every peer currently in the table, including removed ones
// (callers filter on FlagRemoved as needed).
func (t *Table) All() []*Peer {
	return t.peers
}

// Get returns the peer by table index (used when OPEs/queues reference
// peers by id rather than by address, spec §9 design notes).
func (t *Table) Get(id int) (*Peer, bool) {
	if id < 0 || id >= len(t.peers) {
		return nil, false
	}
	return t.peers[id], true
}
