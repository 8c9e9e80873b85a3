package rdm

import (
	"fmt"

	"github.com/efa-rdm/rdmcore/pkg/rdm/ope"
	"github.com/efa-rdm/rdmcore/pkg/rdm/peer"
	"github.com/efa-rdm/rdmcore/pkg/rdm/pool"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
	"github.com/efa-rdm/rdmcore/pkg/rdm/protosel"
	"github.com/efa-rdm/rdmcore/pkg/rdm/wire"
)

// SendParams bundles one send/write/read/atomic request (spec §4.6): the
// caller's local data vector, destination, and optional semantics.
type SendParams struct {
	Addr    proto.Addr
	Data    [][]byte
	Tag     uint64 // meaningful only for SendTagged
	CQData  uint64
	Context any

	RequireDC bool
	MemIface  proto.MemoryInterface

	// RemoteVec is the target memory vector for Write/Read/Atomic*
	// requests; unused for SendMsg/SendTagged (spec §3, §4.6).
	RemoteVec []proto.RemoteSegment
}

func toSegments(data [][]byte) []ope.Segment {
	segs := make([]ope.Segment, len(data))
	for i, b := range data {
		segs[i] = ope.Segment{Buf: b}
	}
	return segs
}

// eagerCapacity reports the max payload the eager protocol can currently
// carry for proto p: MTU minus the worst-case RTM header, independent of
// per-peer credit since this implementation has no fixed TX credit pool
// per protocol beyond the shared device submission queue (spec §4.4 step
// 2, §6 efa_rdm_msg_size).
func (ep *Endpoint) eagerCapacity(p proto.Protocol) uint64 {
	const worstCaseRTMHeader = 64
	if ep.cfg.MTUSize <= worstCaseRTMHeader {
		return 0
	}
	return uint64(ep.cfg.MTUSize - worstCaseRTMHeader)
}

// selectProtocol runs the spec §4.4 decision procedure for one TX OPE,
// folding in current device/MR-cache availability.
func (ep *Endpoint) selectProtocol(kind proto.OpKind, totalLen uint64, requireDC bool, memIface proto.MemoryInterface, p *peer.Peer) (proto.Protocol, protosel.Outcome) {
	deviceReadAvail := ep.device != nil
	mrCacheAvail := ep.mrc != nil && ep.mrc.Available()
	cfg := ep.cfg.Selector.toProtosel(deviceReadAvail, mrCacheAvail, ep.eagerCapacity)
	return protosel.Select(kind, totalLen, requireDC, memIface, p.Caps, p.CapsKnown, p.RuntInFlight, cfg)
}

// sendHandshake posts a baseline HANDSHAKE packet to elicit the peer's
// capability vector (spec §4.4: "a baseline handshake packet must be
// posted ... the caller must return try-again without consuming a
// message id").
func (ep *Endpoint) sendHandshake(p *peer.Peer) error {
	if p.HasFlag(peer.FlagHandshakeQueued) || p.HasFlag(peer.FlagHandshakeSent) {
		return nil
	}
	pkt, err := ep.pool.Alloc(pool.ClassDeviceTX)
	if err != nil {
		p.QueuedHandshake = true
		p.SetFlag(peer.FlagHandshakeQueued)
		return nil
	}
	n, err := wire.InitHandshake(pkt.Buf, ep.localCaps(), 0)
	if err != nil {
		ep.pool.Release(pkt)
		return err
	}
	pkt.Len = n
	if err := ep.device.PostSend(pkt, p.Addr, false); err != nil {
		ep.pool.Release(pkt)
		p.QueuedHandshake = true
		p.SetFlag(peer.FlagHandshakeQueued)
		return nil
	}
	p.SetFlag(peer.FlagHandshakeSent)
	return nil
}

// localCaps reports the capability vector this endpoint advertises in
// its own HANDSHAKE packets (spec §4.4, §6).
func (ep *Endpoint) localCaps() proto.Capability {
	caps := proto.CapDeliveryComplete | proto.CapRawAddrHdr
	if ep.device != nil {
		caps |= proto.CapRdmaRead | proto.CapRuntingRead
	}
	return caps
}

// dispatch is the common tail of every send/write/read/atomic entry
// point: resolve the peer, check backoff, select a protocol (requesting
// a handshake first if needed), reserve a message id, build the OPE, and
// post the first wire packet (spec §4.6).
func (ep *Endpoint) dispatch(kind proto.OpKind, params SendParams) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	p, err := ep.resolvePeer(params.Addr)
	if err != nil {
		return -1, proto.NewError(proto.KindInvalid, "dispatch", err)
	}
	if p.HasFlag(peer.FlagRemoved) {
		return -1, proto.NewError(proto.KindInvalid, "dispatch", fmt.Errorf("peer removed"))
	}
	if p.HasFlag(peer.FlagInBackoff) && !p.BackoffExpired(ep.now()) {
		return -1, proto.NewError(proto.KindTryAgain, "dispatch", fmt.Errorf("peer in RNR backoff"))
	}

	entry, err := ep.opes.NewTX(kind, p.ID, params.Addr, toSegments(params.Data), params.Context, params.CQData, params.RequireDC)
	if err != nil {
		return -1, proto.NewError(proto.KindInvalid, "dispatch", err)
	}
	entry.RemoteVec = params.RemoteVec

	if handled, serr := ep.tryShortcutSHM(entry, params.Addr, params.Data); handled {
		if serr != nil {
			ep.opes.Release(entry.ID)
			return -1, proto.NewError(proto.KindTransport, "dispatch", serr)
		}
		return entry.ID, nil
	}

	totalLen := entry.TotalLen
	proto_, outcome := ep.selectProtocol(kind, totalLen, params.RequireDC, params.MemIface, p)
	switch outcome {
	case protosel.OutcomeNeedHandshake:
		if err := ep.sendHandshake(p); err != nil {
			ep.opes.Release(entry.ID)
			return -1, proto.NewError(proto.KindTransport, "dispatch", err)
		}
		ep.opes.Release(entry.ID)
		return -1, proto.NewError(proto.KindTryAgain, "dispatch", fmt.Errorf("awaiting handshake"))
	case protosel.OutcomeNotSupported:
		ep.opes.Release(entry.ID)
		return -1, proto.NewError(proto.KindNotSupported, "dispatch", fmt.Errorf("peer does not support requested capability"))
	}

	msgID := p.Reserve()
	if err := ep.postFirstPacket(entry, p, proto_, msgID, params); err != nil {
		ep.opes.Release(entry.ID)
		return -1, proto.NewError(proto.KindOutOfResources, "dispatch", err)
	}
	p.Advance()
	return entry.ID, nil
}

// postFirstPacket builds and posts the first wire packet for entry
// (spec §4.5/§4.6): RTM for sends, RTW/RTR/RTA for one-sided ops.
func (ep *Endpoint) postFirstPacket(entry *ope.Entry, p *peer.Peer, proto_ proto.Protocol, msgID uint32, params SendParams) error {
	pkt, err := ep.pool.Alloc(pool.ClassDeviceTX)
	if err != nil {
		return err
	}
	pkt.OPEID = entry.ID

	dc := entry.HasFlag(ope.FlagDeliveryComplete)
	tagged := entry.Kind == proto.OpSendTagged

	var payload []byte
	if entry.DataCount > 0 {
		payload = entry.Data[0].Buf
	}

	// inlineFragment applies the common "carries at most a leading
	// fragment inline" truncation (spec §4.6) shared by SendMsg/SendTagged
	// and Write: medium caps at the eager capacity, long-CTS/long-read
	// carry no inline body at all since the whole payload is drained by
	// the progress engine instead.
	inlineFragment := func(body []byte) []byte {
		if proto_ == proto.ProtoEager {
			return body
		}
		frag := body
		if proto_ == proto.ProtoMedium && uint64(len(frag)) > ep.eagerCapacity(proto.ProtoMedium) {
			frag = frag[:ep.eagerCapacity(proto.ProtoMedium)]
		}
		if proto_ == proto.ProtoLongCTS || proto_ == proto.ProtoLongRead {
			frag = nil
		}
		return frag
	}

	var n int
	var sentLen int
	switch entry.Kind {
	case proto.OpSendMsg, proto.OpSendTagged:
		body := inlineFragment(payload)
		m := wire.RTM{Protocol: proto_, MsgID: msgID, Tag: params.Tag, TotalLen: entry.TotalLen, Payload: body}
		n, err = wire.InitRTM(pkt.Buf, m, tagged, dc)
		sentLen = len(body)
	case proto.OpWrite:
		body := inlineFragment(payload)
		w := wire.RTW{MsgID: msgID, TotalLen: entry.TotalLen, RemoteVec: entry.RemoteVec, Payload: body}
		n, err = wire.InitRTW(pkt.Buf, w, proto_, dc)
		sentLen = len(body)
	case proto.OpRead:
		r := wire.RTR{MsgID: msgID, TotalLen: entry.TotalLen, RemoteVec: entry.RemoteVec}
		n, err = wire.InitRTR(pkt.Buf, r, proto_ == proto.ProtoLongCTS)
	case proto.OpAtomicWrite, proto.OpAtomicFetch, proto.OpAtomicCompare:
		a := wire.RTA{MsgID: msgID, Op: atomicOpFor(entry.Kind), RemoteVec: entry.RemoteVec, Operand: payload}
		n, err = wire.InitRTA(pkt.Buf, a, dc)
		sentLen = len(payload)
	default:
		err = fmt.Errorf("rdm: unsupported op kind %s for dispatch", entry.Kind)
	}
	if err != nil {
		ep.pool.Release(pkt)
		return err
	}
	pkt.Len = n

	if err := ep.device.PostSend(pkt, p.Addr, false); err != nil {
		ep.pool.Release(pkt)
		return err
	}

	entry.QueuedPackets = append(entry.QueuedPackets, pkt.ID)
	entry.BytesSent += uint64(sentLen)

	switch proto_ {
	case proto.ProtoLongCTS:
		if err := entry.SetQueued(ope.FlagQueuedCTRL); err != nil {
			return err
		}
		p.QueuedCTRL = append(p.QueuedCTRL, entry.ID)
	case proto.ProtoLongRead, proto.ProtoRuntingRead:
		if err := entry.SetQueued(ope.FlagQueuedRead); err != nil {
			return err
		}
		p.QueuedRead = append(p.QueuedRead, entry.ID)
	}

	// Register the message id this OPE awaits a READRSP/ATOMRSP/EOR
	// under (spec §4.5, §4.7): a short read and a fetch/compare atomic
	// always expect a response keyed by msgID; long-read/runting-read
	// sends expect an EOR once the puller's device reads land.
	// AtomicWrite gets no response (handleRTA skips it) and instead
	// completes on its own send completion, like eager/medium sends.
	switch entry.Kind {
	case proto.OpRead, proto.OpAtomicFetch, proto.OpAtomicCompare:
		p.PendingByMsgID[msgID] = entry.ID
	case proto.OpSendMsg, proto.OpSendTagged:
		if proto_ == proto.ProtoLongRead || proto_ == proto.ProtoRuntingRead {
			p.PendingByMsgID[msgID] = entry.ID
		}
	}
	return nil
}

func atomicOpFor(kind proto.OpKind) proto.AtomicOp {
	switch kind {
	case proto.OpAtomicFetch:
		return proto.AtomicFetch
	case proto.OpAtomicCompare:
		return proto.AtomicCompare
	default:
		return proto.AtomicWrite
	}
}

// SendMsg posts an untagged two-sided send (spec §4.6).
func (ep *Endpoint) SendMsg(p SendParams) (int, error) {
	return ep.dispatch(proto.OpSendMsg, p)
}

// SendTagged posts a tagged two-sided send (spec §4.6).
func (ep *Endpoint) SendTagged(p SendParams) (int, error) {
	return ep.dispatch(proto.OpSendTagged, p)
}

// Write posts a one-sided RMA write (spec §4.6). params.RemoteVec must
// describe the destination.
func (ep *Endpoint) Write(p SendParams) (int, error) {
	return ep.dispatch(proto.OpWrite, p)
}

// Read posts a one-sided RMA read (spec §4.6, §4.7: the originator side;
// the remote responder's RTR handling lives in recv.go). params.RemoteVec
// must describe the source.
func (ep *Endpoint) Read(p SendParams) (int, error) {
	return ep.dispatch(proto.OpRead, p)
}

// AtomicWrite, AtomicFetch, and AtomicCompare post an RTA (spec §4.7).
// params.RemoteVec must describe the target.
func (ep *Endpoint) AtomicWrite(p SendParams) (int, error) {
	return ep.dispatch(proto.OpAtomicWrite, p)
}

func (ep *Endpoint) AtomicFetch(p SendParams) (int, error) {
	return ep.dispatch(proto.OpAtomicFetch, p)
}

func (ep *Endpoint) AtomicCompare(p SendParams) (int, error) {
	return ep.dispatch(proto.OpAtomicCompare, p)
}
