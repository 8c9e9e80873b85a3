package rdm

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"github.com/efa-rdm/rdmcore/pkg/rdm/ope"
	"github.com/efa-rdm/rdmcore/pkg/rdm/peer"
	"github.com/efa-rdm/rdmcore/pkg/rdm/pool"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
	"github.com/efa-rdm/rdmcore/pkg/rdm/wire"
)

// RecvParams describes a posted receive buffer (spec §4.7): untagged or
// tagged, with an optional ignore mask for tag matching.
type RecvParams struct {
	Data    [][]byte
	Tag     uint64
	Ignore  uint64
	Tagged  bool
	Context any
	CQData  uint64

	// MultiRecv marks this as a MULTI_RECV master buffer (spec §3, §4.7):
	// successive matches slice consumer OPEs from it until it no longer
	// has room for the peer's advertised minimum fragment.
	MultiRecv bool
}

// PostRecv matches a posted receive against the peer's unexpected lists
// first (spec §4.7 "posted-receive / unexpected-message matching"), and
// otherwise queues it to be matched by a future RTM.
func (ep *Endpoint) PostRecv(addr proto.Addr, p RecvParams) (int, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	pr, err := ep.resolvePeer(addr)
	if err != nil {
		return -1, proto.NewError(proto.KindInvalid, "PostRecv", err)
	}

	entry := ep.opes.NewRX(pr.ID, p.Tagged)
	entry.Tag = p.Tag
	entry.Ignore = p.Ignore
	entry.Context = p.Context
	entry.CQData = p.CQData
	copy(entry.Data[:], toSegments(p.Data))
	entry.DataCount = len(p.Data)
	if p.MultiRecv {
		entry.SetFlag(ope.FlagMultiRecvPosted)
	}

	list := &pr.UnexpectedPlain
	if p.Tagged {
		list = &pr.UnexpectedTagged
	}
	for i, candID := range *list {
		cand, ok := ep.opes.Get(candID)
		if !ok {
			continue
		}
		if p.Tagged && !tagMatches(cand.Tag, entry.Tag, entry.Ignore) {
			continue
		}
		*list = append((*list)[:i], (*list)[i+1:]...)
		ep.matchRX(entry, cand)
		return entry.ID, nil
	}

	return entry.ID, nil
}

func tagMatches(msgTag, wantTag, ignore uint64) bool {
	return msgTag&^ignore == wantTag&^ignore
}

// matchRX transfers the wire-derived fields of an unexpected OPE (cand)
// into the application-posted one (entry) and drives it to completion or
// continued reception (spec §4.7).
func (ep *Endpoint) matchRX(entry, cand *ope.Entry) {
	entry.Tag = cand.Tag
	entry.TotalLen = cand.TotalLen
	entry.BytesReceived = cand.BytesReceived
	entry.BytesCopied = cand.BytesCopied
	if cand.DataCount > 0 && entry.DataCount > 0 {
		n := copy(entry.Data[0].Buf, cand.Data[0].Buf[:cand.BytesCopied])
		entry.BytesCopied = uint64(n)
	}
	entry.Addr = cand.Addr
	entry.QueuedPackets = append(entry.QueuedPackets, cand.QueuedPackets...)
	ep.opes.Release(cand.ID)

	if (entry.DataCount > 0 && entry.TotalLen > entry.Capacity()) || entry.BytesCopied >= entry.TotalLen {
		ep.completeRX(entry)
	}
}

// HandlePacket is the single entry point the progress engine (C8) hands
// every polled RX completion's parsed packet to (spec §4.5 "a fixed recv
// handler per packet type").
func (ep *Endpoint) HandlePacket(h wire.Header, body []byte, srcRaw []byte, qpn, connID uint32) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	pr, ok := ep.peers.LookupByRaw(srcRaw, qpn, connID)
	if !ok {
		var err error
		addr, aerr := ep.av.Resolve(srcRaw, qpn, connID)
		if aerr != nil {
			return aerr
		}
		pr, err = ep.peers.Insert(addr, srcRaw, qpn, connID)
		if err != nil {
			pr, _ = ep.peers.Lookup(addr)
		} else {
			ep.log.Debugw("peer discovered from wire", "addr", addr, "trace", xid.New().String())
		}
	}
	// A packet received over the NIC turns off the SHM shortcut for this
	// peer (spec §4.10).
	if pr != nil {
		pr.SetFlag(peer.FlagSHMDisabled)
	}

	switch h.Type {
	case proto.PacketHandshake:
		return ep.handleHandshake(pr, h, body)
	case proto.PacketCTS:
		return ep.handleCTS(pr, h, body)
	case proto.PacketData:
		return ep.handleData(pr, h, body)
	case proto.PacketEOR:
		return ep.handleEOR(pr, h, body)
	case proto.PacketReceipt:
		return ep.handleReceipt(pr, h, body)
	case proto.PacketShortRTR, proto.PacketLongCTSRTR:
		return ep.handleRTR(pr, h, body)
	case proto.PacketReadRsp:
		return ep.handleReadRsp(pr, h, body)
	case proto.PacketWriteRTA, proto.PacketDCWriteRTA, proto.PacketFetchRTA, proto.PacketCompareRTA:
		return ep.handleRTA(pr, h, body)
	case proto.PacketAtomRsp:
		return ep.handleAtomRsp(pr, h, body)
	case proto.PacketEagerRTW, proto.PacketEagerDCRTW, proto.PacketLongCTSRTW, proto.PacketLongCTSDCRTW, proto.PacketLongReadRTW:
		return ep.handleRTW(pr, h, body)
	default:
		return ep.handleRTM(pr, h, body)
	}
}

func (ep *Endpoint) handleHandshake(pr *peer.Peer, h wire.Header, body []byte) error {
	hs, err := wire.ParseHandshake(h, body)
	if err != nil {
		return err
	}
	pr.Caps = hs.Caps
	pr.CapsKnown = true
	pr.SetFlag(peer.FlagHandshakeReceived)
	return nil
}

// handleRTM implements the spec §4.7 RTM matching decision: match
// against a posted receive (including MULTI_RECV master slicing) or
// stash on the unexpected list, then continue reception per protocol.
func (ep *Endpoint) handleRTM(pr *peer.Peer, h wire.Header, body []byte) error {
	m, err := wire.ParseRTM(h, body)
	if err != nil {
		return err
	}
	tagged := h.Flags&wire.FlagTagged != 0
	dc := h.Flags&wire.FlagDeliveryComplete != 0

	matched, master := ep.findPostedRX(pr, tagged, m.Tag)
	if matched == nil {
		entry := ep.opes.NewRX(pr.ID, tagged)
		entry.Tag = m.Tag
		entry.TotalLen = m.TotalLen
		entry.Addr = pr.Addr
		if len(m.Payload) > 0 {
			// Stash a private copy: m.Payload aliases the RX packet buffer,
			// which is released once this packet has been handled.
			entry.Data[0] = ope.Segment{Buf: make([]byte, len(m.Payload))}
			entry.DataCount = 1
		}
		ep.copyRTMPayload(entry, m)
		if handled, serr := ep.handOffToSRX(context.Background(), pr.ID, entry, tagged); handled {
			return serr
		}
		ep.appendUnexpected(pr, entry, tagged)
		return nil
	}

	if master != nil {
		ep.sliceMultiRecvConsumer(master, matched)
	}
	matched.TotalLen = m.TotalLen
	matched.Addr = pr.Addr
	ep.copyRTMPayload(matched, m)

	// A message too large for the posted buffer is detected as soon as
	// TotalLen is known, not by waiting for BytesCopied to reach it (it
	// never will, once copying saturates at the buffer's capacity): spec
	// §7/§8 scenario 5's truncated-error completion fires here instead
	// of leaving the RX OPE dangling.
	if matched.DataCount > 0 && matched.TotalLen > matched.Capacity() {
		ep.completeRX(matched)
		return nil
	}

	switch h.Type {
	case proto.PacketLongCTSMsg, proto.PacketLongCTSTag, proto.PacketLongCTSMsgDC, proto.PacketLongCTSTagDC:
		return ep.sendCTS(pr, matched, m.MsgID)
	case proto.PacketLongReadMsg, proto.PacketLongReadTag, proto.PacketLongReadMsgDC, proto.PacketLongReadTagDC:
		return ep.startReadPull(pr, matched, m)
	case proto.PacketRuntReadMsg, proto.PacketRuntReadTag, proto.PacketRuntReadMsgDC, proto.PacketRuntReadTagDC:
		if matched.BytesCopied >= matched.TotalLen {
			ep.completeRXWithDC(pr, matched, m.MsgID, dc)
			return nil
		}
		return ep.startReadPull(pr, matched, m)
	default: // eager, medium
		if matched.BytesCopied >= matched.TotalLen {
			ep.completeRXWithDC(pr, matched, m.MsgID, dc)
		}
		return nil
	}
}

// findPostedRX looks for a posted-receive OPE matching tagged/tag,
// returning the matched entry (possibly a sliced MULTI_RECV consumer)
// and, if it came from a MULTI_RECV master, the master entry too.
func (ep *Endpoint) findPostedRX(pr *peer.Peer, tagged bool, tag uint64) (entry, master *ope.Entry) {
	for _, e := range ep.opes.All() {
		if e.Dir != ope.DirRX || e.PeerID != pr.ID || e.State != ope.StateNew {
			continue
		}
		isTagged := e.Kind == proto.OpSendTagged
		if isTagged != tagged {
			continue
		}
		if tagged && !tagMatches(tag, e.Tag, e.Ignore) {
			continue
		}
		if e.HasFlag(ope.FlagMultiRecvPosted) {
			return e, e
		}
		return e, nil
	}
	return nil, nil
}

func (ep *Endpoint) appendUnexpected(pr *peer.Peer, entry *ope.Entry, tagged bool) {
	entry.State = ope.StateUnexpected
	if tagged {
		pr.UnexpectedTagged = append(pr.UnexpectedTagged, entry.ID)
	} else {
		pr.UnexpectedPlain = append(pr.UnexpectedPlain, entry.ID)
	}
}

// sliceMultiRecvConsumer carves a consumer OPE view out of master's
// remaining buffer space (spec §3 MULTI_RECV_POSTED/MULTI_RECV_CONSUMER,
// §4.7).
func (ep *Endpoint) sliceMultiRecvConsumer(master, matched *ope.Entry) {
	matched.SetFlag(ope.FlagMultiRecvConsumer)
	matched.MultiRecvMasterID = master.ID
	if master.DataCount > 0 {
		matched.Data[0] = master.Data[0]
		matched.DataCount = 1
	}
}

func (ep *Endpoint) copyRTMPayload(entry *ope.Entry, m wire.RTM) {
	if len(m.Payload) == 0 || entry.DataCount == 0 {
		return
	}
	n := copy(entry.Data[0].Buf[entry.BytesCopied:], m.Payload)
	entry.BytesCopied += uint64(n)
	entry.BytesReceived += uint64(n)
}

// completeRXWithDC finishes an RX OPE, sending a RECEIPT first if the
// sender requested DELIVERY_COMPLETE (spec §4.6, §4.9).
func (ep *Endpoint) completeRXWithDC(pr *peer.Peer, entry *ope.Entry, msgID uint32, dc bool) {
	if dc {
		ep.postReceipt(pr, msgID)
	}
	ep.completeRX(entry)
}

func (ep *Endpoint) postReceipt(pr *peer.Peer, msgID uint32) {
	pkt, err := ep.pool.Alloc(pool.ClassDeviceTX)
	if err != nil {
		return
	}
	n, err := wire.InitReceipt(pkt.Buf, msgID)
	if err != nil {
		ep.pool.Release(pkt)
		return
	}
	pkt.Len = n
	if err := ep.device.PostSend(pkt, pr.Addr, false); err != nil {
		ep.pool.Release(pkt)
	}
}

// completeRX writes a CQ success entry and releases entry, detecting
// truncation first (spec §4.9, §7: "olen/len truncation entries"). A
// peer removed mid-flight (spec §7) has its in-flight completions
// dropped silently rather than written to the CQ.
func (ep *Endpoint) completeRX(entry *ope.Entry) {
	if pr, ok := ep.peers.Get(entry.PeerID); ok && pr.HasFlag(peer.FlagRemoved) {
		ep.opes.Release(entry.ID)
		return
	}
	if entry.DataCount > 0 && entry.TotalLen > entry.Capacity() {
		ep.writeCQError(CQError{
			OPEID:   entry.ID,
			Kind:    proto.KindTruncated,
			OLen:    int(entry.TotalLen),
			Len:     int(entry.BytesCopied),
			Context: entry.Context,
			Err:     fmt.Errorf("received %d bytes, posted buffer holds only %d", entry.TotalLen, entry.Capacity()),
		})
		ep.opes.Release(entry.ID)
		return
	}
	ep.writeCQ(CQEntry{
		OPEID:  entry.ID,
		Flags:  entry.CQFlags(),
		Len:    int(entry.BytesCopied),
		Tag:    entry.Tag,
		CQData: entry.CQData,
		Context: entry.Context,
	}, true)
	if !entry.HasFlag(ope.FlagMultiRecvConsumer) {
		ep.opes.Release(entry.ID)
	}
}

// sendCTS advertises the receive window for a long-CTS message (spec
// §4.5, §4.6).
func (ep *Endpoint) sendCTS(pr *peer.Peer, entry *ope.Entry, msgID uint32) error {
	entry.Window = uint64(ep.cfg.RecvWinSize)
	pkt, err := ep.pool.Alloc(pool.ClassDeviceTX)
	if err != nil {
		return err
	}
	n, err := wire.InitCTS(pkt.Buf, entry.Window, uint64(entry.ID))
	if err != nil {
		ep.pool.Release(pkt)
		return err
	}
	pkt.Len = n
	if err := ep.device.PostSend(pkt, pr.Addr, false); err != nil {
		ep.pool.Release(pkt)
		return err
	}
	return nil
}

// handleCTS drives the sender side of long-CTS: record the receiver's
// window so the progress engine knows how much DATA it may post per
// iteration (spec §4.6, §4.8 step 7).
func (ep *Endpoint) handleCTS(pr *peer.Peer, h wire.Header, body []byte) error {
	cts, err := wire.ParseCTS(h, body)
	if err != nil {
		return err
	}
	for _, id := range pr.QueuedCTRL {
		entry, ok := ep.opes.Get(id)
		if !ok {
			continue
		}
		entry.Window = cts.Window
		entry.PeerRecvID = cts.RecvID
		entry.ClearQueued()
		if err := entry.SetQueued(ope.FlagQueuedRead); err != nil {
			return err
		}
		pr.QueuedRead = append(pr.QueuedRead, id)
	}
	return nil
}

// handleData receives one long-CTS DATA segment (spec §4.5, §4.6).
func (ep *Endpoint) handleData(pr *peer.Peer, h wire.Header, body []byte) error {
	d, err := wire.ParseData(h, body)
	if err != nil {
		return err
	}
	entry, ok := ep.opes.Get(int(d.RecvID))
	if !ok {
		return nil
	}
	if entry.DataCount > 0 && int(d.Offset)+len(d.Payload) <= len(entry.Data[0].Buf) {
		copy(entry.Data[0].Buf[d.Offset:], d.Payload)
	}
	entry.BytesCopied += uint64(len(d.Payload))
	entry.BytesReceived += uint64(len(d.Payload))
	if entry.BytesCopied >= entry.TotalLen {
		ep.completeRX(entry)
	}
	return nil
}

// handleEOR completes the originator's TX OPE once a long-read/runting-read
// puller finishes its device reads (spec §4.5, §4.7). EOR.RecvID carries
// the originating RTM's msgID (set in startReadPull/CompleteReadPull), a
// peer-scoped message id, not an OPE-pool index — it is resolved through
// PendingByMsgID rather than treated as one.
func (ep *Endpoint) handleEOR(pr *peer.Peer, h wire.Header, body []byte) error {
	eor, err := wire.ParseEOR(h, body)
	if err != nil {
		return err
	}
	id, ok := pr.PendingByMsgID[uint32(eor.RecvID)]
	if !ok {
		return nil
	}
	delete(pr.PendingByMsgID, uint32(eor.RecvID))
	entry, ok := ep.opes.Get(id)
	if !ok {
		return nil
	}
	ep.completeTX(entry)
	return nil
}

func (ep *Endpoint) handleReceipt(pr *peer.Peer, h wire.Header, body []byte) error {
	r, err := wire.ParseReceipt(h, body)
	if err != nil {
		return err
	}
	for _, e := range ep.opes.All() {
		if e.Dir == ope.DirTX && e.PeerID == pr.ID && e.HasFlag(ope.FlagDeliveryComplete) {
			_ = r
			ep.completeTX(e)
			return nil
		}
	}
	return nil
}

// completeTX writes a CQ success entry for a finished TX OPE (spec
// §4.9). A peer removed mid-flight (spec §7) has its in-flight
// completions dropped silently rather than written to the CQ.
func (ep *Endpoint) completeTX(entry *ope.Entry) {
	if pr, ok := ep.peers.Get(entry.PeerID); ok && pr.HasFlag(peer.FlagRemoved) {
		ep.opes.Release(entry.ID)
		return
	}
	ep.writeCQ(CQEntry{
		OPEID:  entry.ID,
		Flags:  entry.CQFlags(),
		Len:    int(entry.BytesSent),
		Tag:    entry.Tag,
		CQData: entry.CQData,
		Context: entry.Context,
	}, true)
	entry.SetFlag(ope.FlagCancelled) // discarded when the slot is reused; Release rejects a second free of this id
	ep.opes.Release(entry.ID)
}

// handleRTR services a read request against local memory: the
// responder allocates a receive-side OPE representing itself and
// streams data back via CTS-driven DATA (spec §4.7).
func (ep *Endpoint) handleRTR(pr *peer.Peer, h wire.Header, body []byte) error {
	r, err := wire.ParseRTR(h, body)
	if err != nil {
		return err
	}
	entry := ep.opes.NewRX(pr.ID, false)
	entry.Kind = proto.OpRead
	entry.TotalLen = r.TotalLen
	entry.RemoteVec = r.RemoteVec
	if h.Type == proto.PacketLongCTSRTR {
		return ep.sendCTS(pr, entry, r.MsgID)
	}
	return ep.sendReadRsp(pr, entry, r.MsgID)
}

func (ep *Endpoint) sendReadRsp(pr *peer.Peer, entry *ope.Entry, msgID uint32) error {
	pkt, err := ep.pool.Alloc(pool.ClassDeviceTX)
	if err != nil {
		return err
	}
	payload := make([]byte, entry.TotalLen)
	n, err := wire.InitReadRsp(pkt.Buf, msgID, payload)
	if err != nil {
		ep.pool.Release(pkt)
		return err
	}
	pkt.Len = n
	return ep.device.PostSend(pkt, pr.Addr, false)
}

// handleReadRsp completes the originating OpRead's TX OPE (spec §4.7).
// rsp.MsgID is the peer-scoped message id reserved at dispatch time, not
// an OPE-pool index — it is resolved through PendingByMsgID.
func (ep *Endpoint) handleReadRsp(pr *peer.Peer, h wire.Header, body []byte) error {
	rsp, err := wire.ParseReadRsp(h, body)
	if err != nil {
		return err
	}
	id, ok := pr.PendingByMsgID[rsp.MsgID]
	if !ok {
		return nil
	}
	delete(pr.PendingByMsgID, rsp.MsgID)
	entry, ok := ep.opes.Get(id)
	if !ok {
		return nil
	}
	if entry.DataCount > 0 {
		copy(entry.Data[0].Buf, rsp.Payload)
	}
	entry.BytesCopied = uint64(len(rsp.Payload))
	ep.completeTX(entry)
	return nil
}

// startReadPull issues the one-sided device read(s) that pull the
// sender's advertised remote vector into the local RX buffer (long-read
// and runting-read, spec §4.6, §4.7). Completion is reported via EOR
// once the device read lands (driven by the progress engine).
func (ep *Endpoint) startReadPull(pr *peer.Peer, entry *ope.Entry, m wire.RTM) error {
	if ep.device == nil || entry.DataCount == 0 {
		return fmt.Errorf("rdm: no device available for read-pull")
	}
	entry.SetFlag(ope.FlagEORInFlight)
	entry.State = ope.StateEORInFlight
	entry.PeerMsgID = m.MsgID
	var off uint64
	for _, seg := range m.RemoteVec {
		if off >= uint64(len(entry.Data[0].Buf)) {
			break
		}
		local := entry.Data[0].Buf[off:]
		if uint64(len(local)) > seg.Len {
			local = local[:seg.Len]
		}
		entry.ReadsInFlight++
		if err := ep.device.PostRead(pr.Addr, local, seg); err != nil {
			entry.ReadsInFlight--
			return err
		}
		off += seg.Len
	}
	return nil
}

// CompleteReadPull is called by the progress engine once a one-sided
// device read completion is observed (spec §4.8 step 8): decrements the
// in-flight counter and, once all reads for the OPE land, sends EOR and
// completes. This is the second documented exception to "never block
// while holding the lock": the lock is dropped only around the EOR's
// PostSend and reacquired before mutating OPE state, matching the RMA
// read-completion release pattern (spec §5).
func (ep *Endpoint) CompleteReadPull(opeID int, bytes uint64) {
	ep.mu.Lock()
	entry, ok := ep.opes.Get(opeID)
	if !ok {
		ep.mu.Unlock()
		return
	}
	entry.ReadsInFlight--
	entry.BytesCopied += bytes
	entry.BytesReceived += bytes
	done := entry.ReadsInFlight <= 0
	var addr proto.Addr
	var peerMsgID uint32
	if done {
		pr, _ := ep.peers.Get(entry.PeerID)
		if pr != nil {
			addr = pr.Addr
		}
		peerMsgID = entry.PeerMsgID
	}
	ep.mu.Unlock()

	if !done {
		return
	}

	// EOR names the originating RTM's msgID (spec §4.5), not this side's
	// own RX-OPE id: the sender correlates it through its own
	// PendingByMsgID, which was keyed by msgID at dispatch time, not by
	// any id of ours.
	ep.mu.Lock()
	pkt, err := ep.pool.Alloc(pool.ClassDeviceTX)
	if err == nil {
		if n, eerr := wire.InitEOR(pkt.Buf, uint64(peerMsgID)); eerr == nil {
			pkt.Len = n
			ep.mu.Unlock()
			ep.device.PostSend(pkt, addr, false)
			ep.mu.Lock()
		} else {
			ep.pool.Release(pkt)
		}
	}

	ep.completeRX(entry)
	ep.mu.Unlock()
}

func (ep *Endpoint) handleRTA(pr *peer.Peer, h wire.Header, body []byte) error {
	a, err := wire.ParseRTA(h, body)
	if err != nil {
		return err
	}
	if ep.atomic == nil || len(a.RemoteVec) == 0 {
		return fmt.Errorf("rdm: no atomic-ops collaborator installed")
	}
	seg := a.RemoteVec[0]
	dst := make([]byte, seg.Len)

	var prev []byte
	var equal bool
	switch a.Op {
	case proto.AtomicCompare:
		prev, equal, err = ep.atomic.Compare(dst, a.Compare, a.Operand)
	default:
		prev, err = ep.atomic.Apply(a.Op, dst, a.Operand)
	}
	if err != nil {
		return err
	}

	if a.Op != proto.AtomicWrite {
		pkt, perr := ep.pool.Alloc(pool.ClassDeviceTX)
		if perr != nil {
			return perr
		}
		n, ierr := wire.InitAtomRsp(pkt.Buf, a.MsgID, prev, a.Op == proto.AtomicCompare, equal)
		if ierr != nil {
			ep.pool.Release(pkt)
			return ierr
		}
		pkt.Len = n
		if serr := ep.device.PostSend(pkt, pr.Addr, false); serr != nil {
			ep.pool.Release(pkt)
			return serr
		}
	}
	return nil
}

// handleAtomRsp completes the originating AtomicFetch/AtomicCompare's TX
// OPE (spec §4.7). rsp.MsgID is the peer-scoped message id reserved at
// dispatch time, not an OPE-pool index — it is resolved through
// PendingByMsgID.
func (ep *Endpoint) handleAtomRsp(pr *peer.Peer, h wire.Header, body []byte) error {
	rsp, err := wire.ParseAtomRsp(h, body)
	if err != nil {
		return err
	}
	id, ok := pr.PendingByMsgID[rsp.MsgID]
	if !ok {
		return nil
	}
	delete(pr.PendingByMsgID, rsp.MsgID)
	entry, ok := ep.opes.Get(id)
	if !ok {
		return nil
	}
	if entry.DataCount > 0 {
		copy(entry.Data[0].Buf, rsp.Data)
	}
	entry.BytesCopied = uint64(len(rsp.Data))
	ep.completeTX(entry)
	return nil
}

// handleRTW handles an incoming one-sided write's first packet: it counts
// the inline payload (eager) as received, or sends a CTS for the long-CTS
// DATA segments that follow (spec §4.6). The payload is not written to
// the described remote (local-to-us) segment: no local-memory
// translation for RemoteVec exists here (see below).
func (ep *Endpoint) handleRTW(pr *peer.Peer, h wire.Header, body []byte) error {
	w, err := wire.ParseRTW(h, body)
	if err != nil {
		return err
	}
	entry := ep.opes.NewRX(pr.ID, false)
	entry.Kind = proto.OpWrite
	entry.TotalLen = w.TotalLen
	entry.RemoteVec = w.RemoteVec
	if ep.shmCollab != nil && ep.mrc != nil {
		// Local-memory translation for the write target would go through
		// the MR cache; out of scope here since Device.PostWrite/local
		// buffer mapping is an external-collaborator concern (spec §1).
	}
	dc := h.Flags&wire.FlagDeliveryComplete != 0
	entry.BytesCopied = uint64(len(w.Payload))
	entry.BytesReceived = entry.BytesCopied
	if entry.BytesCopied >= entry.TotalLen {
		ep.completeRXWithDC(pr, entry, w.MsgID, dc)
		return nil
	}
	if h.Type == proto.PacketLongCTSRTW || h.Type == proto.PacketLongCTSDCRTW {
		return ep.sendCTS(pr, entry, w.MsgID)
	}
	return nil
}
