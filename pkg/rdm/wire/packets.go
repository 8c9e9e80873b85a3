package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

// Handshake carries the sender's capability vector (spec §4.5, §6).
type Handshake struct {
	Header Header
	Caps   proto.Capability
	NextraP3 uint32
}

// InitHandshake encodes a HANDSHAKE packet into buf.
func InitHandshake(buf []byte, caps proto.Capability, nextraP3 uint32) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: proto.PacketHandshake}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	if len(buf) < n+8 {
		return 0, fmt.Errorf("wire: buffer too small for handshake body")
	}
	binary.LittleEndian.PutUint32(buf[n:], uint32(caps))
	binary.LittleEndian.PutUint32(buf[n+4:], nextraP3)
	return n + 8, nil
}

// ParseHandshake decodes a HANDSHAKE packet body (the header must
// already have been parsed by the caller via DecodeHeader).
func ParseHandshake(h Header, body []byte) (Handshake, error) {
	if len(body) < 8 {
		return Handshake{}, fmt.Errorf("wire: truncated handshake body")
	}
	return Handshake{
		Header:   h,
		Caps:     proto.Capability(binary.LittleEndian.Uint32(body)),
		NextraP3: binary.LittleEndian.Uint32(body[4:]),
	}, nil
}

// CTS advertises the receiver's window and receive-id for a long-CTS
// message (spec §4.5).
type CTS struct {
	Header Header
	Window uint64
	RecvID uint64
}

func InitCTS(buf []byte, window, recvID uint64) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: proto.PacketCTS}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	if len(buf) < n+16 {
		return 0, fmt.Errorf("wire: buffer too small for CTS body")
	}
	binary.LittleEndian.PutUint64(buf[n:], window)
	binary.LittleEndian.PutUint64(buf[n+8:], recvID)
	return n + 16, nil
}

func ParseCTS(h Header, body []byte) (CTS, error) {
	if len(body) < 16 {
		return CTS{}, fmt.Errorf("wire: truncated CTS body")
	}
	return CTS{
		Header: h,
		Window: binary.LittleEndian.Uint64(body),
		RecvID: binary.LittleEndian.Uint64(body[8:]),
	}, nil
}

// Data carries one long-CTS DATA segment: an offset and a payload.
type Data struct {
	Header  Header
	RecvID  uint64
	Offset  uint64
	Payload []byte
}

func InitData(buf []byte, recvID, offset uint64, payload []byte, more bool) (int, error) {
	flags := uint16(0)
	h := Header{Version: proto.ProtocolVersion, Type: proto.PacketData, Flags: flags}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	need := n + 16 + len(payload)
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for DATA body")
	}
	binary.LittleEndian.PutUint64(buf[n:], recvID)
	binary.LittleEndian.PutUint64(buf[n+8:], offset)
	copy(buf[n+16:], payload)
	_ = more // MORE is a device-submission-batch property, not a wire bit; tracked by the send path.
	return need, nil
}

func ParseData(h Header, body []byte) (Data, error) {
	if len(body) < 16 {
		return Data{}, fmt.Errorf("wire: truncated DATA body")
	}
	return Data{
		Header:  h,
		RecvID:  binary.LittleEndian.Uint64(body),
		Offset:  binary.LittleEndian.Uint64(body[8:]),
		Payload: body[16:],
	}, nil
}

// EOR is the end-of-read ACK for a read-sourced message (spec §4.5).
type EOR struct {
	Header Header
	RecvID uint64
}

func InitEOR(buf []byte, recvID uint64) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: proto.PacketEOR}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	if len(buf) < n+8 {
		return 0, fmt.Errorf("wire: buffer too small for EOR body")
	}
	binary.LittleEndian.PutUint64(buf[n:], recvID)
	return n + 8, nil
}

func ParseEOR(h Header, body []byte) (EOR, error) {
	if len(body) < 8 {
		return EOR{}, fmt.Errorf("wire: truncated EOR body")
	}
	return EOR{Header: h, RecvID: binary.LittleEndian.Uint64(body)}, nil
}

// Receipt is the ACK for DELIVERY_COMPLETE (spec §4.5).
type Receipt struct {
	Header Header
	MsgID  uint32
}

func InitReceipt(buf []byte, msgID uint32) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: proto.PacketReceipt}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	if len(buf) < n+4 {
		return 0, fmt.Errorf("wire: buffer too small for RECEIPT body")
	}
	binary.LittleEndian.PutUint32(buf[n:], msgID)
	return n + 4, nil
}

func ParseReceipt(h Header, body []byte) (Receipt, error) {
	if len(body) < 4 {
		return Receipt{}, fmt.Errorf("wire: truncated RECEIPT body")
	}
	return Receipt{Header: h, MsgID: binary.LittleEndian.Uint32(body)}, nil
}

// RTM is the request-to-send-message packet family: the first packet of
// any send protocol (eager/medium/long-CTS/long-read/runting-read),
// tagged or not, delivery-complete or not (spec §3, §4.5, §6).
type RTM struct {
	Header    Header
	Protocol  proto.Protocol
	MsgID     uint32
	Tag       uint64
	TotalLen  uint64
	SegOffset uint64
	RemoteVec []proto.RemoteSegment // long-read / runting-read sender vector
	Payload   []byte                // inline data (eager, medium fragment, or runting-read prefix)
}

func rtmPacketType(proto_ proto.Protocol, tagged, dc bool) proto.PacketType {
	type key struct {
		p      proto.Protocol
		tagged bool
		dc     bool
	}
	table := map[key]proto.PacketType{
		{proto.ProtoEager, false, false}:    proto.PacketEagerMsg,
		{proto.ProtoEager, true, false}:     proto.PacketEagerTag,
		{proto.ProtoEager, false, true}:     proto.PacketEagerMsgDC,
		{proto.ProtoEager, true, true}:      proto.PacketEagerTagDC,
		{proto.ProtoMedium, false, false}:   proto.PacketMediumMsg,
		{proto.ProtoMedium, true, false}:    proto.PacketMediumTag,
		{proto.ProtoMedium, false, true}:    proto.PacketMediumMsgDC,
		{proto.ProtoMedium, true, true}:     proto.PacketMediumTagDC,
		{proto.ProtoLongCTS, false, false}:  proto.PacketLongCTSMsg,
		{proto.ProtoLongCTS, true, false}:   proto.PacketLongCTSTag,
		{proto.ProtoLongCTS, false, true}:   proto.PacketLongCTSMsgDC,
		{proto.ProtoLongCTS, true, true}:    proto.PacketLongCTSTagDC,
		{proto.ProtoLongRead, false, false}: proto.PacketLongReadMsg,
		{proto.ProtoLongRead, true, false}:  proto.PacketLongReadTag,
		{proto.ProtoLongRead, false, true}:  proto.PacketLongReadMsgDC,
		{proto.ProtoLongRead, true, true}:   proto.PacketLongReadTagDC,
		{proto.ProtoRuntingRead, false, false}: proto.PacketRuntReadMsg,
		{proto.ProtoRuntingRead, true, false}:  proto.PacketRuntReadTag,
		{proto.ProtoRuntingRead, false, true}:  proto.PacketRuntReadMsgDC,
		{proto.ProtoRuntingRead, true, true}:   proto.PacketRuntReadTagDC,
	}
	return table[key{proto_, tagged, dc}]
}

// InitRTM encodes an RTM packet for the given protocol/tagged/dc
// combination.
func InitRTM(buf []byte, m RTM, tagged, dc bool) (int, error) {
	flags := uint16(0)
	if tagged {
		flags |= FlagTagged
	}
	if dc {
		flags |= FlagDeliveryComplete
	}
	h := Header{Version: proto.ProtocolVersion, Type: rtmPacketType(m.Protocol, tagged, dc), Flags: flags}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}

	fixedLen := 4 + 8 + 8 + 8 + 4 // msgid, tag, totallen, segoffset, remotevec-count
	need := n + fixedLen
	for range m.RemoteVec {
		need += 24 // addr + len + key
	}
	need += len(m.Payload)
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for RTM body")
	}

	off := n
	binary.LittleEndian.PutUint32(buf[off:], m.MsgID)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], m.Tag)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.TotalLen)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], m.SegOffset)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.RemoteVec)))
	off += 4
	for _, seg := range m.RemoteVec {
		binary.LittleEndian.PutUint64(buf[off:], seg.Addr)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Len)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Key)
		off += 8
	}
	off += copy(buf[off:], m.Payload)
	return off, nil
}

func ParseRTM(h Header, body []byte) (RTM, error) {
	if len(body) < 32 {
		return RTM{}, fmt.Errorf("wire: truncated RTM body")
	}
	m := RTM{Header: h}
	off := 0
	m.MsgID = binary.LittleEndian.Uint32(body[off:])
	off += 4
	m.Tag = binary.LittleEndian.Uint64(body[off:])
	off += 8
	m.TotalLen = binary.LittleEndian.Uint64(body[off:])
	off += 8
	m.SegOffset = binary.LittleEndian.Uint64(body[off:])
	off += 8
	count := binary.LittleEndian.Uint32(body[off:])
	off += 4
	for i := uint32(0); i < count; i++ {
		if off+24 > len(body) {
			return RTM{}, fmt.Errorf("wire: truncated RTM remote vector")
		}
		seg := proto.RemoteSegment{
			Addr: binary.LittleEndian.Uint64(body[off:]),
			Len:  binary.LittleEndian.Uint64(body[off+8:]),
			Key:  binary.LittleEndian.Uint64(body[off+16:]),
		}
		off += 24
		m.RemoteVec = append(m.RemoteVec, seg)
	}
	m.Payload = body[off:]
	return m, nil
}

// RTR is a read request: the responder allocates an RX OPE representing
// itself and emits data via CTS-driven DATA or READRSP (spec §4.7).
type RTR struct {
	Header    Header
	MsgID     uint32
	TotalLen  uint64
	RemoteVec []proto.RemoteSegment
}

func InitRTR(buf []byte, r RTR, longCTS bool) (int, error) {
	t := proto.PacketShortRTR
	if longCTS {
		t = proto.PacketLongCTSRTR
	}
	h := Header{Version: proto.ProtocolVersion, Type: t}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	need := n + 4 + 8 + 4 + len(r.RemoteVec)*24
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for RTR body")
	}
	off := n
	binary.LittleEndian.PutUint32(buf[off:], r.MsgID)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], r.TotalLen)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(r.RemoteVec)))
	off += 4
	for _, seg := range r.RemoteVec {
		binary.LittleEndian.PutUint64(buf[off:], seg.Addr)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Len)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Key)
		off += 8
	}
	return off, nil
}

func ParseRTR(h Header, body []byte) (RTR, error) {
	if len(body) < 16 {
		return RTR{}, fmt.Errorf("wire: truncated RTR body")
	}
	r := RTR{Header: h}
	off := 0
	r.MsgID = binary.LittleEndian.Uint32(body[off:])
	off += 4
	r.TotalLen = binary.LittleEndian.Uint64(body[off:])
	off += 8
	count := binary.LittleEndian.Uint32(body[off:])
	off += 4
	for i := uint32(0); i < count; i++ {
		if off+24 > len(body) {
			return RTR{}, fmt.Errorf("wire: truncated RTR remote vector")
		}
		r.RemoteVec = append(r.RemoteVec, proto.RemoteSegment{
			Addr: binary.LittleEndian.Uint64(body[off:]),
			Len:  binary.LittleEndian.Uint64(body[off+8:]),
			Key:  binary.LittleEndian.Uint64(body[off+16:]),
		})
		off += 24
	}
	return r, nil
}

// ReadRsp carries response data for an RTR that could not be satisfied
// purely by CTS-driven DATA (spec §4.7).
type ReadRsp struct {
	Header  Header
	MsgID   uint32
	Payload []byte
}

func InitReadRsp(buf []byte, msgID uint32, payload []byte) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: proto.PacketReadRsp}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	need := n + 4 + len(payload)
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for READRSP body")
	}
	binary.LittleEndian.PutUint32(buf[n:], msgID)
	copy(buf[n+4:], payload)
	return need, nil
}

func ParseReadRsp(h Header, body []byte) (ReadRsp, error) {
	if len(body) < 4 {
		return ReadRsp{}, fmt.Errorf("wire: truncated READRSP body")
	}
	return ReadRsp{Header: h, MsgID: binary.LittleEndian.Uint32(body), Payload: body[4:]}, nil
}

// RTA is an atomic request (write / fetch / compare), spec §4.7.
type RTA struct {
	Header    Header
	MsgID     uint32
	Op        proto.AtomicOp
	RemoteVec []proto.RemoteSegment
	Operand   []byte
	Compare   []byte
}

func rtaPacketType(op proto.AtomicOp, dc bool) proto.PacketType {
	switch op {
	case proto.AtomicWrite:
		if dc {
			return proto.PacketDCWriteRTA
		}
		return proto.PacketWriteRTA
	case proto.AtomicFetch:
		return proto.PacketFetchRTA
	case proto.AtomicCompare:
		return proto.PacketCompareRTA
	default:
		return 0
	}
}

func InitRTA(buf []byte, a RTA, dc bool) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: rtaPacketType(a.Op, dc)}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	need := n + 4 + 1 + 4 + len(a.RemoteVec)*24 + 4 + len(a.Operand) + 4 + len(a.Compare)
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for RTA body")
	}
	off := n
	binary.LittleEndian.PutUint32(buf[off:], a.MsgID)
	off += 4
	buf[off] = uint8(a.Op)
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.RemoteVec)))
	off += 4
	for _, seg := range a.RemoteVec {
		binary.LittleEndian.PutUint64(buf[off:], seg.Addr)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Len)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Key)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.Operand)))
	off += 4
	off += copy(buf[off:], a.Operand)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(a.Compare)))
	off += 4
	off += copy(buf[off:], a.Compare)
	return off, nil
}

func ParseRTA(h Header, body []byte) (RTA, error) {
	if len(body) < 9 {
		return RTA{}, fmt.Errorf("wire: truncated RTA body")
	}
	a := RTA{Header: h}
	off := 0
	a.MsgID = binary.LittleEndian.Uint32(body[off:])
	off += 4
	a.Op = proto.AtomicOp(body[off])
	off++
	count := binary.LittleEndian.Uint32(body[off:])
	off += 4
	for i := uint32(0); i < count; i++ {
		if off+24 > len(body) {
			return RTA{}, fmt.Errorf("wire: truncated RTA remote vector")
		}
		a.RemoteVec = append(a.RemoteVec, proto.RemoteSegment{
			Addr: binary.LittleEndian.Uint64(body[off:]),
			Len:  binary.LittleEndian.Uint64(body[off+8:]),
			Key:  binary.LittleEndian.Uint64(body[off+16:]),
		})
		off += 24
	}
	if off+4 > len(body) {
		return RTA{}, fmt.Errorf("wire: truncated RTA operand length")
	}
	operandLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if off+int(operandLen) > len(body) {
		return RTA{}, fmt.Errorf("wire: truncated RTA operand")
	}
	a.Operand = body[off : off+int(operandLen)]
	off += int(operandLen)
	if off+4 > len(body) {
		return RTA{}, fmt.Errorf("wire: truncated RTA compare length")
	}
	compareLen := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if off+int(compareLen) > len(body) {
		return RTA{}, fmt.Errorf("wire: truncated RTA compare")
	}
	a.Compare = body[off : off+int(compareLen)]
	return a, nil
}

// AtomRsp carries the pre-operation value (fetch) or equality boolean
// (compare) back to the atomic's originator (spec §4.7).
type AtomRsp struct {
	Header  Header
	MsgID   uint32
	Data    []byte
	Equal   bool
	IsBool  bool
}

func InitAtomRsp(buf []byte, msgID uint32, data []byte, isBool, equal bool) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: proto.PacketAtomRsp}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	need := n + 4 + 1 + 1 + 4 + len(data)
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for ATOMRSP body")
	}
	off := n
	binary.LittleEndian.PutUint32(buf[off:], msgID)
	off += 4
	if isBool {
		buf[off] = 1
	}
	off++
	if equal {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(data)))
	off += 4
	off += copy(buf[off:], data)
	return off, nil
}

func ParseAtomRsp(h Header, body []byte) (AtomRsp, error) {
	if len(body) < 10 {
		return AtomRsp{}, fmt.Errorf("wire: truncated ATOMRSP body")
	}
	r := AtomRsp{Header: h}
	off := 0
	r.MsgID = binary.LittleEndian.Uint32(body[off:])
	off += 4
	r.IsBool = body[off] != 0
	off++
	r.Equal = body[off] != 0
	off++
	n := binary.LittleEndian.Uint32(body[off:])
	off += 4
	if off+int(n) > len(body) {
		return AtomRsp{}, fmt.Errorf("wire: truncated ATOMRSP data")
	}
	r.Data = body[off : off+int(n)]
	return r, nil
}

// RTW is the request-to-write first packet (spec §6): eager / long-CTS /
// long-read variants, with an eager-DC and long-CTS-DC subset.
type RTW struct {
	Header    Header
	MsgID     uint32
	TotalLen  uint64
	RemoteVec []proto.RemoteSegment
	Payload   []byte
}

func rtwPacketType(p proto.Protocol, dc bool) proto.PacketType {
	switch {
	case p == proto.ProtoEager && !dc:
		return proto.PacketEagerRTW
	case p == proto.ProtoEager && dc:
		return proto.PacketEagerDCRTW
	case p == proto.ProtoLongCTS && !dc:
		return proto.PacketLongCTSRTW
	case p == proto.ProtoLongCTS && dc:
		return proto.PacketLongCTSDCRTW
	case p == proto.ProtoLongRead:
		return proto.PacketLongReadRTW
	default:
		return 0
	}
}

func InitRTW(buf []byte, w RTW, p proto.Protocol, dc bool) (int, error) {
	h := Header{Version: proto.ProtocolVersion, Type: rtwPacketType(p, dc)}
	n, err := EncodeHeader(buf, h)
	if err != nil {
		return 0, err
	}
	need := n + 4 + 8 + 4 + len(w.RemoteVec)*24 + len(w.Payload)
	if len(buf) < need {
		return 0, fmt.Errorf("wire: buffer too small for RTW body")
	}
	off := n
	binary.LittleEndian.PutUint32(buf[off:], w.MsgID)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], w.TotalLen)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(w.RemoteVec)))
	off += 4
	for _, seg := range w.RemoteVec {
		binary.LittleEndian.PutUint64(buf[off:], seg.Addr)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Len)
		off += 8
		binary.LittleEndian.PutUint64(buf[off:], seg.Key)
		off += 8
	}
	off += copy(buf[off:], w.Payload)
	return off, nil
}

func ParseRTW(h Header, body []byte) (RTW, error) {
	if len(body) < 16 {
		return RTW{}, fmt.Errorf("wire: truncated RTW body")
	}
	w := RTW{Header: h}
	off := 0
	w.MsgID = binary.LittleEndian.Uint32(body[off:])
	off += 4
	w.TotalLen = binary.LittleEndian.Uint64(body[off:])
	off += 8
	count := binary.LittleEndian.Uint32(body[off:])
	off += 4
	for i := uint32(0); i < count; i++ {
		if off+24 > len(body) {
			return RTW{}, fmt.Errorf("wire: truncated RTW remote vector")
		}
		w.RemoteVec = append(w.RemoteVec, proto.RemoteSegment{
			Addr: binary.LittleEndian.Uint64(body[off:]),
			Len:  binary.LittleEndian.Uint64(body[off+8:]),
			Key:  binary.LittleEndian.Uint64(body[off+16:]),
		})
		off += 24
	}
	w.Payload = body[off:]
	return w, nil
}
