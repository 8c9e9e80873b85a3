package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

func TestHeaderRoundTripWithAllSubheaders(t *testing.T) {
	h := Header{
		Version: proto.ProtocolVersion,
		Type:    proto.PacketHandshake,
		Flags:   FlagRawAddr | FlagConnID | FlagCQData,
		RawAddr: []byte{1, 2, 3, 4},
		ConnID:  7,
		CQData:  0xdeadbeef,
	}
	buf := make([]byte, 64)
	n, err := EncodeHeader(buf, h)
	require.NoError(t, err)

	got, consumed, err := DecodeHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, n, consumed)
	require.Equal(t, h.Version, got.Version)
	require.Equal(t, h.Type, got.Type)
	require.Equal(t, h.RawAddr, got.RawAddr)
	require.Equal(t, h.ConnID, got.ConnID)
	require.Equal(t, h.CQData, got.CQData)
}

func TestDecodeRejectsOldVersion(t *testing.T) {
	buf := make([]byte, 16)
	_, err := EncodeHeader(buf, Header{Version: 0, Type: proto.PacketEagerMsg})
	require.NoError(t, err)

	_, _, err = DecodeHeader(buf)
	require.Error(t, err)
	var fatal *ErrFatal
	require.ErrorAs(t, err, &fatal)
}

func TestDecodeRejectsRetiredType(t *testing.T) {
	buf := make([]byte, 16)
	_, err := EncodeHeader(buf, Header{Version: proto.ProtocolVersion, Type: proto.PacketRetiredRTS})
	require.NoError(t, err)

	_, _, err = DecodeHeader(buf)
	require.Error(t, err)
	var fatal *ErrFatal
	require.ErrorAs(t, err, &fatal)
}

func TestRTMRoundTrip(t *testing.T) {
	buf := make([]byte, 256)
	m := RTM{
		Protocol: proto.ProtoEager,
		MsgID:    42,
		Tag:      0x42,
		TotalLen: 5,
		Payload:  []byte("hello"),
	}
	n, err := InitRTM(buf, m, true, false)
	require.NoError(t, err)

	h, consumed, err := DecodeHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, proto.PacketEagerTag, h.Type)

	got, err := ParseRTM(h, buf[consumed:n])
	require.NoError(t, err)
	require.Equal(t, m.MsgID, got.MsgID)
	require.Equal(t, m.Tag, got.Tag)
	require.Equal(t, m.TotalLen, got.TotalLen)
	require.Equal(t, m.Payload, got.Payload)
}

func TestRTARoundTripWithCompare(t *testing.T) {
	buf := make([]byte, 256)
	a := RTA{
		MsgID:   7,
		Op:      proto.AtomicCompare,
		Operand: []byte{1, 2, 3, 4},
		Compare: []byte{5, 6, 7, 8},
	}
	n, err := InitRTA(buf, a, false)
	require.NoError(t, err)

	h, consumed, err := DecodeHeader(buf[:n])
	require.NoError(t, err)
	require.Equal(t, proto.PacketCompareRTA, h.Type)

	got, err := ParseRTA(h, buf[consumed:n])
	require.NoError(t, err)
	require.Equal(t, a.Operand, got.Operand)
	require.Equal(t, a.Compare, got.Compare)
}
