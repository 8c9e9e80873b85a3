package rdm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efa-rdm/rdmcore/internal/loopback"
	"github.com/efa-rdm/rdmcore/pkg/rdm"
	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
	"github.com/efa-rdm/rdmcore/pkg/rdm/wire"
)

func newLoopbackEndpoint(t *testing.T) (ep *rdm.Endpoint, av *loopback.AddressVector, self proto.Addr) {
	t.Helper()
	dev := loopback.New(proto.Addr(1))
	av = loopback.NewAddressVector()
	ep, err := rdm.NewEndpoint(rdm.DefaultConfig(), dev, av, loopback.Allocator{})
	require.NoError(t, err)

	self, err = av.Resolve([]byte("self"), 0, 0)
	require.NoError(t, err)
	return ep, av, self
}

func encodeRTM(t *testing.T, m wire.RTM, tagged bool) (wire.Header, []byte) {
	t.Helper()
	buf := make([]byte, 256)
	n, err := wire.InitRTM(buf, m, tagged, false)
	require.NoError(t, err)
	h, consumed, err := wire.DecodeHeader(buf[:n])
	require.NoError(t, err)
	return h, buf[consumed:n]
}

// TestEagerSendTXCompletes exercises the send path end to end through
// the loopback device's own send completion queue (spec §4.6, §4.8,
// §4.9): SendMsg builds and posts an eager RTM, and once the device
// reports the send as done, Progress drives the TX OPE to a CQ entry.
func TestEagerSendTXCompletes(t *testing.T) {
	ep, _, self := newLoopbackEndpoint(t)

	sendBuf := []byte("hello, rdm!")
	_, err := ep.SendMsg(rdm.SendParams{Addr: self, Data: [][]byte{sendBuf}})
	require.NoError(t, err)

	require.NoError(t, ep.Progress())

	completions := ep.PollCompletions()
	require.NotEmpty(t, completions, "expected a TX completion once the loopback device reports the send done")
	require.Equal(t, len(sendBuf), completions[0].Len)
}

// TestPostRecvThenRTMArrivalMatches drives the receive path directly
// off HandlePacket (spec §4.7 "posted-receive / unexpected-message
// matching"): a receive is posted first, then a hand-built eager
// tagged RTM "arrives" and must match it rather than landing on the
// unexpected list.
func TestPostRecvThenRTMArrivalMatches(t *testing.T) {
	ep, _, self := newLoopbackEndpoint(t)

	recvBuf := make([]byte, 32)
	recvID, err := ep.PostRecv(self, rdm.RecvParams{Tagged: true, Tag: 7, Data: [][]byte{recvBuf}})
	require.NoError(t, err)
	require.GreaterOrEqual(t, recvID, 0)

	payload := []byte("tagged payload")
	h, body := encodeRTM(t, wire.RTM{
		Protocol: proto.ProtoEager,
		MsgID:    1,
		Tag:      7,
		TotalLen: uint64(len(payload)),
		Payload:  payload,
	}, true)

	require.NoError(t, ep.HandlePacket(h, body, []byte("self"), 0, 0))

	completions := ep.PollCompletions()
	require.Len(t, completions, 1)
	require.Equal(t, len(payload), completions[0].Len)
	require.Equal(t, uint64(7), completions[0].Tag)
	require.Equal(t, payload, recvBuf[:len(payload)])
}

// TestUnmatchedRTMQueuesUnexpected covers the other half of the
// matching decision: an RTM with no posted receive must be stashed,
// not dropped, so a later PostRecv against the same peer address still
// finds it.
func TestUnmatchedRTMQueuesUnexpected(t *testing.T) {
	ep, av, _ := newLoopbackEndpoint(t)

	peerRaw := []byte("other-peer")
	peerAddr, err := av.Resolve(peerRaw, 0, 0)
	require.NoError(t, err)

	payload := []byte("surprise")
	h, body := encodeRTM(t, wire.RTM{
		Protocol: proto.ProtoEager,
		MsgID:    2,
		TotalLen: uint64(len(payload)),
		Payload:  payload,
	}, false)

	require.NoError(t, ep.HandlePacket(h, body, peerRaw, 0, 0))
	require.Empty(t, ep.PollCompletions())

	recvBuf := make([]byte, 32)
	_, err = ep.PostRecv(peerAddr, rdm.RecvParams{Data: [][]byte{recvBuf}})
	require.NoError(t, err)

	completions := ep.PollCompletions()
	require.Len(t, completions, 1)
	require.Equal(t, len(payload), completions[0].Len)
}

func TestErrorsAndEventsStartEmpty(t *testing.T) {
	ep, _, _ := newLoopbackEndpoint(t)
	require.Empty(t, ep.PollErrors())
	require.Empty(t, ep.PollEvents())
}
