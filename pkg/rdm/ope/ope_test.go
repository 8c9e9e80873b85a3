package ope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/efa-rdm/rdmcore/pkg/rdm/proto"
)

func TestMessagePrefixAdjustsFirstSegment(t *testing.T) {
	p := New(8)
	buf := make([]byte, 128)
	e, err := p.NewTX(proto.OpSendMsg, 0, proto.Addr(1), []Segment{{Buf: buf}}, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, e.Data[0].Buf, 120)
	require.EqualValues(t, 120, e.TotalLen)
}

func TestCQFlagsTableT1(t *testing.T) {
	cases := []struct {
		kind proto.OpKind
		want proto.CQFlags
	}{
		{proto.OpSendMsg, proto.FlagTransmit | proto.FlagMsg},
		{proto.OpSendTagged, proto.FlagTransmit | proto.FlagMsg | proto.FlagTagged},
		{proto.OpWrite, proto.FlagRMA | proto.FlagWrite},
		{proto.OpRead, proto.FlagRMA | proto.FlagRead},
		{proto.OpAtomicWrite, proto.FlagWrite | proto.FlagAtomic},
		{proto.OpAtomicFetch, proto.FlagRead | proto.FlagAtomic},
		{proto.OpAtomicCompare, proto.FlagRead | proto.FlagAtomic},
	}
	for _, c := range cases {
		require.Equal(t, c.want, c.kind.CQFlags(), c.kind.String())
	}
}

func TestDoubleFreeRejected(t *testing.T) {
	p := New(0)
	e := p.NewRX(0, false)
	require.NoError(t, p.Release(e.ID))
	require.Error(t, p.Release(e.ID))
}

func TestSingleQueueMembership(t *testing.T) {
	e := &Entry{}
	require.NoError(t, e.SetQueued(FlagQueuedRNR))
	require.True(t, e.HasFlag(FlagQueuedRNR))

	require.NoError(t, e.SetQueued(FlagQueuedCTRL))
	require.False(t, e.HasFlag(FlagQueuedRNR), "moving queues must clear the old membership")
	require.True(t, e.HasFlag(FlagQueuedCTRL))
	require.NoError(t, e.Validate())
}

func TestValidateCatchesInvariantViolation(t *testing.T) {
	e := &Entry{TotalLen: 10, BytesSent: 5, BytesAcked: 6}
	require.Error(t, e.Validate())
}
