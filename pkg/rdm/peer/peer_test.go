package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageIDMonotonicityAndRollback(t *testing.T) {
	p := &Peer{}
	id0 := p.Reserve()
	require.EqualValues(t, 0, id0)

	// A failed dispatch never calls Advance: next reservation is unchanged.
	require.EqualValues(t, 0, p.Reserve())

	p.Advance()
	require.EqualValues(t, 1, p.Reserve())
}

func TestMessageIDWraps(t *testing.T) {
	p := &Peer{NextMsgID: ^uint32(0)}
	id := p.Reserve()
	require.EqualValues(t, ^uint32(0), id)
	p.Advance()
	require.EqualValues(t, 0, p.Reserve(), "wraparound from max value must be a legal wrap")
}

func TestRNRBackoffMonotone(t *testing.T) {
	cfg := BackoffConfig{InitialWait: 100 * time.Microsecond, Cap: 1 * time.Millisecond}
	p := &Peer{}
	now := time.Unix(0, 0)

	p.RecordRNR(now, cfg)
	require.Equal(t, 100*time.Microsecond, p.BackoffWait)
	require.False(t, p.BackoffExpired(now))
	require.True(t, p.BackoffExpired(now.Add(100*time.Microsecond)))

	p.RecordRNR(now, cfg)
	require.Equal(t, 200*time.Microsecond, p.BackoffWait)

	p.RecordRNR(now, cfg)
	require.Equal(t, 400*time.Microsecond, p.BackoffWait)

	p.RecordRNR(now, cfg)
	require.Equal(t, 800*time.Microsecond, p.BackoffWait)

	// 5th RNR would be 1600us, capped at 1ms.
	p.RecordRNR(now, cfg)
	require.Equal(t, 1*time.Millisecond, p.BackoffWait)
}

func TestTableInsertLookupRemove(t *testing.T) {
	tbl := New()
	p, err := tbl.Insert(42, []byte("raw"), 7, 9)
	require.NoError(t, err)

	got, ok := tbl.Lookup(42)
	require.True(t, ok)
	require.Same(t, p, got)

	got2, ok := tbl.LookupByRaw([]byte("raw"), 7, 9)
	require.True(t, ok)
	require.Same(t, p, got2)

	require.NoError(t, tbl.Remove(42))
	_, ok = tbl.Lookup(42)
	require.False(t, ok, "removed peer must no longer resolve")
	require.True(t, p.HasFlag(FlagRemoved))
}

func TestBackoffListExpiry(t *testing.T) {
	tbl := New()
	p, err := tbl.Insert(1, nil, 0, 0)
	require.NoError(t, err)

	cfg := BackoffConfig{InitialWait: 10 * time.Microsecond, Cap: time.Millisecond}
	now := time.Unix(0, 0)
	p.RecordRNR(now, cfg)
	tbl.MarkBackoff(p.ID)

	require.Empty(t, tbl.ExpireBackoffs(now))
	expired := tbl.ExpireBackoffs(now.Add(time.Millisecond))
	require.Equal(t, []int{p.ID}, expired)
	require.False(t, p.HasFlag(FlagInBackoff))
}
