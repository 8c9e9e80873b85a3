package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAllocator struct {
	fail bool
}

func (f *fakeAllocator) Allocate(class Class, n int) ([]byte, bool, error) {
	if f.fail {
		return nil, false, errAllocRefused
	}
	return make([]byte, n), class != ClassUnexpected, nil
}

var errAllocRefused = fmtErrorf("allocator refused")

func fmtErrorf(s string) error { return &simpleErr{s} }

type simpleErr struct{ s string }

func (e *simpleErr) Error() string { return e.s }

func TestAllocGrowsOnDemand(t *testing.T) {
	p := New(Config{BufSize: 64, ChunkSize: 4}, &fakeAllocator{})

	pkt, err := p.Alloc(ClassDeviceTX)
	require.NoError(t, err)
	require.Equal(t, ClassDeviceTX, pkt.Class)
	require.Len(t, pkt.Buf, 64)

	stats, err := p.Stats(ClassDeviceTX)
	require.NoError(t, err)
	require.Equal(t, 4, stats.Capacity)
	require.Equal(t, 3, stats.Free)
}

func TestGrowFailurePropagates(t *testing.T) {
	p := New(Config{BufSize: 64, ChunkSize: 4}, &fakeAllocator{fail: true})
	_, err := p.Alloc(ClassDeviceTX)
	require.Error(t, err)
}

func TestDoubleReleaseFails(t *testing.T) {
	p := New(Config{BufSize: 64, ChunkSize: 2}, &fakeAllocator{})
	pkt, err := p.Alloc(ClassDeviceTX)
	require.NoError(t, err)

	require.NoError(t, p.Release(pkt))
	err = p.Release(pkt)
	require.Error(t, err, "double free must be rejected")
}

func TestCloneGoesToReadCopyPool(t *testing.T) {
	p := New(Config{BufSize: 64, ChunkSize: 2, ReadCopyAlign: 128}, &fakeAllocator{})
	src, err := p.Alloc(ClassUnexpected)
	require.NoError(t, err)
	copy(src.Buf, []byte("hello"))
	src.Len = 5

	clone, err := p.Clone(src)
	require.NoError(t, err)
	require.Equal(t, ClassReadCopy, clone.Class)
	require.Equal(t, "hello", string(clone.Buf[:clone.Len]))
}

func TestForceFirstChunkOnlyTouchesRXPools(t *testing.T) {
	p := New(Config{BufSize: 32, ChunkSize: 2}, &fakeAllocator{})
	require.NoError(t, p.ForceFirstChunk())

	rx, err := p.Stats(ClassDeviceRX)
	require.NoError(t, err)
	require.Equal(t, 2, rx.Capacity)

	tx, err := p.Stats(ClassDeviceTX)
	require.NoError(t, err)
	require.Equal(t, 0, tx.Capacity, "TX pool must not be forced on first tick")
}
