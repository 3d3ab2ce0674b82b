package dnsforwarder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculateSlotCount(t *testing.T) {
	// Worked example from the source material: a 102400-byte cache
	// region yields a slot count of 7 once pre-rounding lands on 0.
	require.EqualValues(t, 7, calculateSlotCount(102400))
}

func TestRoundToNearestMultiple(t *testing.T) {
	cases := []struct{ x, n, want int }{
		{0, 10, 0},
		{4, 10, 0},
		{5, 10, 10},
		{-4, 10, 0},
		{-6, 10, -10},
	}
	for _, c := range cases {
		require.Equal(t, c.want, roundToNearestMultiple(c.x, c.n))
	}
}

func TestOpenAnonymousRejectsTooSmall(t *testing.T) {
	_, err := OpenAnonymous(100)
	require.Error(t, err)
}

func TestOpenAnonymousFreshHeader(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	require.EqualValues(t, CacheVersion, nativeEndian.Uint32(r.data[offVer:]))
	require.EqualValues(t, headerSize, r.End())
	require.EqualValues(t, 0, r.CacheCount())
	require.EqualValues(t, 0, r.NodeChunkUsed())
	require.EqualValues(t, -1, r.Free2DHead())
	require.Greater(t, r.SlotCount(), int32(0))
}

func TestSlotRoundTrip(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	r.putSlot(0, 42)
	require.EqualValues(t, 42, r.getSlot(0))
}

func TestNodeRoundTrip(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	n := node{slot: 3, next: -1, offset: 128, ttl: 300, timeAdded: 1000, length: 16, usedLength: 12}
	r.writeNode(0, n)
	got := r.readNode(0)
	require.Equal(t, n, got)
}

func TestFileBackedReload(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.dat"

	r1, err := OpenFile(path, MinCacheSize, true, false)
	require.NoError(t, err)
	r1.putSlot(0, 99)
	require.NoError(t, r1.Sync())
	require.NoError(t, r1.Close())

	r2, err := OpenFile(path, MinCacheSize, true, false)
	require.NoError(t, err)
	defer r2.Close()
	require.EqualValues(t, 99, r2.getSlot(0))
}

func TestFileBackedSizeMismatchFallsBackOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cache.dat"

	r1, err := OpenFile(path, MinCacheSize, true, false)
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	_, err = OpenFile(path, MinCacheSize*2, true, false)
	require.Error(t, err)

	r3, err := OpenFile(path, MinCacheSize*2, true, true)
	require.NoError(t, err)
	defer r3.Close()
	require.EqualValues(t, MinCacheSize*2, r3.Size())
}
