package dnsforwarder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFree2DListAddFindRoundTrip(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	f := newFree2DList(r)
	require.EqualValues(t, -1, f.head())

	f.add(0, 16, 100)
	idx, ok := f.findUnused(16, 200)
	require.True(t, ok)
	require.EqualValues(t, 0, idx)

	// Once popped, the same class is empty again.
	_, ok = f.findUnused(16, 200)
	require.False(t, ok)
}

func TestFree2DListFindUnusedRequiresExactSizeClass(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	f := newFree2DList(r)
	f.add(0, 64, 100)

	// A request for a smaller size must not be satisfied by a larger
	// free class: findUnused matches on exact length only.
	_, ok := f.findUnused(16, 200)
	require.False(t, ok)

	idx, ok := f.findUnused(64, 200)
	require.True(t, ok)
	require.EqualValues(t, 0, idx)
}

func TestFree2DListMultipleSizeClassesIndependent(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	f := newFree2DList(r)
	f.add(0, 16, 100)
	f.add(1, 32, 100)
	f.add(2, 16, 100)

	idx, ok := f.findUnused(16, 200)
	require.True(t, ok)
	require.Contains(t, []int32{0, 2}, idx)

	idx2, ok := f.findUnused(32, 200)
	require.True(t, ok)
	require.EqualValues(t, 1, idx2)
}
