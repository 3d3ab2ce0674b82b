package dnsforwarder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeChunkAcquireGrowsChunk(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	nc := newNodeChunk(r)
	idx, n, fresh, err := nc.acquire(20, 1000)
	require.NoError(t, err)
	require.True(t, fresh)
	require.EqualValues(t, 0, idx)
	require.EqualValues(t, headerSize, n.offset)
	require.EqualValues(t, 20, n.length) // rounded up to multiple of 4
	require.EqualValues(t, 1, r.NodeChunkUsed())
	require.EqualValues(t, headerSize+20, r.End())
}

func TestNodeChunkReleaseAndReuse(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	nc := newNodeChunk(r)
	idx, n, _, err := nc.acquire(16, 1000)
	require.NoError(t, err)
	n.usedLength = 16
	r.writeNode(idx, n)

	// Acquire a second node so idx is no longer the chunk tail.
	idx2, _, _, err := nc.acquire(16, 1000)
	require.NoError(t, err)
	require.NotEqual(t, idx, idx2)

	nc.release(idx, 2000)

	idx3, n3, fresh3, err := nc.acquire(16, 2100)
	require.NoError(t, err)
	require.False(t, fresh3)
	require.Equal(t, idx, idx3)
	require.EqualValues(t, 16, n3.length)
}

func TestNodeChunkReleaseTailShrinks(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	nc := newNodeChunk(r)
	idx, _, _, err := nc.acquire(16, 1000)
	require.NoError(t, err)
	require.EqualValues(t, 1, r.NodeChunkUsed())

	nc.release(idx, 1001)
	require.EqualValues(t, 0, r.NodeChunkUsed())
}

func TestNodeChunkExhaustion(t *testing.T) {
	r, err := OpenAnonymous(MinCacheSize)
	require.NoError(t, err)
	defer r.Close()

	nc := newNodeChunk(r)
	var lastErr error
	for i := 0; i < 100000; i++ {
		_, _, _, err := nc.acquire(64, 1000)
		if err != nil {
			lastErr = err
			break
		}
	}
	require.Error(t, lastErr)
	require.IsType(t, ErrCacheFull{}, lastErr)
}
