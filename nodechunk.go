package dnsforwarder

import "fmt"

// ErrCacheFull is returned when a new entry cannot be placed because the
// payload area and the node chunk have met in the middle of the region.
type ErrCacheFull struct {
	Requested uint32
}

func (e ErrCacheFull) Error() string {
	return fmt.Sprintf("cache full: no room for %d bytes", e.Requested)
}

// NodeChunk owns the two-ended arena: payload bytes bump up from the
// header, node descriptors bump down from just below the slot array. The
// free 2D list is consulted first; only on a miss does the chunk grow.
type NodeChunk struct {
	r    *Region
	free *Free2DList
}

func newNodeChunk(r *Region) *NodeChunk {
	return &NodeChunk{r: r, free: newFree2DList(r)}
}

// chunkBoundary is the lowest byte offset a new node descriptor may start
// at without overlapping the payload area once it has grown to accommodate
// `payloadLen` additional bytes past the current End.
func (c *NodeChunk) chunkBoundary(payloadLen uint32) int32 {
	return c.r.End() + int32(payloadLen)
}

// acquire returns a node index with at least `length` bytes of payload
// capacity, either recycled from the free 2D list or freshly carved out of
// the chunk. fresh reports whether the node's payload still needs writing
// at a brand-new offset (true) or is being reused in place (false, in
// which case the caller must write over n.offset directly).
func (c *NodeChunk) acquire(length uint32, now int64) (idx int32, n node, fresh bool, err error) {
	rounded := roundUp4(length)

	if i, ok := c.free.findUnused(rounded, now); ok {
		n = c.r.readNode(i)
		return i, n, false, nil
	}

	used := c.r.NodeChunkUsed()
	boundary := c.chunkBoundary(rounded)
	// A brand new node descriptor occupies [nodeTop-(used+1)*32, nodeTop-used*32).
	newNodeLow := c.r.nodeTop - (used+1)*nodeSize
	if newNodeLow < boundary {
		return 0, node{}, false, ErrCacheFull{Requested: rounded}
	}

	idx = used
	n = node{
		slot:       -1,
		next:       -1,
		offset:     c.r.End(),
		length:     rounded,
		usedLength: 0,
		timeAdded:  now,
	}
	c.r.setNodeChunkUsed(used + 1)
	c.r.SetEnd(c.r.End() + int32(rounded))
	return idx, n, true, nil
}

// release hands a node back to the free 2D list after it has been
// unlinked from its hash slot chain, or shrinks the chunk if it was the
// most-recently-allocated node (mirroring the original's tail-shrink
// optimization).
func (c *NodeChunk) release(i int32, now int64) {
	n := c.r.readNode(i)
	used := c.r.NodeChunkUsed()
	if i == used-1 {
		c.r.setNodeChunkUsed(used - 1)
		return
	}
	c.free.add(i, n.length, now)
}

// padTail writes the 0xFE filler byte across the unused tail of a node's
// rounded payload region, i.e. [offset+usedLength, offset+length).
func (c *NodeChunk) padTail(n node) {
	start := n.offset + int32(n.usedLength)
	end := n.offset + int32(n.length)
	if start >= end {
		return
	}
	buf := c.r.Payload(start, end-start)
	for i := range buf {
		buf[i] = 0xFE
	}
}
