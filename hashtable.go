package dnsforwarder

// HashTable is the open-chained slot array over node indices. It never
// compares keys itself — callers walk the chain via Get and compare
// payload bytes at each step, exactly as the original cache's HT layer
// does (key comparison lives in the cache, not the table).
type HashTable struct {
	r *Region
}

func newHashTable(r *Region) *HashTable { return &HashTable{r: r} }

func (h *HashTable) slotFor(hash uint32) int32 {
	return int32(hash % uint32(h.r.SlotCount()))
}

// Get advances one step along a slot chain: pass start < 0 to fetch the
// slot's head, or a previous node index to fetch its successor.
func (h *HashTable) Get(slot, start int32) int32 {
	if start < 0 {
		return h.r.getSlot(slot)
	}
	return h.r.readNode(start).next
}

// InsertToSlot front-inserts node index i into the chain for the given
// hash, recording the slot number on the node itself.
func (h *HashTable) InsertToSlot(hash uint32, i int32) {
	slot := h.slotFor(hash)
	n := h.r.readNode(i)
	n.slot = slot
	n.next = h.r.getSlot(slot)
	h.r.writeNode(i, n)
	h.r.putSlot(slot, i)
}

// RemoveFromSlot splices node index i out of its slot chain.
func (h *HashTable) RemoveFromSlot(i int32) {
	n := h.r.readNode(i)
	slot := n.slot
	head := h.r.getSlot(slot)
	if head == i {
		h.r.putSlot(slot, n.next)
		return
	}
	prev := head
	for prev >= 0 {
		pn := h.r.readNode(prev)
		if pn.next == i {
			pn.next = n.next
			h.r.writeNode(prev, pn)
			return
		}
		prev = pn.next
	}
}
