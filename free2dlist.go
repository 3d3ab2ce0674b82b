package dnsforwarder

// Free2DList manages the chunk's released nodes, grouped into a spine of
// size classes ("2D": one dimension is the size class, the other is the
// chain of same-size entries hanging off each class head). This redesigns
// the original C cache's flat free list into a size-class search with a
// popularity gradient, as described by the data model.
type Free2DList struct {
	r *Region
}

func newFree2DList(r *Region) *Free2DList { return &Free2DList{r: r} }

// idleDamping is the minimum idle time (seconds) a more-recently-promoted
// but less-popular predecessor must have accumulated before it can absorb
// a less-recently-touched successor's count.
const idleDamping = 59

// usedGradient is the count margin findUnused checks when a predecessor
// absorbs a size-class head: the absorbed head's first chained node takes
// over its spine position only if the absorbed head's count exceeds that
// node's count by at least this much. No size-class head is ever moved
// ahead of its predecessor on the spine.
const usedGradient = 5

// head returns the index of the spine's first size-class head, or -1.
func (f *Free2DList) head() int32 { return f.r.Free2DHead() }

// add pushes node index i (of the given size class `length`) onto the
// free list as the new head of its chain, front-inserting it at the spine
// position matching its size class if one does not already exist.
func (f *Free2DList) add(i int32, length uint32, now int64) {
	n := node{slot: -1, length: length, timeAdded: now, next: -1, offset: -1}
	n.setCount(1)

	head := f.head()
	if head < 0 {
		n.setKeyNext(-1)
		f.r.writeNode(i, n)
		f.r.SetFree2DHead(i)
		return
	}

	// Walk the spine looking for an existing class of this exact size.
	prev := int32(-1)
	cur := head
	for cur >= 0 {
		cn := f.r.readNode(cur)
		if cn.length == length {
			// Prepend i as the new chain head for this size class, taking
			// over the class's spine slot and inheriting its popularity.
			n.setKeyNext(cn.keyNext())
			n.setValNext(cur)
			n.setCount(cn.count() + 1)
			f.r.writeNode(i, n)
			if prev < 0 {
				f.r.SetFree2DHead(i)
			} else {
				pn := f.r.readNode(prev)
				pn.setKeyNext(i)
				f.r.writeNode(prev, pn)
			}
			return
		}
		prev = cur
		cur = cn.keyNext()
	}

	// No class of this size yet: prepend a new spine entry at the head.
	n.setKeyNext(head)
	n.setValNext(-1)
	f.r.writeNode(i, n)
	f.r.SetFree2DHead(i)
}

// findUnused walks the spine for a size class whose nodes are exactly
// `length` bytes, applying the predecessor-absorption and heir-promotion
// rules along the way, and pops one node off that class's chain. Returns
// (-1, false) if no free node of that exact size exists anywhere on the
// spine, matching CacheHT_FindUnusedNode's equality test in the original.
func (f *Free2DList) findUnused(length uint32, now int64) (int32, bool) {
	prev := int32(-1)
	cur := f.head()
	for cur >= 0 {
		cn := f.r.readNode(cur)

		if cn.length == length {
			return f.pop(prev, cur, cn)
		}

		if prev >= 0 {
			pn := f.r.readNode(prev)
			idle := now - pn.timeAdded
			if pn.timeAdded >= cn.timeAdded && pn.count() < cn.count() && idle >= idleDamping {
				pn.setCount(pn.count() + cn.count())
				pn.timeAdded = now
				f.r.writeNode(prev, pn)
				// Unlink cur from the spine; its own chain becomes
				// unreachable unless an heir is promoted in its place.
				heir := cn.valNext()
				if heir >= 0 && cn.count()-f.r.readNode(heir).count() >= usedGradient {
					hn := f.r.readNode(heir)
					hn.setKeyNext(cn.keyNext())
					f.r.writeNode(heir, hn)
					pn.setKeyNext(heir)
					f.r.writeNode(prev, pn)
					prev = heir
					cur = hn.keyNext()
					continue
				}
				pn.setKeyNext(cn.keyNext())
				f.r.writeNode(prev, pn)
				cur = cn.keyNext()
				continue
			}
		}

		prev = cur
		cur = cn.keyNext()
	}
	return -1, false
}

// pop removes the chain head `cur` of a matched size class from the free
// list (splicing in its valNext successor as the new chain/spine head if
// one exists) and returns it ready for reuse.
func (f *Free2DList) pop(prev, cur int32, cn node) (int32, bool) {
	succ := cn.valNext()
	if succ >= 0 {
		sn := f.r.readNode(succ)
		sn.setKeyNext(cn.keyNext())
		sn.setCount(cn.count() - 1)
		f.r.writeNode(succ, sn)
		if prev < 0 {
			f.r.SetFree2DHead(succ)
		} else {
			pn := f.r.readNode(prev)
			pn.setKeyNext(succ)
			f.r.writeNode(prev, pn)
		}
		return cur, true
	}
	if prev < 0 {
		f.r.SetFree2DHead(cn.keyNext())
	} else {
		pn := f.r.readNode(prev)
		pn.setKeyNext(cn.keyNext())
		f.r.writeNode(prev, pn)
	}
	return cur, true
}
