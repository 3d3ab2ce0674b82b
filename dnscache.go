package dnsforwarder

import (
	"bytes"
	"sync"

	"github.com/miekg/dns"
)

// maxCNAMEHops bounds the CNAME chain walk performed by Fetch. The
// original C implementation has no such bound (Open Question (a)); we
// pick a generous but finite limit so a corrupt or cyclic cache can never
// spin a lookup forever.
const maxCNAMEHops = 8

// CacheConfig carries the construction-time options spec.md §6 lists for
// the cache component.
type CacheConfig struct {
	Path        string // empty means memory-only
	Size        int
	Reload      bool
	Overwrite   bool
	IgnoreTTL   bool
	Parallel    bool
	Policy      TTLPolicy
	Rules       TTLTable // per-qname CacheControl overrides, consulted before Policy
	EDNSEnabled bool
}

// Cache is the memory-mapped DNS answer cache: backing region plus the
// hash table and node-chunk allocator built on top of it.
type Cache struct {
	mu     sync.RWMutex
	r      *Region
	ht     *HashTable
	nc     *NodeChunk
	cfg    CacheConfig
	nowFn  func() int64
	stats  *Stats
}

// NewCache opens (or creates) a cache region per cfg and wires the hash
// table and allocator on top of it.
func NewCache(cfg CacheConfig, nowFn func() int64, stats *Stats) (*Cache, error) {
	var r *Region
	var err error
	if cfg.Path == "" {
		r, err = OpenAnonymous(cfg.Size)
	} else {
		r, err = OpenFile(cfg.Path, cfg.Size, cfg.Reload, cfg.Overwrite)
	}
	if err != nil {
		return nil, err
	}
	return &Cache{
		r:     r,
		ht:    newHashTable(r),
		nc:    newNodeChunk(r),
		cfg:   cfg,
		nowFn: nowFn,
		stats: stats,
	}, nil
}

// Close releases the underlying region.
func (c *Cache) Close() error { return c.r.Close() }

func (c *Cache) now() int64 { return c.nowFn() }

// AddItems caches every eligible record in rrs under the owning question
// name. Eligibility mirrors the original filter: type in {A, AAAA, HTTPS,
// CNAME} and class IN. When first is false and the cache isn't configured
// for parallel updates, the whole batch is skipped (mirroring
// DNSCache_AddItemsToCache's "!IsFirst && !CacheParallel" no-op rule).
func (c *Cache) AddItems(name string, rrs []dns.RR, first bool) {
	if !first && !c.cfg.Parallel {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, rr := range rrs {
		h := rr.Header()
		if h.Class != dns.ClassINET || !cacheableType(h.Rrtype) {
			continue
		}
		policy := c.cfg.Rules.resolve(name, rr, c.cfg.Policy)
		c.addOneLocked(name, rr, now, policy)
	}
	if c.cfg.Parallel {
		c.reconcileMinTTLLocked(name, now)
	}
}

// addOneLocked stores a single record, matching DNSCache_AddAItemToCache:
// TTL-policy resolution, key+RDATA encoding into a bounded scratch buffer,
// duplicate suppression, slab acquisition and slot insertion. policy is
// the CacheControl-resolved policy for this record (see TTLTable.resolve).
// Caller must hold the write lock.
func (c *Cache) addOneLocked(name string, rr dns.RR, now int64, policy TTLPolicy) {
	ttl := policy.Resolve(rr)
	if ttl == 0 {
		return
	}

	h := rr.Header()
	var scratch [maxKeyBuffer]byte
	key, err := encodeKey(scratch[:], dns.Fqdn(name), h.Rrtype, h.Class)
	if err != nil {
		if c.stats != nil {
			c.stats.Add(StatRefused)
		}
		return
	}
	rdata, err := rdataToCacheForm(rr)
	if err != nil {
		return
	}
	full := append(append([]byte{}, key...), rdata...)
	if uint32(len(full)) > maxKeyBuffer {
		if c.stats != nil {
			c.stats.Add(StatRefused)
		}
		return
	}

	if c.findExactLocked(key, full, now) {
		return // duplicate, suppressed
	}

	idx, n, _, err := c.nc.acquire(uint32(len(full)), now)
	if err != nil {
		return
	}
	copy(c.r.Payload(n.offset, int32(len(full))), full)
	n.usedLength = uint32(len(full))
	n.ttl = ttl
	n.timeAdded = now
	c.r.writeNode(idx, n)
	c.nc.padTail(n)

	hash := hashKey(key)
	c.ht.InsertToSlot(hash, idx)
	c.r.IncCacheCount()
}

// findExactLocked reports whether a still-live entry with the exact
// encoded key and RDATA already exists in the cache, walking the slot
// chain and using byte comparison exactly as DNSCache_FindFromCache does
// before insert. A node whose TTL has already expired is not a match: it
// only looks byte-identical because it hasn't been swept yet, and letting
// it suppress a fresh insert would leave the stale TimeAdded/TTL pair in
// place until the next Sweep.
func (c *Cache) findExactLocked(key, full []byte, now int64) bool {
	slot := c.ht.slotFor(hashKey(key))
	i := c.ht.Get(slot, -1)
	for i >= 0 {
		n := c.r.readNode(i)
		if (c.cfg.IgnoreTTL || c.remaining(n, now) > 0) &&
			int(n.usedLength) == len(full) && bytes.Equal(c.r.Payload(n.offset, int32(n.usedLength)), full) {
			return true
		}
		i = c.ht.Get(slot, i)
	}
	return false
}

// reconcileMinTTLLocked implements DNSCache_CacheMinTTL: when parallel
// upstream queries race to populate the same name/type/class, the
// minimum remaining TTL across all matches wins and is applied to every
// matching entry so they expire together.
func (c *Cache) reconcileMinTTLLocked(name string, now int64) {
	for _, rrtype := range []uint16{dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS, dns.TypeCNAME} {
		var scratch [maxKeyBuffer]byte
		key, err := encodeKey(scratch[:], dns.Fqdn(name), rrtype, dns.ClassINET)
		if err != nil {
			continue
		}
		slot := c.ht.slotFor(hashKey(key))
		i := c.ht.Get(slot, -1)
		var matches []int32
		var minRemaining int64 = -1
		for i >= 0 {
			n := c.r.readNode(i)
			if matchesKeyPrefix(c.r, n, key) {
				remaining := int64(n.ttl) - (now - n.timeAdded)
				if minRemaining < 0 || remaining < minRemaining {
					minRemaining = remaining
				}
				matches = append(matches, i)
			}
			i = c.ht.Get(slot, i)
		}
		if len(matches) < 2 || minRemaining < 0 {
			continue
		}
		for _, idx := range matches {
			n := c.r.readNode(idx)
			n.ttl = uint32(minRemaining)
			n.timeAdded = now
			c.r.writeNode(idx, n)
		}
	}
}

func matchesKeyPrefix(r *Region, n node, key []byte) bool {
	if int(n.usedLength) < len(key) {
		return false
	}
	return bytes.Equal(r.Payload(n.offset, int32(len(key))), key)
}

// Fetch resolves name/qtype/class against the cache, following CNAME
// chains up to maxCNAMEHops, returning the final answer records (possibly
// prefixed by the CNAME chain itself, matching DNSCache_GetByQuestion's
// behavior of emitting the CNAME RRs that were walked).
func (c *Cache) Fetch(name string, qtype uint16, class uint16) ([]dns.RR, bool) {
	if class != dns.ClassINET {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var answers []dns.RR
	cur := dns.Fqdn(name)

	if qtype != dns.TypeCNAME {
		for hop := 0; hop < maxCNAMEHops; hop++ {
			target, ok := c.lookupCNAMELocked(cur, now)
			if !ok {
				break
			}
			answers = append(answers, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: cur, Rrtype: dns.TypeCNAME, Class: dns.ClassINET},
				Target: target,
			})
			cur = target
		}
	}

	recs, ok := c.lookupRecordsLocked(cur, qtype, now)
	if !ok && len(answers) == 0 {
		return nil, false
	}
	answers = append(answers, recs...)

	if c.stats != nil {
		c.stats.Add(StatCache)
	}
	Log.WithFields(cacheHitFields(name)).Debug("resolved from cache")
	return answers, true
}

func (c *Cache) lookupCNAMELocked(name string, now int64) (string, bool) {
	var scratch [maxKeyBuffer]byte
	key, err := encodeKey(scratch[:], name, dns.TypeCNAME, dns.ClassINET)
	if err != nil {
		return "", false
	}
	slot := c.ht.slotFor(hashKey(key))
	i := c.ht.Get(slot, -1)
	for i >= 0 {
		n := c.r.readNode(i)
		if n.ttl > 0 && matchesKeyPrefix(c.r, n, key) && c.remaining(n, now) > 0 {
			target := string(c.r.Payload(n.offset+int32(len(key)), int32(n.usedLength)-int32(len(key))))
			return target, true
		}
		i = c.ht.Get(slot, i)
	}
	return "", false
}

func (c *Cache) lookupRecordsLocked(name string, qtype uint16, now int64) ([]dns.RR, bool) {
	var scratch [maxKeyBuffer]byte
	key, err := encodeKey(scratch[:], name, qtype, dns.ClassINET)
	if err != nil {
		return nil, false
	}
	slot := c.ht.slotFor(hashKey(key))
	i := c.ht.Get(slot, -1)
	var out []dns.RR
	for i >= 0 {
		n := c.r.readNode(i)
		remaining := c.remaining(n, now)
		if matchesKeyPrefix(c.r, n, key) && remaining > 0 {
			rdata := c.r.Payload(n.offset+int32(len(key)), int32(n.usedLength)-int32(len(key)))
			rr := rrFromCacheForm(name, qtype, uint32(remaining), rdata)
			if rr != nil {
				out = append(out, rr)
			}
		}
		i = c.ht.Get(slot, i)
	}
	return out, len(out) > 0
}

func (c *Cache) remaining(n node, now int64) int64 {
	if c.cfg.IgnoreTTL {
		return int64(n.ttl)
	}
	return int64(n.ttl) - (now - n.timeAdded)
}

func rrFromCacheForm(name string, qtype uint16, ttl uint32, rdata []byte) dns.RR {
	hdr := dns.RR_Header{Name: name, Rrtype: qtype, Class: dns.ClassINET, Ttl: ttl}
	switch qtype {
	case dns.TypeA:
		if len(rdata) != 4 {
			return nil
		}
		return &dns.A{Hdr: hdr, A: append([]byte{}, rdata...)}
	case dns.TypeAAAA:
		if len(rdata) != 16 {
			return nil
		}
		return &dns.AAAA{Hdr: hdr, AAAA: append([]byte{}, rdata...)}
	case dns.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: string(rdata)}
	default:
		rr, _, err := dns.UnpackRR(rdata, 0)
		if err != nil {
			return nil
		}
		return rr
	}
}

// Sweep performs one TTL-countdown pass over the node chunk, tail to
// head, removing any entry whose remaining TTL has reached zero. It
// mirrors DNSCacheTTLCountdown_Task: the write lock is only acquired
// lazily, on the first expired entry found, so a sweep over an
// all-still-live chunk never blocks readers.
func (c *Cache) Sweep() {
	now := c.now()

	c.mu.RLock()
	used := c.r.NodeChunkUsed()
	expired := make([]int32, 0)
	for i := used - 1; i >= 0; i-- {
		n := c.r.readNode(i)
		if n.isFree() {
			continue
		}
		if c.remaining(n, now) <= 0 {
			expired = append(expired, i)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, i := range expired {
		n := c.r.readNode(i)
		if n.isFree() {
			continue
		}
		n.ttl = 0
		c.r.writeNode(i, n)
		tombstone := c.r.Payload(n.offset, 1)
		tombstone[0] = 0xFD
		c.ht.RemoveFromSlot(i)
		c.nc.release(i, now)
		c.r.DecCacheCount()
	}
	c.recomputeEndLocked()
}

// recomputeEndLocked re-derives the header's End field from the
// highest-offset live node remaining in the chunk, matching the
// original's post-sweep recomputation.
func (c *Cache) recomputeEndLocked() {
	used := c.r.NodeChunkUsed()
	var maxEnd int32 = headerSize
	for i := int32(0); i < used; i++ {
		n := c.r.readNode(i)
		if n.isFree() {
			continue
		}
		if e := n.offset + int32(n.length); e > maxEnd {
			maxEnd = e
		}
	}
	c.r.SetEnd(maxEnd)
}

// Sync flushes a file-backed cache to disk.
func (c *Cache) Sync() error { return c.r.Sync() }

// EDNSEnabled reports whether responses built from this cache's answers
// should carry the EDNS0 OPT record advertising a 1280-byte UDP payload.
func (c *Cache) EDNSEnabled() bool { return c.cfg.EDNSEnabled }
