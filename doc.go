/*
Package dnsforwarder implements a memory-mapped DNS answer cache and a TCP
upstream connection manager for a small forwarding resolver.

Cache

Cache stores answer records in a fixed-size, optionally file-backed region
addressed entirely by byte offsets, so the region can be persisted and
remapped at a different base address on reload. Entries are slab-allocated
from a two-ended arena: payload bytes grow up from the header, node
descriptors grow down from the slot array, and released nodes are recycled
through a size-classed free list before the arena is asked to grow further.

TcpM

TcpM manages connections to configured upstream servers, optionally
negotiated through a SOCKS5 front socket, and correlates concurrent
in-flight queries by DNS message ID and question hash so that a single
shared connection can serve many callers at once.

This example wires the two together into a minimal forwarder:

	cache, err := dnsforwarder.NewCache(dnsforwarder.CacheConfig{
		Size:   1 << 20,
		Policy: dnsforwarder.DefaultTTLPolicy(),
	}, time.Now().Unix, dnsforwarder.NewStats())
	if err != nil {
		panic(err)
	}
	defer cache.Close()

	tm := dnsforwarder.NewTcpM(dnsforwarder.TcpMConfig{
		Services: []string{"1.1.1.1:53"},
	}, cache, dnsforwarder.NewStats())
	_ = tm
*/
package dnsforwarder
