package dnsforwarder

import (
	"context"
	"time"
)

// sweepInterval is the TTL-countdown task period, matching the original's
// hardcoded 59000ms schedule in DNSCache_Init.
const sweepInterval = 59 * time.Second

// RunSweeper periodically calls cache.Sweep until ctx is cancelled. It is
// started as its own goroutine by the owner of the Cache; IgnoreTTL
// callers should not start it at all, mirroring DNSCache_Init's
// "unless IgnoreTTL" guard.
func RunSweeper(ctx context.Context, c *Cache) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Sweep()
		}
	}
}
