package dnsforwarder

import "sync/atomic"

// StatKind is one of the terminal outcomes a query can reach, matching
// the original's STATISTIC_TYPE_* call sites in dnscache.c and tcpm.c.
type StatKind int

const (
	StatCache StatKind = iota
	StatTCP
	StatRefused
	StatBlocked
)

// Stats is a small in-process counter collaborator, standing in for the
// original's DomainStatistic module. It is intentionally minimal: a
// config-reporting or metrics-exporting layer can read Snapshot and push
// it wherever it likes.
type Stats struct {
	cache   atomic.Int64
	tcp     atomic.Int64
	refused atomic.Int64
	blocked atomic.Int64
}

// NewStats returns a ready-to-use counter set.
func NewStats() *Stats { return &Stats{} }

// Add increments the counter for kind.
func (s *Stats) Add(kind StatKind) {
	switch kind {
	case StatCache:
		s.cache.Add(1)
	case StatTCP:
		s.tcp.Add(1)
	case StatRefused:
		s.refused.Add(1)
	case StatBlocked:
		s.blocked.Add(1)
	}
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	Cache, TCP, Refused, Blocked int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Cache:   s.cache.Load(),
		TCP:     s.tcp.Load(),
		Refused: s.refused.Load(),
		Blocked: s.blocked.Load(),
	}
}
