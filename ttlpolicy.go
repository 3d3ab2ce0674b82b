package dnsforwarder

import (
	"strings"

	"github.com/miekg/dns"
)

// TTLState selects how a cached record's TTL is derived from the
// answer's own TTL.
type TTLState int

const (
	// TTLNoCache means the record is never written to the cache.
	TTLNoCache TTLState = iota
	// TTLOriginal stores the upstream record's own TTL unmodified.
	TTLOriginal
	// TTLVariable stores Coefficient*ttl+Increment, clamped at 0.
	TTLVariable
	// TTLFixed ignores the upstream TTL entirely and always stores Fixed.
	TTLFixed
)

// Infection controls whether a TTL override on one record "infects" the
// whole answer (aggressive), only follows the question name (passive), or
// never propagates beyond the matching record (none).
type Infection int

const (
	InfectionNone Infection = iota
	InfectionPassive
	InfectionAggressive
)

// TTLPolicy resolves a record's TTL on insert per the configured state.
type TTLPolicy struct {
	State       TTLState
	Infection   Infection
	Coefficient float64
	Increment   int32
	Fixed       uint32
}

// DefaultTTLPolicy stores records using their own TTL unmodified, with no
// infection, matching the original cache's default ("ORIGINAL") behavior.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{State: TTLOriginal}
}

// Resolve returns the TTL (seconds) that should be stored for rr, or 0 to
// mean "do not cache this record".
func (p TTLPolicy) Resolve(rr dns.RR) uint32 {
	switch p.State {
	case TTLNoCache:
		return 0
	case TTLOriginal:
		return rr.Header().Ttl
	case TTLFixed:
		return p.Fixed
	case TTLVariable:
		v := p.Coefficient*float64(rr.Header().Ttl) + float64(p.Increment)
		if v < 0 {
			return 0
		}
		return uint32(v)
	default:
		return rr.Header().Ttl
	}
}

// TTLRule pairs a qname pattern with the policy applied to records that
// match it, matching spec.md §4.7's CacheControl table: a domain (and
// its subdomains) overriding the cache's default TTL handling.
type TTLRule struct {
	// Pattern matches name itself or any of its subdomains, e.g.
	// "example.com." matches "example.com." and "www.example.com." but
	// not "notexample.com.".
	Pattern string
	Policy  TTLPolicy
}

// matches reports whether name falls under r.Pattern's domain.
func (r TTLRule) matches(name string) bool {
	name = strings.ToLower(dns.Fqdn(name))
	pattern := strings.ToLower(dns.Fqdn(r.Pattern))
	return name == pattern || strings.HasSuffix(name, "."+pattern)
}

// TTLTable is the ordered CacheControl rule set consulted per qname; the
// first matching rule wins, mirroring a longest-match-first domain list.
type TTLTable []TTLRule

// lookup returns the first rule matching name, if any.
func (t TTLTable) lookup(name string) (TTLRule, bool) {
	for _, r := range t {
		if r.matches(name) {
			return r, true
		}
	}
	return TTLRule{}, false
}

// resolve picks the TTLPolicy that should govern rr, given the question
// name the answer batch was fetched for, per spec.md §4.7: a
// question-level rule's Infection controls how far its policy spreads
// over the records of that reply.
//
//   - InfectionAggressive forces the question-level rule's policy onto
//     every record of the reply, regardless of that record's own name
//     (a CNAME target inherits the same override as the question).
//   - InfectionPassive uses the per-record policy when the record's own
//     name also matches a rule, otherwise falls back to the
//     question-level rule's own policy.
//   - InfectionNone (or no question-level rule matched at all) always
//     uses the per-record policy: a rule matched on the record's own
//     name, or the table's default policy if none matched.
func (t TTLTable) resolve(questionName string, rr dns.RR, def TTLPolicy) TTLPolicy {
	rRule, recordMatched := t.lookup(rr.Header().Name)
	perRecord := def
	if recordMatched {
		perRecord = rRule.Policy
	}

	qRule, ok := t.lookup(questionName)
	if !ok {
		return perRecord
	}
	switch qRule.Policy.Infection {
	case InfectionAggressive:
		return qRule.Policy
	case InfectionPassive:
		if recordMatched {
			return perRecord
		}
		return qRule.Policy
	default: // InfectionNone
		return perRecord
	}
}
