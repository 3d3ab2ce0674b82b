package dnsforwarder

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func rrWithTTL(ttl uint32) dns.RR {
	return &dns.A{Hdr: dns.RR_Header{Ttl: ttl}, A: []byte{1, 1, 1, 1}}
}

func TestTTLPolicyOriginal(t *testing.T) {
	p := DefaultTTLPolicy()
	require.EqualValues(t, 300, p.Resolve(rrWithTTL(300)))
}

func TestTTLPolicyNoCache(t *testing.T) {
	p := TTLPolicy{State: TTLNoCache}
	require.EqualValues(t, 0, p.Resolve(rrWithTTL(300)))
}

func TestTTLPolicyFixed(t *testing.T) {
	p := TTLPolicy{State: TTLFixed, Fixed: 42}
	require.EqualValues(t, 42, p.Resolve(rrWithTTL(300)))
}

func TestTTLPolicyVariable(t *testing.T) {
	p := TTLPolicy{State: TTLVariable, Coefficient: 2, Increment: -50}
	require.EqualValues(t, 550, p.Resolve(rrWithTTL(300)))
}

func TestTTLPolicyVariableClampsAtZero(t *testing.T) {
	p := TTLPolicy{State: TTLVariable, Coefficient: 0, Increment: -10}
	require.EqualValues(t, 0, p.Resolve(rrWithTTL(300)))
}

func rrNamed(name string, ttl uint32) dns.RR {
	return &dns.A{Hdr: dns.RR_Header{Name: name, Ttl: ttl}, A: []byte{1, 1, 1, 1}}
}

func TestTTLRuleMatchesDomainAndItsSubdomainsOnly(t *testing.T) {
	r := TTLRule{Pattern: "example.com."}
	require.True(t, r.matches("example.com."))
	require.True(t, r.matches("www.example.com."))
	require.False(t, r.matches("notexample.com."))
}

func TestTTLTableLookupFirstMatchWins(t *testing.T) {
	table := TTLTable{
		{Pattern: "a.example.com.", Policy: TTLPolicy{State: TTLFixed, Fixed: 10}},
		{Pattern: "example.com.", Policy: TTLPolicy{State: TTLFixed, Fixed: 20}},
	}
	r, ok := table.lookup("a.example.com.")
	require.True(t, ok)
	require.EqualValues(t, 10, r.Policy.Fixed)
}

func TestTTLTableResolveAggressiveInfectsWholeBatch(t *testing.T) {
	table := TTLTable{{Pattern: "example.com.", Policy: TTLPolicy{State: TTLFixed, Fixed: 10, Infection: InfectionAggressive}}}
	def := DefaultTTLPolicy()

	// alias.cdn.net. is a CNAME target outside the rule's domain, but
	// aggressive infection applies the question's rule to it anyway.
	cname := rrNamed("alias.cdn.net.", 300)
	got := table.resolve("example.com.", cname, def)
	require.EqualValues(t, 10, got.Resolve(rrWithTTL(300)))
}

func TestTTLTableResolvePassiveUsesPerRecordWhenAvailableElseOwnPolicy(t *testing.T) {
	table := TTLTable{
		{Pattern: "example.com.", Policy: TTLPolicy{State: TTLFixed, Fixed: 10, Infection: InfectionPassive}},
		{Pattern: "cdn.net.", Policy: TTLPolicy{State: TTLFixed, Fixed: 99}},
	}
	def := DefaultTTLPolicy()

	// The record's own name matches a different rule: that per-record
	// policy wins over the question's.
	viaOwnRule := rrNamed("cdn.net.", 300)
	got := table.resolve("example.com.", viaOwnRule, def)
	require.EqualValues(t, 99, got.Resolve(rrWithTTL(300)))

	// No rule matches the record's own name: fall back to the
	// question-level rule's own policy.
	noOwnRule := rrNamed("alias.elsewhere.net.", 300)
	got2 := table.resolve("example.com.", noOwnRule, def)
	require.EqualValues(t, 10, got2.Resolve(rrWithTTL(300)))
}

func TestTTLTableResolveNoneFallsBackToRecordOwnName(t *testing.T) {
	table := TTLTable{{Pattern: "example.com.", Policy: TTLPolicy{State: TTLFixed, Fixed: 10, Infection: InfectionNone}}}
	def := DefaultTTLPolicy()

	matchingOwner := rrNamed("example.com.", 300)
	got := table.resolve("other.net.", matchingOwner, def)
	require.EqualValues(t, 10, got.Resolve(rrWithTTL(300)))

	nonMatching := rrNamed("unrelated.net.", 300)
	got2 := table.resolve("other.net.", nonMatching, def)
	require.Equal(t, def, got2)
}
