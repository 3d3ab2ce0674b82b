package dnsforwarder

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestModuleContextMatches(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 42
	mctx := newModuleContext(q)

	reply := new(dns.Msg)
	reply.SetReply(q)
	require.True(t, mctx.matches(reply))

	other := new(dns.Msg)
	other.SetQuestion("other.com.", dns.TypeA)
	other.Id = 42
	require.False(t, mctx.matches(other))
}
