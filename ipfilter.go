package dnsforwarder

import (
	"net"

	"github.com/miekg/dns"
)

// IPVerdict classifies an upstream answer before it is allowed into the
// cache, matching the original's IPMiscMapping_Process call site in
// tcpm.c: filtered addresses and uniform-negative-result hijack replies
// are discarded rather than cached or returned.
type IPVerdict int

const (
	IPVerdictAccept IPVerdict = iota
	IPVerdictFiltered
	IPVerdictNegativeResult
)

// IPFilter holds the configured CIDR blocklist and the known "negative
// result" address used by a resolver to signal NXDOMAIN-as-an-A-record
// (a common ISP hijack pattern).
type IPFilter struct {
	blocked  []*net.IPNet
	negative map[string]bool
}

// NewIPFilter builds a filter from CIDR strings and literal negative-result
// addresses. Malformed CIDRs are skipped.
func NewIPFilter(cidrs []string, negativeIPs []string) *IPFilter {
	f := &IPFilter{negative: make(map[string]bool, len(negativeIPs))}
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			f.blocked = append(f.blocked, n)
		}
	}
	for _, ip := range negativeIPs {
		f.negative[ip] = true
	}
	return f
}

// Classify inspects every A/AAAA record in an answer. It reports
// IPVerdictFiltered if any address falls in a blocked CIDR,
// IPVerdictNegativeResult if every address is a configured negative-result
// address, and IPVerdictAccept otherwise. A message with no address
// records is always accepted (e.g. a pure CNAME or NXDOMAIN response).
func (f *IPFilter) Classify(msg *dns.Msg) IPVerdict {
	if f == nil {
		return IPVerdictAccept
	}
	addrCount := 0
	negativeCount := 0
	for _, rr := range msg.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		addrCount++
		for _, n := range f.blocked {
			if n.Contains(ip) {
				return IPVerdictFiltered
			}
		}
		if f.negative[ip.String()] {
			negativeCount++
		}
	}
	if addrCount > 0 && negativeCount == addrCount {
		return IPVerdictNegativeResult
	}
	return IPVerdictAccept
}
