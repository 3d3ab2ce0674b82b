package dnsforwarder

import (
	"fmt"
	"hash/fnv"

	"github.com/miekg/dns"
)

// maxKeyBuffer is the bound on the scratch buffer used to build a cache
// key plus its RDATA before it is copied into the region. Anything that
// would overflow it is rejected rather than silently truncated (Open
// Question (c)).
const maxKeyBuffer = 512

// ErrKeyTooLarge is returned when a question/name combination would not
// fit in the bounded key-encoding buffer.
type ErrKeyTooLarge struct {
	Name string
}

func (e ErrKeyTooLarge) Error() string {
	return fmt.Sprintf("encoded cache key for %q exceeds %d bytes", e.Name, maxKeyBuffer)
}

// encodeKey writes the fixed cache key form: 0xFF name \x01 HEX(type)
// \x01 HEX(class) \x00, returning the slice written (without any RDATA
// appended yet). The caller appends cache-form RDATA after this prefix.
func encodeKey(buf []byte, name string, rrtype, class uint16) ([]byte, error) {
	need := 1 + len(name) + 1 + 4 + 1 + 4 + 1
	if need > len(buf) {
		return nil, ErrKeyTooLarge{Name: name}
	}
	b := buf[:0]
	b = append(b, 0xFF)
	b = append(b, name...)
	b = append(b, 1)
	b = append(b, fmt.Sprintf("%04X", rrtype)...)
	b = append(b, 1)
	b = append(b, fmt.Sprintf("%04X", class)...)
	b = append(b, 0)
	return b, nil
}

// hashKey hashes the encoded key prefix (name/type/class only, not RDATA)
// into a slot selector.
func hashKey(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}

// cacheableType reports whether t is an RR type the cache accepts, per
// spec: A, AAAA, HTTPS and CNAME. Anything else is dropped before reaching
// addOneLocked.
func cacheableType(t uint16) bool {
	switch t {
	case dns.TypeA, dns.TypeAAAA, dns.TypeHTTPS, dns.TypeCNAME:
		return true
	}
	return false
}

// rdataToCacheForm renders an RR's answer data the way it is stored in
// the cache: for address types, the raw address bytes; for CNAME, the
// fully-qualified target name, case unchanged; for HTTPS, the whole
// record in wire form via miekg/dns's wire packer (owner name, type,
// class, TTL and RDATA), not its RDATA alone.
func rdataToCacheForm(rr dns.RR) ([]byte, error) {
	switch v := rr.(type) {
	case *dns.A:
		return v.A.To4(), nil
	case *dns.AAAA:
		return v.AAAA.To16(), nil
	case *dns.CNAME:
		return []byte(dns.Fqdn(v.Target)), nil
	default:
		buf := make([]byte, dns.MaxMsgSize)
		off, err := dns.PackRR(rr, buf, 0, nil, false)
		if err != nil {
			return nil, err
		}
		return buf[:off], nil
	}
}

// BuildResponse shapes a cache-satisfied answer onto the request message,
// matching the original's fixed response flags (authoritative answer
// cleared, recursion available set, no error) and appends an EDNS0 OPT
// record advertising a 1280-byte UDP payload size when ednsEnabled.
func BuildResponse(req *dns.Msg, answers []dns.RR, ednsEnabled bool) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = false
	resp.RecursionAvailable = true
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = answers
	if ednsEnabled {
		opt := new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		opt.SetUDPSize(1280)
		resp.Extra = append(resp.Extra, opt)
	}
	return resp
}
