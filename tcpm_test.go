package dnsforwarder

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startEchoUpstream runs a minimal length-prefixed DNS-over-TCP server
// that answers every A query with a fixed address, closing the
// connection after each reply unless keepOpen is set.
func startEchoUpstream(t *testing.T, keepOpen bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					var prefix [2]byte
					if _, err := ioReadFullTest(conn, prefix[:]); err != nil {
						return
					}
					n := binary.BigEndian.Uint16(prefix[:])
					body := make([]byte, n)
					if _, err := ioReadFullTest(conn, body); err != nil {
						return
					}
					req := new(dns.Msg)
					if err := req.Unpack(body); err != nil {
						return
					}
					resp := new(dns.Msg)
					resp.SetReply(req)
					if len(req.Question) > 0 {
						resp.Answer = []dns.RR{&dns.A{
							Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
							A:   []byte{9, 9, 9, 9},
						}}
					}
					packed, _ := resp.Pack()
					var out [2]byte
					binary.BigEndian.PutUint16(out[:], uint16(len(packed)))
					conn.Write(out[:])
					conn.Write(packed)
					if !keepOpen {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

// startStaleKeepAliveUpstream answers the first query on each accepted
// connection normally, then silently closes the connection on the
// second query instead of replying — simulating an upstream that drops
// an idle keep-alive connection between queries.
func startStaleKeepAliveUpstream(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				first := true
				for {
					var prefix [2]byte
					if _, err := ioReadFullTest(conn, prefix[:]); err != nil {
						return
					}
					n := binary.BigEndian.Uint16(prefix[:])
					body := make([]byte, n)
					if _, err := ioReadFullTest(conn, body); err != nil {
						return
					}
					if !first {
						return // drop the connection instead of answering
					}
					first = false

					req := new(dns.Msg)
					if err := req.Unpack(body); err != nil {
						return
					}
					resp := new(dns.Msg)
					resp.SetReply(req)
					if len(req.Question) > 0 {
						resp.Answer = []dns.RR{&dns.A{
							Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
							A:   []byte{9, 9, 9, 9},
						}}
					}
					packed, _ := resp.Pack()
					var out [2]byte
					binary.BigEndian.PutUint16(out[:], uint16(len(packed)))
					conn.Write(out[:])
					conn.Write(packed)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func ioReadFullTest(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestTcpMQueryDedicatedConnection(t *testing.T) {
	addr := startEchoUpstream(t, false)
	tm := NewTcpM(TcpMConfig{Services: []string{addr}}, nil, NewStats())
	defer tm.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := tm.Query(ctx, q)
	require.NoError(t, err)
	require.Len(t, reply.Answer, 1)
}

func TestTcpMQueryKeepAliveReusesConnection(t *testing.T) {
	addr := startEchoUpstream(t, true)
	tm := NewTcpM(TcpMConfig{Services: []string{addr}, KeepAlive: true}, nil, NewStats())
	defer tm.Close()

	q1 := new(dns.Msg)
	q1.SetQuestion("one.example.com.", dns.TypeA)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply1, err := tm.Query(ctx, q1)
	require.NoError(t, err)
	require.Len(t, reply1.Answer, 1)

	q2 := new(dns.Msg)
	q2.SetQuestion("two.example.com.", dns.TypeA)
	reply2, err := tm.Query(ctx, q2)
	require.NoError(t, err)
	require.Len(t, reply2.Answer, 1)
}

// TestTcpMQueryRetriesOnceWhenKeepAliveConnectionGoesStale exercises
// spec.md §4.8's retry rule: a keep-alive connection's first query never
// retries on failure, but once the connection has served a prior query,
// a single retry against a freshly dialed connection is attempted and
// succeeds.
func TestTcpMQueryRetriesOnceWhenKeepAliveConnectionGoesStale(t *testing.T) {
	addr := startStaleKeepAliveUpstream(t)
	tm := NewTcpM(TcpMConfig{Services: []string{addr}, KeepAlive: true}, nil, NewStats())
	defer tm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	q1 := new(dns.Msg)
	q1.SetQuestion("one.example.com.", dns.TypeA)
	reply1, err := tm.Query(ctx, q1)
	require.NoError(t, err)
	require.Len(t, reply1.Answer, 1)

	// The shared connection now has queried == 1; this second query
	// drives it to queried == 2, the server drops the connection instead
	// of answering, and the retry against a fresh connection succeeds.
	q2 := new(dns.Msg)
	q2.SetQuestion("two.example.com.", dns.TypeA)
	reply2, err := tm.Query(ctx, q2)
	require.NoError(t, err)
	require.Len(t, reply2.Answer, 1)
}

func TestTcpMQueryCachesAnswer(t *testing.T) {
	addr := startEchoUpstream(t, false)
	cache, err := NewCache(CacheConfig{Size: MinCacheSize, Policy: DefaultTTLPolicy()}, func() int64 { return 1000 }, NewStats())
	require.NoError(t, err)
	defer cache.Close()

	tm := NewTcpM(TcpMConfig{Services: []string{addr}}, cache, NewStats())
	defer tm.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = tm.Query(ctx, q)
	require.NoError(t, err)

	answers, ok := cache.Fetch("example.com.", dns.TypeA, dns.ClassINET)
	require.True(t, ok)
	require.Len(t, answers, 1)
}

func TestTcpMQueryNoServicesConfigured(t *testing.T) {
	tm := NewTcpM(TcpMConfig{}, nil, NewStats())
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	_, err := tm.Query(context.Background(), q)
	require.Error(t, err)
}
