package dnsforwarder

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// defaultSendTimeout and defaultRecvTimeout are the per-operation wall-clock ceilings,
// matching TcpM_SendWrapper/TcpM_RecvWrapper's hardcoded 2000ms in the
// original.
const (
	defaultSendTimeout = 2 * time.Second
	defaultRecvTimeout = 2 * time.Second
)

// TcpMConfig carries the construction-time options spec.md §6 lists for
// the upstream manager component.
type TcpMConfig struct {
	Services     []string // "host:port" upstream addresses
	SocksProxies []string // optional, one per service (same index), "" for none
	Parallel     bool     // broadcast every query to all services
	KeepAlive    bool     // reuse one persistent connection per service
	SendTimeout  time.Duration
	RecvTimeout  time.Duration
}

// TcpM manages TCP connections to a set of upstream DNS servers, sending
// queries and correlating replies by qid plus question hash, with a
// single retry when a keep-alive connection is closed by the peer mid-query.
type TcpM struct {
	cfg      TcpMConfig
	cache    *Cache
	stats    *Stats
	filter   *IPFilter
	managers []*connManager
	addrs    *AddrList
}

// NewTcpM builds a TcpM from cfg. cache may be nil if replies should not
// be cached. No IP filter is installed, so every answer is accepted until
// SetIPFilter is called.
func NewTcpM(cfg TcpMConfig, cache *Cache, stats *Stats) *TcpM {
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.RecvTimeout == 0 {
		cfg.RecvTimeout = defaultRecvTimeout
	}
	t := &TcpM{cfg: cfg, cache: cache, stats: stats, addrs: NewAddrList(cfg.Services)}
	for i, svc := range cfg.Services {
		var proxy string
		if i < len(cfg.SocksProxies) {
			proxy = cfg.SocksProxies[i]
		}
		t.managers = append(t.managers, newConnManager(svc, proxy, cfg))
	}
	return t
}

// SetIPFilter installs the classification filter used to discard
// filtered/negative-result answers before they reach the cache or caller.
func (t *TcpM) SetIPFilter(f *IPFilter) { t.filter = f }

// Query sends q to the configured upstream(s) and returns the first
// accepted reply. When Parallel is set, the query is broadcast to every
// manager and the first successful, non-filtered reply wins; the rest are
// left to complete and are simply ignored. Without Parallel only the
// current upstream of the rotation is tried. When the tried upstream(s)
// all fail (timeout, dial failure or closed connection), the query is
// recorded as refused and a QueryTimeoutError is returned, matching
// spec.md §7's "no upstream succeeded within the timeout" sweep outcome;
// an answer rejected by the IP filter is returned as BlockedAnswerError
// instead.
func (t *TcpM) Query(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if len(t.managers) == 0 {
		return nil, fmt.Errorf("no upstream services configured")
	}

	var (
		reply *dns.Msg
		err   error
	)
	if !t.cfg.Parallel {
		mgr := t.managers[t.currentIndex()]
		reply, err = t.queryOne(ctx, mgr, q)
	} else {
		reply, err = t.queryBroadcast(ctx, q)
	}
	if err != nil {
		if _, blocked := err.(BlockedAnswerError); blocked {
			return nil, err
		}
		if t.stats != nil {
			t.stats.Add(StatRefused)
		}
		if len(q.Question) > 0 {
			return nil, QueryTimeoutError{Name: q.Question[0].Name, Qtype: q.Question[0].Qtype}
		}
		return nil, err
	}
	return reply, nil
}

func (t *TcpM) currentIndex() int {
	cur := t.addrs.Current()
	for i, m := range t.managers {
		if m.addr == cur {
			return i
		}
	}
	return 0
}

func (t *TcpM) queryOne(ctx context.Context, mgr *connManager, q *dns.Msg) (*dns.Msg, error) {
	reply, err := mgr.send(ctx, q)
	if err != nil {
		t.addrs.Advance()
		return nil, err
	}
	return t.accept(q, reply, mgr.addr)
}

func (t *TcpM) queryBroadcast(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	type result struct {
		reply *dns.Msg
		addr  string
		err   error
	}
	ch := make(chan result, len(t.managers))
	for _, mgr := range t.managers {
		go func(m *connManager) {
			reply, err := m.send(ctx, q)
			ch <- result{reply: reply, addr: m.addr, err: err}
		}(mgr)
	}
	var firstErr, blockedErr error
	for range t.managers {
		r := <-ch
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		accepted, err := t.accept(q, r.reply, r.addr)
		if err == nil {
			return accepted, nil
		}
		blockedErr = err
	}
	if firstErr == nil {
		firstErr = blockedErr
	}
	return nil, firstErr
}

// accept classifies and caches a reply, matching the original's
// IPMiscMapping_Process + DNSCache_AddItemsToCache call sites in
// TcpM_Works.
func (t *TcpM) accept(q, reply *dns.Msg, upstream string) (*dns.Msg, error) {
	verdict := t.filter.Classify(reply)
	if verdict != IPVerdictAccept {
		if t.stats != nil {
			t.stats.Add(StatBlocked)
		}
		return nil, BlockedAnswerError{Addr: upstream, Verdict: verdict}
	}
	if t.cache != nil && len(q.Question) > 0 {
		t.cache.AddItems(q.Question[0].Name, reply.Answer, true)
	}
	if t.stats != nil {
		t.stats.Add(StatTCP)
	}
	Log.WithFields(tcpFields(qName(reply), upstream)).Debug("resolved via upstream")
	return reply, nil
}

func qName(m *dns.Msg) string {
	if m == nil || len(m.Question) == 0 {
		return "?"
	}
	return m.Question[0].Name
}

// connManager owns the network connection(s) to a single upstream
// service, redesigned around goroutines and net.Conn deadlines rather
// than the original's hand-rolled non-blocking select loop (sanctioned by
// the source material's own suggestion that a Go port would do this with
// channels instead of a state machine). In keep-alive mode a single
// background goroutine owns all reads off the shared connection and
// dispatches each reply to its waiting caller by qid, so sendOnce never
// races another caller for bytes off the wire.
type connManager struct {
	addr string
	dial func() (net.Conn, error)
	cfg  TcpMConfig

	mu      sync.Mutex
	conn    net.Conn
	queried int // queries served by the current conn generation; 0 when conn is nil

	pending   map[uint16]*moduleContext
	pendingMu sync.Mutex
}

func newConnManager(addr, proxy string, cfg TcpMConfig) *connManager {
	dial := func() (net.Conn, error) {
		return net.DialTimeout("tcp", addr, cfg.SendTimeout)
	}
	if proxy != "" {
		d := NewSocks5Dialer(proxy, Socks5DialerOptions{Timeout: cfg.SendTimeout})
		dial = func() (net.Conn, error) { return d.Dial(addr) }
	}
	return &connManager{
		addr:    addr,
		dial:    dial,
		cfg:     cfg,
		pending: make(map[uint16]*moduleContext),
	}
}

// send transmits q and waits for its correlated reply, retrying once if a
// keep-alive connection turns out to have been closed by the peer — but
// only when that connection had already proven itself live by serving at
// least one prior query (queried > 1 at the moment of failure). A
// freshly dialed connection's first failure is a genuine error, not a
// stale-keepalive symptom, and is never retried.
func (m *connManager) send(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	mctx := newModuleContext(q)

	for attempt := 0; attempt < 2; attempt++ {
		reply, queried, err := m.sendOnce(ctx, q, mctx)
		if err == nil {
			return reply, nil
		}
		if _, closed := err.(ServerClosedError); closed && queried > 1 {
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("exhausted retries against %s", m.addr)
}

// sendOnce sends q over this manager's connection and returns the reply
// alongside queried: the number of queries (including this one) the
// connection generation used for this attempt has now served.
func (m *connManager) sendOnce(ctx context.Context, q *dns.Msg, mctx *moduleContext) (*dns.Msg, int, error) {
	conn, fresh, queried, err := m.getConn()
	if err != nil {
		return nil, queried, err
	}

	m.pendingMu.Lock()
	m.pending[mctx.qid] = mctx
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, mctx.qid)
		m.pendingMu.Unlock()
	}()

	if err := writeMsg(conn, q, m.cfg.SendTimeout); err != nil {
		m.dropConn(conn)
		return nil, queried, ServerClosedError{Addr: m.addr}
	}

	if !m.cfg.KeepAlive {
		defer conn.Close()
		reply, err := readMsg(conn, m.cfg.RecvTimeout)
		if err != nil {
			return nil, queried, ServerClosedError{Addr: m.addr}
		}
		return reply, queried, nil
	}

	if fresh {
		go m.readLoop(conn)
	}

	select {
	case r := <-mctx.replyCh:
		return r.msg, queried, r.err
	case <-ctx.Done():
		return nil, queried, ctx.Err()
	}
}

// readLoop is the sole reader of a shared keep-alive connection. It
// dispatches every reply to its waiting caller by qid, and on any read
// failure fails every still-pending caller with ServerClosedError so each
// can decide independently whether to retry.
func (m *connManager) readLoop(conn net.Conn) {
	for {
		reply, err := readMsg(conn, 0)
		if err != nil {
			m.dropConn(conn)
			m.broadcastError(ServerClosedError{Addr: m.addr})
			return
		}
		m.pendingMu.Lock()
		owner, ok := m.pending[reply.Id]
		m.pendingMu.Unlock()
		if ok && owner.matches(reply) {
			owner.replyCh <- &tcpmResult{msg: reply}
		}
	}
}

func (m *connManager) broadcastError(err error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	for _, c := range m.pending {
		select {
		case c.replyCh <- &tcpmResult{err: err}:
		default:
		}
	}
}

// getConn returns the connection to use, whether it was just dialed
// (fresh), and the query count that connection generation has now served
// (including the query about to be sent on it).
func (m *connManager) getConn() (conn net.Conn, fresh bool, queried int, err error) {
	if !m.cfg.KeepAlive {
		c, err := m.dial()
		return c, true, 1, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.queried++
		return m.conn, false, m.queried, nil
	}
	c, err := m.dial()
	if err != nil {
		return nil, false, 0, err
	}
	m.conn = c
	m.queried = 1
	return c, true, m.queried, nil
}

func (m *connManager) dropConn(c net.Conn) {
	c.Close()
	if m.cfg.KeepAlive {
		m.mu.Lock()
		if m.conn == c {
			m.conn = nil
			m.queried = 0
		}
		m.mu.Unlock()
	}
}

// writeMsg packs q and writes it with a 2-byte big-endian length prefix,
// matching DNSSetTcpLength's wire framing.
func writeMsg(conn net.Conn, q *dns.Msg, timeout time.Duration) error {
	packed, err := q.Pack()
	if err != nil {
		return err
	}
	if len(packed) > 0xFFFF {
		return fmt.Errorf("message too large for TCP framing: %d bytes", len(packed))
	}
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(packed)))

	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err = conn.Write(packed)
	return err
}

// readMsg reads one length-prefixed DNS message off conn.
func readMsg(conn net.Conn, timeout time.Duration) (*dns.Msg, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
	var prefix [2]byte
	if _, err := ioReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(prefix[:])
	body := make([]byte, n)
	if _, err := ioReadFull(conn, body); err != nil {
		return nil, err
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, err
	}
	return msg, nil
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
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

// Close tears down every persistent connection.
func (t *TcpM) Close() {
	for _, m := range t.managers {
		m.mu.Lock()
		if m.conn != nil {
			m.conn.Close()
			m.conn = nil
		}
		m.mu.Unlock()
	}
}
