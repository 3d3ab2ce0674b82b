package dnsforwarder

import (
	"hash/fnv"

	"github.com/miekg/dns"
)

// moduleContext correlates one in-flight upstream query with its caller,
// matching the original's per-query bookkeeping in tcpm.c: the qid plus a
// hash of the question (name/type/class) identifies a reply unambiguously
// even when a shared connection is multiplexing many outstanding queries.
//
// The retry-once-on-keepalive-close rule is NOT tracked here: spec.md §4.8
// places the queried count on the connection (TcpContext), not the
// query, since the decision to retry depends on whether the connection
// itself has already proven live by serving a prior query, not on how
// many times this particular query has been attempted. See connManager.
type moduleContext struct {
	qid     uint16
	hash    uint64
	name    string
	qtype   uint16
	qclass  uint16
	replyCh chan *tcpmResult
}

// tcpmResult is what a connection manager hands back to the caller.
type tcpmResult struct {
	msg *dns.Msg
	err error
}

// questionHash combines name/type/class into a single correlation value,
// standing in for the original's raw qid match plus payload memcmp.
func questionHash(name string, qtype, qclass uint16) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	h.Write([]byte{byte(qtype >> 8), byte(qtype), byte(qclass >> 8), byte(qclass)})
	return h.Sum64()
}

func newModuleContext(q *dns.Msg) *moduleContext {
	question := q.Question[0]
	return &moduleContext{
		qid:     q.Id,
		hash:    questionHash(question.Name, question.Qtype, question.Qclass),
		name:    question.Name,
		qtype:   question.Qtype,
		qclass:  question.Qclass,
		replyCh: make(chan *tcpmResult, 1),
	}
}

// matches reports whether a reply message correlates to this context.
func (c *moduleContext) matches(reply *dns.Msg) bool {
	if reply.Id != c.qid || len(reply.Question) == 0 {
		return false
	}
	q := reply.Question[0]
	return questionHash(q.Name, q.Qtype, q.Qclass) == c.hash
}
