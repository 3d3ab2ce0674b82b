package dnsforwarder

import "fmt"

// QueryTimeoutError is returned by TcpM.Query when no upstream it tried
// produced a reply: a timeout, a failed dial and a closed connection all
// end this way.
type QueryTimeoutError struct {
	Name  string
	Qtype uint16
}

func (e QueryTimeoutError) Error() string {
	return fmt.Sprintf("query for '%s' (type %d) timed out", e.Name, e.Qtype)
}

// ServerClosedError is returned when an upstream closes a keep-alive
// connection before answering; TcpM retries such a failure once, and only
// when the connection had already served an earlier query.
type ServerClosedError struct {
	Addr string
}

func (e ServerClosedError) Error() string {
	return fmt.Sprintf("upstream %s closed the connection", e.Addr)
}

// BlockedAnswerError is returned when an upstream's reply is rejected by
// the configured IP filter rather than lost or timed out; callers should
// not treat it as a refused/timeout outcome.
type BlockedAnswerError struct {
	Addr    string
	Verdict IPVerdict
}

func (e BlockedAnswerError) Error() string {
	return fmt.Sprintf("answer from %s rejected (verdict %d)", e.Addr, e.Verdict)
}
