package dnsforwarder

import (
	"fmt"
	"net"
	"time"

	"github.com/txthinking/socks5"
)

// Socks5Dialer dials upstream TCP connections through a SOCKS5 front
// socket, grounded on the same txthinking/socks5 client the teacher's
// socks5.go resolver wraps, adapted here to TcpM's plain net.Conn dial
// interface instead of a DNS resolver.
type Socks5Dialer struct {
	proxyAddr string
	username  string
	password  string
	timeout   time.Duration
}

// Socks5DialerOptions configures a Socks5Dialer.
type Socks5DialerOptions struct {
	Username string
	Password string
	Timeout  time.Duration
}

// NewSocks5Dialer returns a dialer that negotiates the given SOCKS5 proxy
// before connecting to the final upstream address.
func NewSocks5Dialer(proxyAddr string, opt Socks5DialerOptions) *Socks5Dialer {
	if opt.Timeout == 0 {
		opt.Timeout = 2 * time.Second
	}
	return &Socks5Dialer{
		proxyAddr: proxyAddr,
		username:  opt.Username,
		password:  opt.Password,
		timeout:   opt.Timeout,
	}
}

// Dial negotiates the proxy and returns a connection to addr ("host:port").
func (d *Socks5Dialer) Dial(addr string) (net.Conn, error) {
	client, err := socks5.NewClient(d.proxyAddr, d.username, d.password, int(d.timeout.Seconds()), int(d.timeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("socks5 client for %s: %w", d.proxyAddr, err)
	}
	conn, err := client.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 dial via %s to %s: %w", d.proxyAddr, addr, err)
	}
	return conn, nil
}
