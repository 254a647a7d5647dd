package warden

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// upstream retry schedule: one immediate attempt plus two retries,
// all within the 500 ms budget.
var upstreamRetryDelays = []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}

type upstreamConn struct {
	conn net.Conn
	br   *bufio.Reader
}

func (u *upstreamConn) Close() error {
	return u.conn.Close()
}

// connectUpstream opens a fresh origin connection: plain TCP for http,
// TLS with SNI and system-trust hostname verification for https. The
// local root plays no part in the upstream leg.
func (p *Proxy) connectUpstream(ctx context.Context, scheme, host string, port int) (*upstreamConn, error) {
	addrHost := host
	if p.resolver != nil {
		ip, err := p.resolver.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		addrHost = ip.String()
	}
	addr := net.JoinHostPort(addrHost, strconv.Itoa(port))

	var (
		conn net.Conn
		err  error
	)
	for _, delay := range upstreamRetryDelays {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, ctx.Err())
			case <-time.After(delay):
			}
		}
		dialer := &net.Dialer{Timeout: p.cfg.DialTimeout}
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnreachable, addr, err)
	}

	if scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrUpstreamTLS, host, err)
		}
		conn = tlsConn
	}

	return &upstreamConn{conn: conn, br: bufio.NewReaderSize(conn, 32<<10)}, nil
}
