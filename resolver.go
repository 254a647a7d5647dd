package warden

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Resolver maps a hostname to a dialable IP address. The default
// resolver is the system one; a DNSResolver queries an explicit
// server instead, for setups where the proxy must not use the host's
// stub resolver.
type Resolver interface {
	Resolve(ctx context.Context, host string) (net.IP, error)
}

// DNSResolver resolves over plain DNS against a fixed server.
type DNSResolver struct {
	// Server is "host:port"; port 53 is implied when missing.
	Server string

	client *dns.Client
}

func NewDNSResolver(server string) *DNSResolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &DNSResolver{Server: server, client: new(dns.Client)}
}

func (r *DNSResolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		in, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
		if err != nil {
			return nil, fmt.Errorf("%w: dns query for %s: %v", ErrUpstreamUnreachable, host, err)
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				return a.A, nil
			case *dns.AAAA:
				return a.AAAA, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no address for %s", ErrUpstreamUnreachable, host)
}
