package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/NodePath81/netspector/internal/config"
)

// Resolver resolves probe targets, optionally through a fixed set of DNS
// servers, and picks one address according to the configured strategy.
type Resolver struct {
	resolver *net.Resolver
	servers  []string
	strategy string
	next     uint32
}

func NewResolver(cfg config.DNSConfig) *Resolver {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = config.DNSStrategyIPv4Only
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, server := range cfg.Servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
		servers = append(servers, server)
	}
	r := &Resolver{servers: servers, strategy: strategy}
	if len(servers) == 0 {
		r.resolver = net.DefaultResolver
		return r
	}
	r.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			idx := atomic.AddUint32(&r.next, 1)
			server := r.servers[int(idx)%len(r.servers)]
			d := net.Dialer{Timeout: 2 * time.Second}
			return d.DialContext(ctx, "udp", server)
		},
	}
	return r
}

func (r *Resolver) ResolveHost(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if addr.IP != nil {
			ips = append(ips, addr.IP)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs resolved for %s", host)
	}
	return ips, nil
}

// Resolve returns the single address a probe should use for host.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	ips, err := r.ResolveHost(ctx, host)
	if err != nil {
		return nil, err
	}
	ip := pick(ips, r.strategy)
	if ip == nil {
		return nil, fmt.Errorf("no usable address for %s under %s", host, r.strategy)
	}
	return ip, nil
}

func pick(ips []net.IP, strategy string) net.IP {
	var v4, v6 net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			if v4 == nil {
				v4 = ip
			}
		} else if v6 == nil {
			v6 = ip
		}
	}
	switch strategy {
	case config.DNSStrategyPreferV6:
		if v6 != nil {
			return v6
		}
		return v4
	default:
		if v4 != nil {
			return v4
		}
		// A literal IPv6 target is still honoured.
		if len(ips) == 1 {
			return v6
		}
		return nil
	}
}
