package tunnel

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
)

// Resolver turns tunnel target hostnames into IPs. With upstream servers
// configured it queries them directly (A then AAAA), falling back to the
// system resolver; without servers it is a plain net.LookupIP. A short
// positive cache keeps repeated tunnels to the same host cheap.
type Resolver struct {
	servers  []string
	timeout  time.Duration
	cacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ips     []net.IP
	expires time.Time
}

// NewResolver normalizes server addresses ("1.1.1.1" becomes "1.1.1.1:53").
func NewResolver(servers []string) *Resolver {
	var norm []string
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		norm = append(norm, s)
	}
	return &Resolver{
		servers:  norm,
		timeout:  3 * time.Second,
		cacheTTL: 30 * time.Second,
		cache:    make(map[string]cacheEntry),
	}
}

// Resolve returns at least one IP for host, or an error. Literal IPs pass
// through untouched.
func (r *Resolver) Resolve(host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mu.Lock()
	if ce, ok := r.cache[host]; ok && time.Now().Before(ce.expires) {
		ips := append([]net.IP(nil), ce.ips...)
		r.mu.Unlock()
		return ips, nil
	}
	r.mu.Unlock()

	var ips []net.IP
	for _, server := range r.servers {
		ips = r.queryOne(host, server)
		if len(ips) > 0 {
			break
		}
	}
	if len(ips) == 0 {
		sys, err := net.LookupIP(host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		ips = sys
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{ips: ips, expires: time.Now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return ips, nil
}

func (r *Resolver) queryOne(host, server string) []net.IP {
	client := &mdns.Client{Timeout: r.timeout}
	var out []net.IP

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		msg := new(mdns.Msg)
		msg.SetQuestion(mdns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		resp, _, err := client.Exchange(msg, server)
		if err != nil || resp == nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *mdns.A:
				out = append(out, a.A)
			case *mdns.AAAA:
				out = append(out, a.AAAA)
			}
		}
		if qtype == mdns.TypeA && len(out) > 0 {
			break
		}
	}
	return out
}
