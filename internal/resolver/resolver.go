// Package resolver looks up origin addresses through an explicit DNS server,
// bypassing the system resolver and hosts file.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/logging"
)

// ErrNoAddress is returned when the server answers without any A or AAAA
// record for the name.
var ErrNoAddress = errors.New("no address records")

const (
	defaultTimeout = 5 * time.Second
	minTTL         = 30 * time.Second
)

type cached struct {
	addrs     []string
	expiresAt time.Time
}

// Resolver queries one DNS server and caches answers for their TTL.
type Resolver struct {
	server string
	udp    *dns.Client
	tcp    *dns.Client
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// New creates a Resolver for server, given as "ip" or "ip:port".
func New(server string, logger *zap.Logger) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		server: server,
		udp:    &dns.Client{Net: "udp", Timeout: defaultTimeout},
		tcp:    &dns.Client{Net: "tcp", Timeout: defaultTimeout},
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]cached),
	}
}

// Server returns the address queries are sent to.
func (r *Resolver) Server() string { return r.server }

// LookupHost returns the IPv4 addresses of host, or its IPv6 addresses when
// it has none. IP literals are returned unchanged.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	name := dns.Fqdn(strings.ToLower(host))

	r.mu.Lock()
	c, ok := r.cache[name]
	r.mu.Unlock()
	if ok && r.now().Before(c.expiresAt) {
		return c.addrs, nil
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, ttl, err := r.query(ctx, name, qtype)
		if err != nil {
			lastErr = err
			continue
		}
		if len(addrs) == 0 {
			continue
		}
		if ttl < minTTL {
			ttl = minTTL
		}
		r.mu.Lock()
		r.cache[name] = cached{addrs: addrs, expiresAt: r.now().Add(ttl)}
		r.mu.Unlock()
		r.logger.Debug("resolved",
			logging.Host(host),
			logging.Addr(addrs[0]),
			zap.Duration("ttl", ttl),
		)
		return addrs, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
	}
	return nil, fmt.Errorf("resolve %s: %w", host, ErrNoAddress)
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]string, time.Duration, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = true

	resp, _, err := r.udp.ExchangeContext(ctx, m, r.server)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, m, r.server)
	}
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("%s: rcode %s", dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
	}

	var (
		addrs []string
		ttl   time.Duration
	)
	for _, rr := range resp.Answer {
		var ip net.IP
		switch v := rr.(type) {
		case *dns.A:
			ip = v.A
		case *dns.AAAA:
			ip = v.AAAA
		default:
			continue
		}
		rrTTL := time.Duration(rr.Header().Ttl) * time.Second
		if ttl == 0 || rrTTL < ttl {
			ttl = rrTTL
		}
		addrs = append(addrs, ip.String())
	}
	return addrs, ttl, nil
}
