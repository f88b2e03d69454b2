package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/intercept"
	"github.com/rsclarke/tunegate/internal/logging"
)

// HostResolver looks up the addresses of a host.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DialerOptions configures how origin connections are dialed.
type DialerOptions struct {
	// ForceHost, when set, is the IP every in-scope host is dialed at.
	ForceHost string
	// Resolver, when set, resolves in-scope hosts instead of the system
	// resolver.
	Resolver HostResolver
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Dialer dials origin connections. In-scope hosts may be pinned to an
// address or resolved through a dedicated server; everything else uses the
// system resolver.
type Dialer struct {
	opts   DialerOptions
	net    *net.Dialer
	logger *zap.Logger
}

// NewDialer creates a Dialer.
func NewDialer(opts DialerOptions) *Dialer {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		opts:   opts,
		net:    &net.Dialer{Timeout: opts.Timeout, KeepAlive: 30 * time.Second},
		logger: logger,
	}
}

// DialContext dials addr ("host:port").
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || !intercept.InScopeHost(host) {
		return d.net.DialContext(ctx, network, addr)
	}

	if d.opts.ForceHost != "" {
		return d.net.DialContext(ctx, network, net.JoinHostPort(d.opts.ForceHost, port))
	}
	if d.opts.Resolver == nil {
		return d.net.DialContext(ctx, network, addr)
	}

	addrs, err := d.opts.Resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, ip := range addrs {
		conn, err := d.net.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		d.logger.Debug("dial failed", logging.Host(host), logging.Addr(ip), zap.Error(err))
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("dial %s: %w", addr, errors.Join(errs...))
}
