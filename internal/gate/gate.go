// Package gate decides whether a proxied connection is tunnelled, decrypted
// or refused.
package gate

import (
	"fmt"
	"net"
	"net/http"
	"regexp"

	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/auth"
	"github.com/rsclarke/tunegate/internal/intercept"
	"github.com/rsclarke/tunegate/internal/logging"
)

// Decision is the outcome of admitting one connection.
type Decision int

const (
	// Tunnel passes the connection through opaquely.
	Tunnel Decision = iota
	// Decrypt terminates TLS so the session can be classified.
	Decrypt
	// DenyAuth refuses a connection with missing or wrong credentials.
	DenyAuth
	// DenyFiltered refuses a connection rejected by the rules.
	DenyFiltered
)

func (d Decision) String() string {
	switch d {
	case Tunnel:
		return "tunnel"
	case Decrypt:
		return "decrypt"
	case DenyAuth:
		return "deny_auth"
	case DenyFiltered:
		return "deny_filtered"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Allowed reports whether the connection may proceed.
func (d Decision) Allowed() bool {
	return d == Tunnel || d == Decrypt
}

// StatusCode is the HTTP status a denial is answered with, or 0 when the
// connection is allowed.
func (d Decision) StatusCode() int {
	switch d {
	case DenyAuth:
		return http.StatusProxyAuthRequired
	case DenyFiltered:
		return http.StatusForbidden
	default:
		return 0
	}
}

// Realm is the Basic realm sent with 407 challenges.
const Realm = "tunegate"

// Options configures a Gate.
type Options struct {
	Rules *Rules
	// Token is the "user:password" credential clients must present. Empty
	// disables authentication.
	Token  string
	Logger *zap.Logger
}

// Gate applies credentials and rules to CONNECT and plain HTTP requests.
type Gate struct {
	rules    *Rules
	verifier *auth.Verifier
	logger   *zap.Logger
}

// New creates a Gate. It fails only on a malformed token.
func New(opts Options) (*Gate, error) {
	g := &Gate{rules: opts.Rules, logger: opts.Logger}
	if g.rules == nil {
		g.rules = &Rules{}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if opts.Token != "" {
		v, err := auth.NewVerifier(opts.Token)
		if err != nil {
			return nil, fmt.Errorf("proxy token: %w", err)
		}
		g.verifier = v
	}
	return g, nil
}

// Connect decides a CONNECT to host ("name:port"). proxyAuth is the raw
// Proxy-Authorization header value.
func (g *Gate) Connect(host, proxyAuth string) Decision {
	name, port, err := net.SplitHostPort(host)
	if err != nil {
		name, port = host, "443"
	}
	target := "https://" + net.JoinHostPort(name, port)
	d := g.decide(target, name, proxyAuth)
	g.logger.Debug("connect",
		logging.Host(host),
		logging.Decision(d.String()),
	)
	return d
}

// Admit decides a plain HTTP request for an absolute URL.
func (g *Gate) Admit(rawURL, host, proxyAuth string) Decision {
	d := g.decide(rawURL, host, proxyAuth)
	g.logger.Debug("admit",
		logging.Host(host),
		logging.Decision(d.String()),
	)
	return d
}

func (g *Gate) decide(target, host, proxyAuth string) Decision {
	if g.verifier != nil && !g.verifier.Verify(proxyAuth) {
		return DenyAuth
	}
	if !g.rules.Permit(target) {
		return DenyFiltered
	}
	if intercept.InScopeHost(host) {
		return Decrypt
	}
	return Tunnel
}

// Built-in patterns match the whole host of "scheme://host[:port][/path]"
// so a suffix such as music.163.com.example.net never qualifies.
const (
	hostStart = `^\w+://`
	hostEnd   = `(?::\d+)?(?:[/?#]|$)`
)

// DefaultAllow are the service hosts that are always allowed.
var DefaultAllow = []string{
	hostStart + `[\w.]*music\.126\.net` + hostEnd,
	hostStart + `[\w.]*vod\.126\.net` + hostEnd,
	hostStart + `acstatic-dun\.126\.net` + hostEnd,
	hostStart + `[\w.]*\.netease\.com` + hostEnd,
	hostStart + `[\w.]*\.163yun\.com` + hostEnd,
	hostStart + `(?:interface3?|apm3?)\.music\.163\.com` + hostEnd,
	hostStart + `music\.163\.com` + hostEnd,
}

// DefaultDeny keeps the proxy from being used to reach the local machine.
var DefaultDeny = []string{
	hostStart + `127\.\d+\.\d+\.\d+` + hostEnd,
	hostStart + `localhost` + hostEnd,
}

// Rules holds ordered allow and deny patterns.
type Rules struct {
	Allow  []*regexp.Regexp
	Deny   []*regexp.Regexp
	Strict bool
}

// Compile builds Rules from the default lists followed by the user patterns.
func Compile(allow, deny []string, strict bool) (*Rules, error) {
	r := &Rules{Strict: strict}
	var err error
	if r.Allow, err = compileAll(append(append([]string{}, DefaultAllow...), allow...)); err != nil {
		return nil, fmt.Errorf("allow rule: %w", err)
	}
	if r.Deny, err = compileAll(append(append([]string{}, DefaultDeny...), deny...)); err != nil {
		return nil, fmt.Errorf("deny rule: %w", err)
	}
	return r, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Permit reports whether target passes the rules. Deny patterns are only
// consulted when no allow pattern matches.
func (r *Rules) Permit(target string) bool {
	if matchAny(r.Allow, target) {
		return true
	}
	if r.Strict {
		return false
	}
	return !matchAny(r.Deny, target)
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
