// Package server wires the intercepting forward proxy and the endpoints it
// serves for itself.
package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/tunegate/internal/auth"
	"github.com/rsclarke/tunegate/internal/gate"
	"github.com/rsclarke/tunegate/internal/intercept"
	"github.com/rsclarke/tunegate/internal/logging"
)

// Options configures a Proxy.
type Options struct {
	Gate       *gate.Gate
	Classifier *intercept.Classifier
	Rewriter   *intercept.Rewriter
	CA         *CA
	Dialer     *Dialer
	// UpstreamProxy chains every origin connection through an http or https
	// proxy.
	UpstreamProxy string
	// Local serves requests addressed to the proxy itself.
	Local  http.Handler
	Logger *zap.Logger
}

// Proxy is the intercepting forward proxy.
type Proxy struct {
	proxy      *goproxy.ProxyHttpServer
	gate       *gate.Gate
	classifier *intercept.Classifier
	rewriter   *intercept.Rewriter
	mitm       *goproxy.ConnectAction
	logger     *zap.Logger
}

// tunnel is stored in the CONNECT context; every request read from a
// decrypted tunnel inherits it.
type tunnel struct {
	host     string
	decision gate.Decision
}

// NewProxy builds the goproxy handler chain.
func NewProxy(opts Options) (*Proxy, error) {
	if opts.Gate == nil || opts.Classifier == nil || opts.Rewriter == nil {
		return nil, errors.New("proxy: gate, classifier and rewriter are required")
	}
	if opts.CA == nil {
		return nil, errors.New("proxy: CA is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewDialer(DialerOptions{Logger: logger})
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Logger = goproxyLogger{logger: logger}
	gp.Verbose = logger.Core().Enabled(zapcore.DebugLevel)
	gp.CertStore = newCertCache()
	gp.KeepAcceptEncoding = true
	gp.Tr = &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}
	gp.ConnectDial = nil
	if opts.UpstreamProxy != "" {
		u, err := url.Parse(opts.UpstreamProxy)
		if err != nil {
			return nil, fmt.Errorf("upstream proxy: %w", err)
		}
		dial := gp.NewConnectDialToProxy(opts.UpstreamProxy)
		if dial == nil {
			return nil, fmt.Errorf("upstream proxy: unsupported scheme %q", u.Scheme)
		}
		gp.Tr.Proxy = http.ProxyURL(u)
		gp.ConnectDial = dial
	}
	if opts.Local != nil {
		gp.NonproxyHandler = opts.Local
	}

	p := &Proxy{
		proxy:      gp,
		gate:       opts.Gate,
		classifier: opts.Classifier,
		rewriter:   opts.Rewriter,
		mitm: &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(&opts.CA.Cert),
		},
		logger: logger,
	}
	gp.OnRequest().HandleConnectFunc(p.onConnect)
	gp.OnRequest().DoFunc(p.onRequest)
	gp.OnResponse().DoFunc(p.onResponse)
	return p, nil
}

// Handler returns the proxy as an http.Handler.
func (p *Proxy) Handler() http.Handler { return p.proxy }

func (p *Proxy) onConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	d := p.gate.Connect(host, ctx.Req.Header.Get("Proxy-Authorization"))
	ctx.UserData = &tunnel{host: host, decision: d}

	switch d {
	case gate.Decrypt:
		return p.mitm, host
	case gate.Tunnel:
		return goproxy.OkConnect, host
	default:
		p.logger.Info("connect denied",
			logging.Host(host),
			logging.RemoteAddr(ctx.Req.RemoteAddr),
			logging.Decision(d.String()),
		)
		ctx.Resp = denial(ctx.Req, d)
		return goproxy.RejectConnect, host
	}
}

func (p *Proxy) onRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if _, ok := ctx.UserData.(*tunnel); !ok {
		d := p.gate.Admit(req.URL.String(), req.URL.Hostname(), req.Header.Get("Proxy-Authorization"))
		if !d.Allowed() {
			p.logger.Info("request denied",
				logging.Host(req.URL.Host),
				logging.RemoteAddr(req.RemoteAddr),
				logging.Decision(d.String()),
			)
			return req, denial(req, d)
		}
	}
	auth.StripProxyHeaders(req.Header)

	if p.classifier.Blocked(req) {
		p.logger.Debug("request blocked", logging.Host(req.URL.Host), logging.Path(req.URL.Path))
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, http.StatusForbidden, "blocked")
	}

	if s := p.classifier.Classify(req); s != nil {
		ctx.UserData = s
		p.logger.Debug("intercepted",
			logging.Session(s.ID),
			logging.Host(s.Host),
			logging.Path(s.Path),
			logging.Variant(s.Variant.String()),
		)
	}
	return req, nil
}

func (p *Proxy) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	s, ok := ctx.UserData.(*intercept.Session)
	if !ok || resp == nil {
		return resp
	}
	if err := p.rewriter.RewriteResponse(ctx.Req.Context(), s, resp); err != nil {
		p.logger.Debug("response passed through",
			logging.Session(s.ID),
			logging.Path(s.Path),
			zap.Error(err),
		)
	}
	return resp
}

func denial(req *http.Request, d gate.Decision) *http.Response {
	status := d.StatusCode()
	resp := goproxy.NewResponse(req, goproxy.ContentTypeText, status, http.StatusText(status))
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	if d == gate.DenyAuth {
		auth.Challenge(resp.Header, gate.Realm)
	}
	return resp
}

// goproxyLogger adapts goproxy's printf logging to zap.
type goproxyLogger struct {
	logger *zap.Logger
}

func (l goproxyLogger) Printf(format string, v ...any) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if strings.Contains(msg, "WARN: ") {
		l.logger.Warn(msg)
		return
	}
	l.logger.Debug(msg)
}
