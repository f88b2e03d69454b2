package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/tunegate/internal/config"
	"github.com/rsclarke/tunegate/internal/gate"
	"github.com/rsclarke/tunegate/internal/intercept"
	"github.com/rsclarke/tunegate/internal/logging"
	"github.com/rsclarke/tunegate/internal/resolver"
	"github.com/rsclarke/tunegate/internal/server"
)

var serveFlags = config.Default()

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the intercepting proxy",
	Long: `Start the proxy listener.

Clients point their HTTP and HTTPS proxy at the listen address, or load
the PAC file from http://<address>/proxy.pac. HTTPS to NetEase API hosts
is decrypted with a local CA, which clients must trust; the certificate is
served at http://<address>/ca.crt. Every other host is tunneled unmodified.

Every flag can also be set through its TUNEGATE_* variable, for example
--min-br as TUNEGATE_MIN_BR. Flags win over the environment.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.IntVarP(&serveFlags.Port, "port", "p", serveFlags.Port, "port to listen on")
	f.StringVar(&serveFlags.Address, "address", serveFlags.Address, "address to listen on (empty for all interfaces)")
	f.StringVar(&serveFlags.Token, "token", "", `proxy credential as "user:password"`)
	f.BoolVar(&serveFlags.Strict, "strict", false, "refuse hosts no allow rule matches")
	f.StringSliceVar(&serveFlags.Allow, "allow", nil, "additional allow rule (regexp on the target URL)")
	f.StringSliceVar(&serveFlags.Deny, "deny", nil, "additional deny rule (regexp on the target URL)")
	f.IntVar(&serveFlags.MinBitrate, "min-br", 0, "mark streams below this bitrate as unplayable")
	f.StringVar(&serveFlags.Endpoint, "endpoint", "", "re-hosting endpoint replacement URLs are wrapped for")
	f.StringVar(&serveFlags.ForceHost, "force-host", "", "IP address NetEase hosts are dialed at")
	f.StringVar(&serveFlags.DNSServer, "dns-server", "", "DNS server used to resolve NetEase hosts")
	f.StringVar(&serveFlags.RealIP, "real-ip", "", "X-Real-IP sent with NetEase API requests")
	f.StringVar(&serveFlags.CertDir, "cert-dir", serveFlags.CertDir, "directory holding the MITM CA")
	f.BoolVar(&serveFlags.BlockAds, "block-ads", false, "refuse ad requests")
	f.BoolVar(&serveFlags.DisableUpgradeCheck, "disable-upgrade-check", false, "refuse client upgrade checks")
	f.BoolVar(&serveFlags.LocalVIP, "local-vip", false, "report a VIP account to the client")
	f.BoolVar(&serveFlags.LocalSVIP, "local-svip", false, "report an SVIP account to the client")
	addProviderFlags(f, serveFlags)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, serveFlags)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ca, created, err := server.LoadOrCreateCA(cfg.CertDir)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	logger.Info("mitm ca ready", zap.String("cert", ca.CertPath), zap.String("sha256", ca.Fingerprint()))
	if created {
		logger.Warn("generated a new CA, clients must trust it before HTTPS interception works", zap.String("cert", ca.CertPath))
	}

	rules, err := gate.Compile(cfg.Allow, cfg.Deny, cfg.Strict)
	if err != nil {
		return err
	}
	g, err := gate.New(gate.Options{Rules: rules, Token: cfg.Token, Logger: logger.Named("gate")})
	if err != nil {
		return err
	}

	var hosts server.HostResolver
	if cfg.DNSServer != "" {
		hosts = resolver.New(cfg.DNSServer, logger.Named("dns"))
	}
	dialer := server.NewDialer(server.DialerOptions{
		ForceHost: cfg.ForceHost,
		Resolver:  hosts,
		Logger:    logger.Named("dial"),
	})

	listenAddr := cfg.ListenAddr()
	local := &server.LocalHandler{
		ProxyAddr: advertisedAddr(listenAddr),
		CA:        ca,
		Logger:    logger.Named("local"),
	}

	proxy, err := server.NewProxy(server.Options{
		Gate: g,
		Classifier: intercept.NewClassifier(intercept.ClassifierOptions{
			BlockAds:            cfg.BlockAds,
			DisableUpgradeCheck: cfg.DisableUpgradeCheck,
			RealIP:              cfg.RealIP,
			Logger:              logger.Named("intercept"),
		}),
		Rewriter: intercept.NewRewriter(intercept.RewriterOptions{
			Resolver:   a.manager,
			MinBitrate: cfg.MinBitrate,
			Endpoint:   cfg.Endpoint,
			LocalVIP:   cfg.LocalVIP,
			LocalSVIP:  cfg.LocalSVIP,
			Logger:     logger.Named("intercept"),
		}),
		CA:            ca,
		Dialer:        dialer,
		UpstreamProxy: cfg.ProxyURL,
		Local:         local.Handler(),
		Logger:        logger.Named("proxy"),
	})
	if err != nil {
		return err
	}

	ms := server.NewManagedServer("proxy", server.DefaultServerConfig(listenAddr, proxy.Handler(), logger.Named("proxy")))
	if err := ms.Start(); err != nil {
		return err
	}
	logger.Info("proxy started",
		logging.Addr(ms.Addr()),
		zap.Strings("providers", a.manager.Providers()),
		zap.Bool("auth", cfg.Token != ""),
		zap.Bool("strict", cfg.Strict),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go a.janitor(ctx, purgeInterval)

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-ms.Err():
		if ok && err != nil {
			serveErr = fmt.Errorf("proxy server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ms.Shutdown(shutdownCtx)

	return serveErr
}

// advertisedAddr is the address written into the PAC file for clients whose
// request carries no Host header.
func advertisedAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
