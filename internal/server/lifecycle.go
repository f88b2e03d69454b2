package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rsclarke/tunegate/internal/logging"
)

type ServerConfig struct {
	Addr              string
	Handler           http.Handler
	Logger            *zap.Logger
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig has no read or write timeout. Hijacked CONNECT
// connections keep the deadlines of the server that accepted them.
func DefaultServerConfig(addr string, handler http.Handler, logger *zap.Logger) ServerConfig {
	return ServerConfig{
		Addr:              addr,
		Handler:           handler,
		Logger:            logger,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

type ManagedServer struct {
	server   *http.Server
	logger   *zap.Logger
	name     string
	listener net.Listener
	errCh    chan error
}

func NewManagedServer(name string, cfg ServerConfig) *ManagedServer {
	errLog, _ := zap.NewStdLogAt(cfg.Logger, zapcore.ErrorLevel)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		ErrorLog:          errLog,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return &ManagedServer{
		server: srv,
		logger: cfg.Logger,
		name:   name,
		errCh:  make(chan error, 1),
	}
}

// Start binds the listen address and serves in the background. Bind errors
// are returned directly; later failures arrive on Err.
func (m *ManagedServer) Start() error {
	ln, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return fmt.Errorf("%s failed to start: %w", m.name, err)
	}
	m.listener = ln
	m.logger.Info("listening", zap.String("server", m.name), logging.Addr(ln.Addr().String()))

	go func() {
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.errCh <- err
		}
		close(m.errCh)
	}()
	return nil
}

// Addr is the bound address, valid after Start.
func (m *ManagedServer) Addr() string {
	if m.listener == nil {
		return m.server.Addr
	}
	return m.listener.Addr().String()
}

func (m *ManagedServer) Err() <-chan error { return m.errCh }

func (m *ManagedServer) Shutdown(ctx context.Context) {
	if m.listener == nil {
		return
	}
	if err := m.server.Shutdown(ctx); err != nil {
		m.logger.Warn("shutdown error", zap.String("server", m.name), zap.Error(err))
	}
}
