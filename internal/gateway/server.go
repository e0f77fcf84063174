package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/bankgate/internal/config"
	"github.com/wudi/bankgate/internal/logging"
)

// ShutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
const ShutdownTimeout = 30 * time.Second

// Server wraps the gateway with the public and admin listeners.
type Server struct {
	gateway     *Gateway
	httpServer  *http.Server
	adminServer *http.Server
	config      *config.Config
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	gw, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}

	s := &Server{
		gateway: gw,
		config:  cfg,
		httpServer: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           gw.Handler(),
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
			ErrorLog:          zap.NewStdLog(logging.Global()),
		},
	}

	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:              cfg.Admin.Address,
			Handler:           gw.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
		}
	}

	return s, nil
}

// Gateway returns the underlying gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Start binds both listeners and serves in the background. Bind errors are
// returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	if err := s.gateway.Start(ctx); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		adminLn, err = net.Listen("tcp", s.adminServer.Addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("admin listen %s: %w", s.adminServer.Addr, err)
		}
	}

	go s.serve(s.httpServer, ln, "gateway")
	if adminLn != nil {
		go s.serve(s.adminServer, adminLn, "admin")
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	logging.Info("listener started", zap.String("listener", name), zap.String("address", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		logging.Error("listener stopped", zap.String("listener", name), zap.Error(err))
	}
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts down
// gracefully.
func (s *Server) Run() error {
	if err := s.Start(context.Background()); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logging.Info("shutting down gracefully", zap.String("signal", sig.String()))
	return s.Shutdown(ShutdownTimeout)
}

// Shutdown drains in-flight requests, then releases gateway resources.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("admin server shutdown error", zap.Error(err))
		}
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("gateway server shutdown error", zap.Error(err))
	}

	if err := s.gateway.Close(); err != nil {
		logging.Error("gateway close error", zap.Error(err))
		return err
	}

	logging.Info("server shutdown complete")
	return nil
}
