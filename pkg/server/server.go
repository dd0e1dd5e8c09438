package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"mercator-hq/meridian/pkg/config"
	"mercator-hq/meridian/pkg/gateway"
)

// Server serves the proxy listener and, when configured, a separate admin
// listener for one gateway runtime.
type Server struct {
	config  config.GatewayConfig
	runtime *gateway.Runtime
	logger  *slog.Logger

	proxy *http.Server
	admin *http.Server

	mu        sync.RWMutex
	running   bool
	proxyAddr net.Addr
	adminAddr net.Addr

	ready        chan struct{}
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// New creates a server for rt.
func New(cfg config.GatewayConfig, rt *gateway.Runtime, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:       cfg,
		runtime:      rt,
		logger:       logger.With("component", "server"),
		ready:        make(chan struct{}),
		shutdownChan: make(chan struct{}),
	}
}

// Start starts the runtime and the listeners, then blocks until ctx is
// cancelled, SIGINT or SIGTERM arrives, Shutdown is called or a listener
// fails. In-flight requests get ShutdownTimeout to finish; the runtime is
// closed before Start returns.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.runtime.Start(ctx); err != nil {
		s.closeRuntime()
		return err
	}

	proxyLn, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		s.closeRuntime()
		return fmt.Errorf("listen on %s: %w", s.config.ListenAddress, err)
	}
	s.proxy = s.httpServer(s.runtime.Handler())

	var adminLn net.Listener
	if s.config.AdminAddress != "" {
		adminLn, err = net.Listen("tcp", s.config.AdminAddress)
		if err != nil {
			_ = proxyLn.Close()
			s.closeRuntime()
			return fmt.Errorf("listen on %s: %w", s.config.AdminAddress, err)
		}
		s.admin = s.httpServer(s.runtime.AdminHandler())
	}

	s.mu.Lock()
	s.proxyAddr = proxyLn.Addr()
	if adminLn != nil {
		s.adminAddr = adminLn.Addr()
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting proxy listener", "address", proxyLn.Addr().String())
		return serve(s.proxy, proxyLn)
	})
	if adminLn != nil {
		g.Go(func() error {
			s.logger.Info("starting admin listener", "address", adminLn.Addr().String())
			return serve(s.admin, adminLn)
		})
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			if ctx.Err() != nil {
				s.logger.Info("shutdown signal received")
			}
		case <-s.shutdownChan:
			s.logger.Info("shutdown requested")
		}
		return s.drain()
	})
	close(s.ready)

	err = g.Wait()
	s.closeRuntime()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("server stopped")
	return err
}

func (s *Server) httpServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:      h,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// drain gracefully shuts both listeners down.
func (s *Server) drain() error {
	s.logger.Info("initiating graceful shutdown", "timeout", s.config.ShutdownTimeout.String())

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	var errs []error
	for _, srv := range []*http.Server{s.proxy, s.admin} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("error during server shutdown", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (s *Server) closeRuntime() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := s.runtime.Close(ctx); err != nil {
		s.logger.Error("error closing gateway runtime", "error", err)
	}
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.config.ShutdownTimeout > 0 {
		return s.config.ShutdownTimeout
	}
	return config.DefaultShutdownTimeout
}

// Ready is closed once the listeners accept connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the proxy listener address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.proxyAddr
}

// AdminAddr returns the admin listener address, or nil when there is none.
func (s *Server) AdminAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminAddr
}

// Shutdown asks a running Start to drain and return.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownChan) })
}

// IsRunning reports whether Start is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
