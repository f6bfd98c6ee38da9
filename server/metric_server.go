package server

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"

	"github.com/INLOpen/gomsync/config"
)

// MetricsServer manages the HTTP server for metrics and debugging.
type MetricsServer struct {
	server  *http.Server
	mux     *http.ServeMux
	logger  *slog.Logger
	started bool
	mu      sync.Mutex
}

// NewMetricsServer creates and configures a new HTTP server.
func NewMetricsServer(cfg *config.DebugConfig, logger *slog.Logger) *MetricsServer {
	mux := http.NewServeMux()
	logger = logger.With("component", "MetricsServer")

	if cfg.PProfEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		logger.Info("pprof profiling endpoints enabled on /debug/pprof")
	}
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", expvar.Handler())
		logger.Info("expvar metrics endpoint enabled on /metrics")
	}
	if cfg.StatsvizEnabled {
		if err := statsviz.Register(mux,
			statsviz.Root("/viz"),
			statsviz.SendFrequency(250*time.Millisecond),
		); err != nil {
			logger.Warn("Failed to register statsviz", "error", err)
		} else {
			logger.Info("statsviz dashboard enabled on /viz")
		}
	}

	addr := cfg.ListenAddress
	if addr == "" {
		addr = ":6060"
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mux:    mux,
		logger: logger,
	}
}

// Handle registers an extra debug handler.
func (s *MetricsServer) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Handler returns the server's mux, for tests.
func (s *MetricsServer) Handler() http.Handler { return s.mux }

// Start serves on lis. It's a blocking call.
func (s *MetricsServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Metrics server for metrics and pprof listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server failed", "error", err)
		return fmt.Errorf("failed to start Metrics server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the Metrics server.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping Metrics server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Metrics server shutdown failed", "error", err)
	} else {
		s.logger.Info("Metrics server stopped gracefully.")
	}
}
