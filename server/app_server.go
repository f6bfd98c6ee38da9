package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/gomsync/clock"
	"github.com/INLOpen/gomsync/compressors"
	"github.com/INLOpen/gomsync/config"
	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/hooks"
	"github.com/INLOpen/gomsync/hooks/listeners"
	"github.com/INLOpen/gomsync/protocol"
	"github.com/INLOpen/gomsync/replication"
	"github.com/INLOpen/gomsync/session"
	"github.com/INLOpen/gomsync/store"
)

// AppOptions carries the collaborators an embedding game supplies.
// Every field is optional.
type AppOptions struct {
	// Store is the authoritative object store. A fresh one is created when nil.
	Store *store.Store
	// Bootstrap runs when a session asks to synchronize, before SyncAck.
	Bootstrap BootstrapFunc
	// BeforeTick runs on the scheduler goroutine ahead of each store refresh.
	BeforeTick  func(now time.Time)
	SessionTick session.TickFunc
	Tracer      trace.Tracer
	Clock       clock.Clock
}

// AppServer owns the replication pipeline and every network-facing server.
type AppServer struct {
	cfg    *config.Config
	logger *slog.Logger

	store       *store.Store
	registry    *session.Registry
	hookManager hooks.HookManager
	broadcaster *replication.Broadcaster
	scheduler   *replication.Scheduler
	replMetrics *replication.Metrics
	connMetrics *ConnMetrics

	tcpLis        net.Listener
	tcpServer     *TCPServer
	wsLis         net.Listener
	wsServer      *WebSocketServer
	metricsLis    net.Listener
	metricsServer *MetricsServer
	collector     *SystemCollector

	shutdownTimeout time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	stopOnce        sync.Once
}

// NewAppServer builds the pipeline and opens the configured listeners.
func NewAppServer(cfg *config.Config, opts AppOptions, logger *slog.Logger) (*AppServer, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	compressor, err := compressors.ByName(cfg.Replication.Compression)
	if err != nil {
		return nil, err
	}
	replMetrics, err := replication.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create replication metrics: %w", err)
	}

	s := &AppServer{
		cfg:             cfg,
		logger:          logger.With("component", "AppServer"),
		store:           opts.Store,
		hookManager:     hooks.NewHookManager(logger),
		replMetrics:     replMetrics,
		connMetrics:     &ConnMetrics{},
		shutdownTimeout: config.ParseDuration(cfg.Server.ShutdownTimeout, 5*time.Second, logger),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if s.store == nil {
		s.store = store.New(logger)
	}

	s.registerListeners(logger)

	s.registry = session.NewRegistry(session.Options{
		LocalAuthorityKey: core.SessionKey(cfg.Session.LocalAuthorityKey),
		Tick:              opts.SessionTick,
		Clock:             opts.Clock,
		HookManager:       s.hookManager,
		Logger:            logger,
	})

	framer := protocol.Encoder{Compressor: compressor, Threshold: cfg.Replication.CompressionThreshold}
	s.broadcaster = replication.NewBroadcaster(s.registry, framer, s.hookManager, replMetrics, logger)
	s.scheduler = replication.NewScheduler(s.store, s.broadcaster, s.registry, replication.SchedulerOptions{
		TickInterval:    config.ParseDuration(cfg.Replication.TickInterval, replication.DefaultTickInterval, logger),
		FullInterval:    config.ParseDuration(cfg.Replication.FullInterval, replication.DefaultFullInterval, logger),
		PartialInterval: config.ParseDuration(cfg.Replication.PartialInterval, replication.DefaultPartialInterval, logger),
		BeforeTick:      opts.BeforeTick,
		Clock:           opts.Clock,
		Tracer:          opts.Tracer,
		Metrics:         replMetrics,
		Logger:          logger,
	})

	handler := NewConnectionHandler(s.registry, opts.Bootstrap, s.connMetrics, logger)
	writeTimeout := config.ParseDuration(cfg.Server.WriteTimeout, 250*time.Millisecond, logger)

	if err := s.listen(cfg, handler, writeTimeout, logger); err != nil {
		s.closeListeners()
		s.cancel()
		return nil, err
	}
	return s, nil
}

func (s *AppServer) registerListeners(logger *slog.Logger) {
	rc := s.cfg.Replication
	if rc.WarnTransactionBytes > 0 || rc.MaxTransactionBytes > 0 {
		s.hookManager.Register(hooks.EventPreTransactionSend,
			listeners.NewTransactionSizeAlerter(logger, rc.WarnTransactionBytes, rc.MaxTransactionBytes))
	}
	if s.cfg.Session.AuditEnabled {
		audit := listeners.NewSessionAuditListener(logger)
		for _, event := range audit.Events() {
			s.hookManager.Register(event, audit)
		}
	}
}

func (s *AppServer) listen(cfg *config.Config, handler *ConnectionHandler, writeTimeout time.Duration, logger *slog.Logger) error {
	if addr := cfg.Server.TCPListenAddress; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on TCP address %s: %w", addr, err)
		}
		s.tcpLis = lis
		s.tcpServer = NewTCPServer(handler, writeTimeout, cfg.Server.MaxFrameBytes, cfg.Server.MaxConnections, logger)
		logger.Info("TCP server will listen on", "address", lis.Addr().String())
	} else {
		logger.Info("TCP server is disabled (no listen address configured).")
	}

	if ws := cfg.Server.WebSocket; ws.Enabled {
		lis, err := net.Listen("tcp", ws.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on WebSocket address %s: %w", ws.ListenAddress, err)
		}
		s.wsLis = lis
		s.wsServer = NewWebSocketServer(handler, WebSocketOptions{
			Path:            ws.Path,
			ReadBufferSize:  ws.ReadBufferSize,
			WriteBufferSize: ws.WriteBufferSize,
			WriteTimeout:    writeTimeout,
			MaxFrameBytes:   cfg.Server.MaxFrameBytes,
		}, logger)
		logger.Info("WebSocket server will listen on", "address", lis.Addr().String(), "path", ws.Path)
	}

	if dbg := cfg.Debug; dbg.Enabled {
		lis, err := net.Listen("tcp", dbg.ListenAddress)
		if err != nil {
			return fmt.Errorf("failed to listen on debug address %s: %w", dbg.ListenAddress, err)
		}
		s.metricsLis = lis
		s.metricsServer = NewMetricsServer(&cfg.Debug, logger)
		s.metricsServer.Handle("/debug/sessions", http.HandlerFunc(s.serveSessions))
		if dbg.MetricsEnabled {
			s.replMetrics.Publish("replication")
			publishConnMetrics("connections", s.connMetrics)
			s.collector = NewSystemCollector(config.ParseDuration(dbg.SystemCollectorInterval, 15*time.Second, logger), logger)
			s.collector.Publish("system")
		}
	}
	return nil
}

func (s *AppServer) closeListeners() {
	for _, lis := range []net.Listener{s.tcpLis, s.wsLis, s.metricsLis} {
		if lis != nil {
			lis.Close()
		}
	}
}

func (s *AppServer) serveSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	s.registry.ForEach(func(sess *session.Session) {
		fmt.Fprintf(w, "%d\t%s\tsynchronized=%t\tticks=%d\n", sess.Key(), sess.RemoteAddr(), sess.Synchronized(), sess.Ticks())
	})
}

// Start runs the scheduler and all configured servers. It blocks until
// Stop is called or one of them fails. Start after Stop returns nil at once.
func (s *AppServer) Start() error {
	if s.ctx.Err() != nil {
		s.logger.Info("Application server stopped before start.")
		s.closeListeners()
		s.registry.Close()
		s.hookManager.Stop()
		return nil
	}
	g, appCtx := errgroup.WithContext(s.ctx)

	if s.collector != nil {
		s.collector.Start()
		defer s.collector.Stop()
	}

	g.Go(func() error {
		return s.scheduler.Run(appCtx)
	})

	if s.tcpServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.logger.Info("Context cancelled, stopping TCP server...")
				s.tcpServer.Stop()
			}()
			s.logger.Info("Starting TCP server...")
			return s.tcpServer.Start(s.tcpLis)
		})
	}

	if s.wsServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.logger.Info("Context cancelled, stopping WebSocket server...")
				s.wsServer.Stop()
			}()
			s.logger.Info("Starting WebSocket server...")
			return s.wsServer.Start(s.wsLis)
		})
	}

	if s.metricsServer != nil {
		g.Go(func() error {
			go func() {
				<-appCtx.Done()
				s.metricsServer.Stop()
			}()
			return s.metricsServer.Start(s.metricsLis)
		})
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	err := g.Wait()

	// Sessions still connected are closed here; the transports already
	// stopped accepting.
	s.registry.Close()
	s.hookManager.Stop()

	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// Stop notifies every connected session that the server is going away and
// triggers shutdown of everything Start is running. It is safe to call
// before Start and more than once.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		s.notifyShutdown()
		s.cancel()
	})
}

func (s *AppServer) notifyShutdown() {
	msg := &protocol.ErrorMessage{Code: protocol.ErrCodeShuttingDown, Message: "server shutting down"}
	payload, err := msg.MarshalBinary()
	if err != nil {
		s.logger.Error("Failed to marshal shutdown notice", "error", err)
		return
	}
	sent, failed := s.registry.SendAll(protocol.EncodeFrame(protocol.FrameError, payload))
	if sent+failed > 0 {
		s.logger.Info("Sent shutdown notice to sessions", "sent", sent, "failed", failed)
	}
}

// ShutdownTimeout is how long callers should wait for Start to return
// after Stop.
func (s *AppServer) ShutdownTimeout() time.Duration { return s.shutdownTimeout }

// Store returns the object store the scheduler sweeps.
func (s *AppServer) Store() *store.Store { return s.store }

// Registry returns the session registry.
func (s *AppServer) Registry() *session.Registry { return s.registry }

// HookManager returns the hook manager so callers can add listeners.
func (s *AppServer) HookManager() hooks.HookManager { return s.hookManager }

// Metrics returns the replication counters.
func (s *AppServer) Metrics() *replication.Metrics { return s.replMetrics }

// TCPAddr returns the bound TCP address, or nil when TCP is disabled.
func (s *AppServer) TCPAddr() net.Addr {
	if s.tcpLis == nil {
		return nil
	}
	return s.tcpLis.Addr()
}

// WebSocketAddr returns the bound WebSocket address, or nil when disabled.
func (s *AppServer) WebSocketAddr() net.Addr {
	if s.wsLis == nil {
		return nil
	}
	return s.wsLis.Addr()
}

// DebugAddr returns the bound debug server address, or nil when disabled.
func (s *AppServer) DebugAddr() net.Addr {
	if s.metricsLis == nil {
		return nil
	}
	return s.metricsLis.Addr()
}
