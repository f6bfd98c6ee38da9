package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketServer runs the session protocol over WebSocket binary
// messages, one frame per message.
type WebSocketServer struct {
	server       *http.Server
	upgrader     websocket.Upgrader
	handler      *ConnectionHandler
	writeTimeout time.Duration
	maxFrame     int
	logger       *slog.Logger

	connWg  sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// WebSocketOptions configures a WebSocketServer.
type WebSocketOptions struct {
	Path            string
	ReadBufferSize  int
	WriteBufferSize int
	WriteTimeout    time.Duration
	MaxFrameBytes   int
}

// NewWebSocketServer creates a WebSocket server mounted at opts.Path.
func NewWebSocketServer(handler *ConnectionHandler, opts WebSocketOptions, logger *slog.Logger) *WebSocketServer {
	if opts.Path == "" {
		opts.Path = "/ws"
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		handler:      handler,
		writeTimeout: opts.WriteTimeout,
		maxFrame:     opts.MaxFrameBytes,
		logger:       logger.With("component", "WebSocketServer"),
		ctx:          ctx,
		cancel:       cancel,
	}
	mux := http.NewServeMux()
	mux.Handle(opts.Path, s)
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	s.connWg.Add(1)
	defer s.connWg.Done()
	s.handler.Serve(s.ctx, newWSConn(ws, s.writeTimeout, s.maxFrame))
}

// Start serves HTTP on lis. It's a blocking call.
func (s *WebSocketServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("WebSocket server listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Stop closes the listener, closes every WebSocket session and waits for
// their handlers to return.
func (s *WebSocketServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.logger.Info("Stopping WebSocket server...")
	// Hijacked connections are not tracked by Shutdown; cancelling the
	// context closes them.
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("WebSocket server shutdown failed", "error", err)
	}
	s.connWg.Wait()
	s.logger.Info("WebSocket server stopped.")
}
