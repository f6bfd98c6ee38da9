package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TCPServer accepts raw TCP connections and runs the session protocol on
// each of them. It contains a self-managed accept loop and graceful
// shutdown logic.
type TCPServer struct {
	listener     net.Listener
	handler      *ConnectionHandler
	logger       *slog.Logger
	writeTimeout time.Duration
	maxFrame     int
	slots        chan struct{} // nil when connections are unlimited

	connWg    sync.WaitGroup // Tracks active connections for graceful shutdown.
	isStarted bool
	quit      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// NewTCPServer creates a new TCP server instance. maxConnections <= 0
// means unlimited.
func NewTCPServer(handler *ConnectionHandler, writeTimeout time.Duration, maxFrame, maxConnections int, logger *slog.Logger) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPServer{
		handler:      handler,
		logger:       logger.With("component", "TCPServer"),
		writeTimeout: writeTimeout,
		maxFrame:     maxFrame,
		quit:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	if maxConnections > 0 {
		s.slots = make(chan struct{}, maxConnections)
	}
	return s
}

// Start begins listening for and handling TCP connections.
// This is a blocking call that runs the server's accept loop. It should be run in a goroutine.
func (s *TCPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.isStarted {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.listener = lis
	s.isStarted = true
	s.mu.Unlock()
	s.logger.Info("TCP server listening", "address", lis.Addr().String())

	for {
		conn, err := lis.Accept()
		if err != nil {
			// When Stop() closes the listener, Accept() returns an error.
			select {
			case <-s.quit:
				s.logger.Info("Server shutting down, stopping accept loop.")
				return nil
			default:
				s.logger.Error("Failed to accept connection", "error", err)
				return fmt.Errorf("failed to accept connection: %w", err)
			}
		}

		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			default:
				s.logger.Warn("Max connections reached, rejecting new connection.", "remote_addr", conn.RemoteAddr())
				conn.Close()
				continue
			}
		}
		s.connWg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.connWg.Done()
	if s.slots != nil {
		defer func() { <-s.slots }()
	}
	s.handler.Serve(s.ctx, newTCPConn(conn, s.writeTimeout, s.maxFrame))
}

// Addr returns the listener address once started.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully shuts down the TCP server.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	if !s.isStarted {
		s.mu.Unlock()
		return
	}
	s.isStarted = false
	s.mu.Unlock()

	s.logger.Info("Stopping TCP server...")

	// 1. Signal the accept loop and every connection to quit.
	close(s.quit)
	s.cancel()

	// 2. Close the listener to stop accepting new connections.
	if s.listener != nil {
		s.listener.Close()
	}

	// 3. Wait for all active connections to finish their work.
	s.logger.Info("Waiting for active connections to drain...")
	s.connWg.Wait()
	s.logger.Info("All TCP connections closed. Server stopped.")
}
