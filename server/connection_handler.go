package server

import (
	"context"
	"encoding"
	"expvar"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/protocol"
	"github.com/INLOpen/gomsync/session"
)

// BootstrapFunc sends a newly synchronizing session whatever it needs
// before periodic transactions start. It runs under the registry lock.
type BootstrapFunc func(s *session.Session) error

// ConnMetrics counts transport activity for both TCP and WebSocket.
type ConnMetrics struct {
	Accepted      expvar.Int
	Active        expvar.Int
	Rejected      expvar.Int
	Synchronized  expvar.Int
	ProtocolError expvar.Int
}

func publishConnMetrics(name string, m *ConnMetrics) bool {
	if expvar.Get(name) != nil {
		return false
	}
	vars := new(expvar.Map).Init()
	vars.Set("accepted", &m.Accepted)
	vars.Set("active", &m.Active)
	vars.Set("rejected", &m.Rejected)
	vars.Set("synchronized", &m.Synchronized)
	vars.Set("protocol_errors", &m.ProtocolError)
	expvar.Publish(name, vars)
	return true
}

// ConnectionHandler runs the session protocol on one connection. It is
// shared by the TCP and WebSocket servers.
//
// The protocol: the server admits the connection and sends Hello with the
// session key; the client answers SyncRequest; the server bootstraps the
// session, sends SyncAck and from then on periodic transactions. Ping is
// echoed. Any read failure removes the session.
type ConnectionHandler struct {
	registry  *session.Registry
	bootstrap BootstrapFunc
	metrics   *ConnMetrics
	logger    *slog.Logger
}

// NewConnectionHandler creates a handler. bootstrap may be nil.
func NewConnectionHandler(registry *session.Registry, bootstrap BootstrapFunc, metrics *ConnMetrics, logger *slog.Logger) *ConnectionHandler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if metrics == nil {
		metrics = &ConnMetrics{}
	}
	return &ConnectionHandler{
		registry:  registry,
		bootstrap: bootstrap,
		metrics:   metrics,
		logger:    logger,
	}
}

// Serve blocks until the connection fails or ctx is cancelled. It always
// closes conn and removes its session before returning.
func (h *ConnectionHandler) Serve(ctx context.Context, conn FrameConn) {
	logger := h.logger.With("conn_id", conn.ID(), "remote_addr", conn.RemoteAddr())
	h.metrics.Accepted.Add(1)

	s, err := h.registry.Admit(conn)
	if err != nil {
		h.metrics.Rejected.Add(1)
		logger.Warn("Rejecting connection", "error", err)
		conn.Close()
		return
	}
	key := s.Key()
	logger = logger.With("session_key", key)
	h.metrics.Active.Add(1)
	defer h.metrics.Active.Add(-1)
	defer h.registry.Remove(key)

	// Unblock the read loop when the server shuts down.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if err := sendMessage(conn, protocol.FrameHello, &protocol.Hello{Version: protocol.Version, Key: key}); err != nil {
		logger.Warn("Failed to send hello, closing connection", "error", err)
		return
	}

	for {
		frameType, payload, err := conn.ReadFrame()
		if err != nil {
			if connCtx.Err() == nil && !isClosedConnError(err) {
				logger.Warn("Failed to read frame, closing connection", "error", err)
			} else {
				logger.Debug("Connection closed", "error", err)
			}
			return
		}
		if !h.handleFrame(conn, key, frameType, payload, logger) {
			return
		}
	}
}

// handleFrame reacts to one client frame and reports whether the
// connection should stay open.
func (h *ConnectionHandler) handleFrame(conn FrameConn, key core.SessionKey, frameType protocol.FrameType, payload []byte, logger *slog.Logger) bool {
	switch frameType {
	case protocol.FrameSyncRequest:
		err := h.registry.MarkSynchronized(key, func(s *session.Session) error {
			if h.bootstrap != nil {
				if err := h.bootstrap(s); err != nil {
					return err
				}
			}
			return s.Send(protocol.EncodeFrame(protocol.FrameSyncAck, nil))
		})
		if err != nil {
			logger.Warn("Session synchronization failed", "error", err)
			h.sendError(conn, protocol.ErrCodeSyncFailed, err.Error(), logger)
			return false
		}
		h.metrics.Synchronized.Add(1)
		return true

	case protocol.FramePing:
		if err := conn.Write(protocol.EncodeFrame(protocol.FramePing, payload)); err != nil {
			logger.Warn("Failed to answer ping", "error", err)
			return false
		}
		return true

	default:
		h.metrics.ProtocolError.Add(1)
		logger.Warn("Unexpected frame from client", "frame", frameType.String())
		h.sendError(conn, protocol.ErrCodeUnexpectedFrame, "unexpected frame "+frameType.String(), logger)
		return true
	}
}

func (h *ConnectionHandler) sendError(conn FrameConn, code uint16, message string, logger *slog.Logger) {
	if err := sendMessage(conn, protocol.FrameError, &protocol.ErrorMessage{Code: code, Message: message}); err != nil {
		logger.Debug("Failed to send error frame", "error", err)
	}
}

// sendMessage marshals msg and writes it as one uncompressed frame.
// Nothing is written when marshalling fails.
func sendMessage(conn session.Conn, frameType protocol.FrameType, msg encoding.BinaryMarshaler) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", frameType, err)
	}
	return conn.Write(protocol.EncodeFrame(frameType, payload))
}
