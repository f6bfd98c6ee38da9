package server

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/protocol"
	"github.com/INLOpen/gomsync/session"
)

// FrameConn is a session connection that can also read frames. Writes are
// serialized and bounded by a write deadline; reads happen on the
// connection's own goroutine only.
type FrameConn interface {
	session.Conn
	ReadFrame() (protocol.FrameType, []byte, error)
	ID() string
}

// tcpConn carries frames over a byte stream.
type tcpConn struct {
	conn         net.Conn
	reader       *bufio.Reader
	id           string
	writeTimeout time.Duration
	maxFrame     int

	mu     sync.Mutex // serializes writes
	closed atomic.Bool
}

var _ FrameConn = (*tcpConn)(nil)

func newTCPConn(conn net.Conn, writeTimeout time.Duration, maxFrame int) *tcpConn {
	return &tcpConn{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		id:           uuid.NewString(),
		writeTimeout: writeTimeout,
		maxFrame:     maxFrame,
	}
}

func (c *tcpConn) ID() string         { return c.id }
func (c *tcpConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *tcpConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return core.ErrSessionClosed
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.conn.Write(frame)
	return err
}

func (c *tcpConn) ReadFrame() (protocol.FrameType, []byte, error) {
	return protocol.ReadFrame(c.reader, c.maxFrame)
}

// Close is idempotent and does not take the write lock, so it also
// unblocks a Write stuck on a peer that stopped reading.
func (c *tcpConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	conn         *websocket.Conn
	id           string
	writeTimeout time.Duration
	maxFrame     int

	mu     sync.Mutex // serializes writes
	closed atomic.Bool
}

var _ FrameConn = (*wsConn)(nil)

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration, maxFrame int) *wsConn {
	return &wsConn{
		conn:         conn,
		id:           uuid.NewString(),
		writeTimeout: writeTimeout,
		maxFrame:     maxFrame,
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Write sends a frame guarded by the connection's mutex and write deadline.
func (c *wsConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return core.ErrSessionClosed
	}
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) ReadFrame() (protocol.FrameType, []byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, nil, err
		}
		if kind != websocket.BinaryMessage {
			// Text messages carry no frames.
			continue
		}
		return protocol.DecodeFrame(data, c.maxFrame)
	}
}

func (c *wsConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// isClosedConnError reports read errors that simply mean the peer or the
// server went away.
func isClosedConnError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, core.ErrSessionClosed) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
