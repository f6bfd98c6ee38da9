// Package testutil holds transport helpers shared by package tests.
package testutil

import (
	"context"
	"net"
)

// InMemoryListener is a net.Listener for in-process tests. Dial returns
// the client end of a net.Pipe whose server end is handed to Accept.
type InMemoryListener struct {
	conns  chan net.Conn
	closed chan struct{}
	addr   net.Addr
}

type memAddr string

func (m memAddr) Network() string { return "inmem" }
func (m memAddr) String() string  { return string(m) }

// NewInMemoryListener creates a listener with a small accept backlog.
func NewInMemoryListener() *InMemoryListener {
	return &InMemoryListener{
		conns:  make(chan net.Conn, 16),
		closed: make(chan struct{}),
		addr:   memAddr("inmemory"),
	}
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

// Close stops Accept and closes connections nobody accepted yet.
func (l *InMemoryListener) Close() error {
	select {
	case <-l.closed:
		return nil
	default:
	}
	close(l.closed)
	for {
		select {
		case c := <-l.conns:
			c.Close()
		default:
			return nil
		}
	}
}

func (l *InMemoryListener) Addr() net.Addr { return l.addr }

// Dial queues a server end for Accept and returns the client end.
func (l *InMemoryListener) Dial(ctx context.Context) (net.Conn, error) {
	server, client := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
	case <-ctx.Done():
	}
	server.Close()
	client.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, net.ErrClosed
}
