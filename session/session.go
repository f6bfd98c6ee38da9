// Package session owns the set of connected sessions and serializes every
// access to it behind one registry lock.
package session

import (
	"time"

	"github.com/INLOpen/gomsync/core"
)

// Conn is the transport handle a session owns. Write sends one complete
// frame and must be safe to call from the scheduler goroutine while the
// transport goroutine reads from the same connection.
type Conn interface {
	Write(frame []byte) error
	Close() error
	RemoteAddr() string
}

// Session is one connected peer. Sessions are created and destroyed by the
// Registry only; a *Session handed to a callback must not be retained past
// the callback's return.
type Session struct {
	key          core.SessionKey
	conn         Conn
	synchronized bool
	admittedAt   time.Time
	lastTick     time.Time
	ticks        uint64
}

// Key returns the session's unique key.
func (s *Session) Key() core.SessionKey { return s.key }

// Synchronized reports whether the session has completed its bootstrap
// handshake and receives periodic transactions.
func (s *Session) Synchronized() bool { return s.synchronized }

// RemoteAddr returns the address of the peer.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// AdmittedAt returns the time the session entered the registry.
func (s *Session) AdmittedAt() time.Time { return s.admittedAt }

// Ticks returns how many scheduler ticks the session has seen.
func (s *Session) Ticks() uint64 { return s.ticks }

// LastTick returns the time passed to the most recent tick.
func (s *Session) LastTick() time.Time { return s.lastTick }

// Send writes one frame to the session's connection.
func (s *Session) Send(frame []byte) error { return s.conn.Write(frame) }
