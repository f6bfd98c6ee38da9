package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/INLOpen/gomsync/clock"
	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/hooks"
)

// TickFunc is the per-session game-logic hook run once per scheduler tick.
type TickFunc func(s *Session, now time.Time)

// KeySource draws candidate session keys. Candidates outside
// [1, core.MaxSessionKey] are rejected like collisions.
type KeySource func() core.SessionKey

// RandomKeys draws uniformly from [1, core.MaxSessionKey].
func RandomKeys() core.SessionKey {
	return core.SessionKey(rand.Int32N(math.MaxInt32) + 1)
}

// Options configures a Registry. Zero values select the defaults.
type Options struct {
	LocalAuthorityKey core.SessionKey
	Tick              TickFunc
	Keys              KeySource
	Clock             clock.Clock
	HookManager       hooks.HookManager
	Logger            *slog.Logger
}

// Registry maps session keys to sessions. A single mutex serializes
// admission, removal, per-tick iteration and broadcast iteration.
type Registry struct {
	mu       sync.Mutex
	sessions map[core.SessionKey]*Session
	closed   bool

	reserved    core.SessionKey
	tick        TickFunc
	keys        KeySource
	clock       clock.Clock
	hookManager hooks.HookManager
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LocalAuthorityKey == 0 {
		opts.LocalAuthorityKey = core.DefaultLocalAuthorityKey
	}
	if opts.Tick == nil {
		opts.Tick = func(*Session, time.Time) {}
	}
	if opts.Keys == nil {
		opts.Keys = RandomKeys
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClockDefault
	}
	return &Registry{
		sessions:    make(map[core.SessionKey]*Session),
		reserved:    opts.LocalAuthorityKey,
		tick:        opts.Tick,
		keys:        opts.Keys,
		clock:       opts.Clock,
		hookManager: opts.HookManager,
		logger:      opts.Logger.With("component", "SessionRegistry"),
	}
}

// Admit creates a session for conn under a fresh key and inserts it.
// Key collisions are retried until a free key is found.
func (r *Registry) Admit(conn Conn) (*Session, error) {
	s, size, err := r.admit(conn)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Session admitted", "session_key", s.key, "remote_addr", conn.RemoteAddr(), "sessions", size)
	r.trigger(hooks.NewPostSessionAdmitEvent(hooks.SessionPayload{Key: s.key, RemoteAddr: conn.RemoteAddr(), Sessions: size}))
	return s, nil
}

func (r *Registry) admit(conn Conn) (*Session, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, core.ErrSessionClosed
	}
	key := r.nextKeyLocked()
	s := &Session{
		key:        key,
		conn:       conn,
		admittedAt: r.clock.Now(),
	}
	r.sessions[key] = s
	return s, len(r.sessions), nil
}

func (r *Registry) nextKeyLocked() core.SessionKey {
	for {
		key := r.keys()
		if key < 1 || key == r.reserved {
			continue
		}
		if _, taken := r.sessions[key]; taken {
			continue
		}
		return key
	}
}

// Remove erases the session with the given key and closes its connection.
// Removing an absent key is a no-op. It reports whether a session was removed.
func (r *Registry) Remove(key core.SessionKey) bool {
	s, size := r.remove(key)
	if s == nil {
		return false
	}
	r.logger.Debug("Session removed", "session_key", key, "sessions", size)
	r.trigger(hooks.NewPostSessionRemoveEvent(hooks.SessionPayload{Key: key, RemoteAddr: s.conn.RemoteAddr(), Sessions: size}))
	return true
}

func (r *Registry) remove(key core.SessionKey) (*Session, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, 0
	}
	delete(r.sessions, key)
	r.closeConnLocked(s)
	return s, len(r.sessions)
}

func (r *Registry) closeConnLocked(s *Session) {
	if err := s.conn.Close(); err != nil {
		r.logger.Debug("Error closing session connection", "session_key", s.key, "error", err)
	}
}

// MarkSynchronized runs bootstrap for the session and, if it succeeds,
// makes the session eligible for periodic transactions. Both happen under
// the registry lock, so anything bootstrap writes precedes the first
// broadcast the session receives. Marking an already synchronized session
// is a no-op.
func (r *Registry) MarkSynchronized(key core.SessionKey, bootstrap func(*Session) error) error {
	s, size, changed, err := r.markSynchronized(key, bootstrap)
	if err != nil || !changed {
		return err
	}
	r.logger.Debug("Session synchronized", "session_key", key)
	r.trigger(hooks.NewPostSessionSynchronizedEvent(hooks.SessionPayload{Key: key, RemoteAddr: s.conn.RemoteAddr(), Sessions: size}))
	return nil
}

func (r *Registry) markSynchronized(key core.SessionKey, bootstrap func(*Session) error) (*Session, int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, 0, false, fmt.Errorf("%w: %d", core.ErrUnknownSession, key)
	}
	if s.synchronized {
		return s, len(r.sessions), false, nil
	}
	if bootstrap != nil {
		if err := bootstrap(s); err != nil {
			return nil, 0, false, fmt.Errorf("bootstrap of session %d failed: %w", key, err)
		}
	}
	s.synchronized = true
	return s, len(r.sessions), true, nil
}

// ForEach calls fn for every session under the registry lock.
// fn must not call back into the registry.
func (r *Registry) ForEach(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		fn(s)
	}
}

// ForEachSynchronized calls fn for every synchronized session under the
// registry lock. fn must not call back into the registry.
func (r *Registry) ForEachSynchronized(fn func(*Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.synchronized {
			fn(s)
		}
	}
}

// SendAll writes frame to every session, synchronized or not, under the
// registry lock. Write errors are counted and logged; the failing sessions
// stay in the registry for their transport goroutines to remove.
func (r *Registry) SendAll(frame []byte) (sent, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if err := s.conn.Write(frame); err != nil {
			failed++
			r.logger.Debug("Error sending frame to session", "session_key", s.key, "error", err)
			continue
		}
		sent++
	}
	return sent, failed
}

// TickAll runs the per-session tick hook exactly once for every session.
func (r *Registry) TickAll(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.ticks++
		s.lastTick = now
		r.tick(s, now)
	}
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Keys returns the keys of all sessions in ascending order.
func (r *Registry) Keys() []core.SessionKey {
	keys := r.keysUnsorted()
	slices.Sort(keys)
	return keys
}

func (r *Registry) keysUnsorted() []core.SessionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]core.SessionKey, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Close removes every session, closing their connections, and rejects
// further admissions.
func (r *Registry) Close() {
	removed := r.closeAll()
	for _, s := range removed {
		r.trigger(hooks.NewPostSessionRemoveEvent(hooks.SessionPayload{Key: s.key, RemoteAddr: s.conn.RemoteAddr()}))
	}
	if len(removed) > 0 {
		r.logger.Info("Session registry closed", "removed", len(removed))
	}
}

func (r *Registry) closeAll() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	removed := make([]*Session, 0, len(r.sessions))
	for key, s := range r.sessions {
		delete(r.sessions, key)
		r.closeConnLocked(s)
		removed = append(removed, s)
	}
	return removed
}

func (r *Registry) trigger(event hooks.HookEvent) {
	if r.hookManager == nil {
		return
	}
	_ = r.hookManager.Trigger(context.Background(), event)
}
