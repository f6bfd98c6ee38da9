package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed atomic.Int32
	err    error
}

func (c *fakeConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Close() error       { c.closed.Add(1); return nil }
func (c *fakeConn) RemoteAddr() string { return "pipe" }

func (c *fakeConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// sequenceKeys replays the given candidates, then falls back to a counter.
func sequenceKeys(candidates ...core.SessionKey) KeySource {
	var mu sync.Mutex
	next := core.SessionKey(1000)
	return func() core.SessionKey {
		mu.Lock()
		defer mu.Unlock()
		if len(candidates) > 0 {
			k := candidates[0]
			candidates = candidates[1:]
			return k
		}
		next++
		return next
	}
}

func TestRegistry_AdmitAssignsDistinctPositiveKeys(t *testing.T) {
	r := NewRegistry(Options{})
	seen := make(map[core.SessionKey]struct{})
	for i := 0; i < 2000; i++ {
		s, err := r.Admit(&fakeConn{})
		require.NoError(t, err)
		key := s.Key()
		assert.Greater(t, key, core.SessionKey(0))
		assert.NotEqual(t, core.DefaultLocalAuthorityKey, key)
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %d", key)
		seen[key] = struct{}{}
	}
	assert.Equal(t, 2000, r.Len())
}

func TestRegistry_AdmitRetriesCollisionsAndReservedKey(t *testing.T) {
	r := NewRegistry(Options{
		LocalAuthorityKey: 7,
		Keys:              sequenceKeys(5, 5, 7, 0, -3, 9),
	})

	first, err := r.Admit(&fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, core.SessionKey(5), first.Key())

	// 5 collides, 7 is reserved, 0 and -3 are out of range.
	second, err := r.Admit(&fakeConn{})
	require.NoError(t, err)
	assert.Equal(t, core.SessionKey(9), second.Key())

	assert.Equal(t, []core.SessionKey{5, 9}, r.Keys())
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(Options{})
	conn := &fakeConn{}
	s, err := r.Admit(conn)
	require.NoError(t, err)

	assert.True(t, r.Remove(s.Key()))
	assert.False(t, r.Remove(s.Key()))
	assert.False(t, r.Remove(123456))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int32(1), conn.closed.Load(), "connection must be closed exactly once")
}

func TestRegistry_ForEachSynchronized(t *testing.T) {
	r := NewRegistry(Options{})
	synced, err := r.Admit(&fakeConn{})
	require.NoError(t, err)
	_, err = r.Admit(&fakeConn{})
	require.NoError(t, err)

	require.NoError(t, r.MarkSynchronized(synced.Key(), nil))

	var all, eligible []core.SessionKey
	r.ForEach(func(s *Session) { all = append(all, s.Key()) })
	r.ForEachSynchronized(func(s *Session) { eligible = append(eligible, s.Key()) })

	assert.Len(t, all, 2)
	assert.Equal(t, []core.SessionKey{synced.Key()}, eligible)
}

func TestRegistry_MarkSynchronized(t *testing.T) {
	t.Run("bootstrap runs before the flag flips", func(t *testing.T) {
		r := NewRegistry(Options{})
		conn := &fakeConn{}
		s, err := r.Admit(conn)
		require.NoError(t, err)

		err = r.MarkSynchronized(s.Key(), func(s *Session) error {
			assert.False(t, s.Synchronized())
			return s.Send([]byte("ack"))
		})
		require.NoError(t, err)
		assert.Equal(t, [][]byte{[]byte("ack")}, conn.Frames())

		calls := 0
		require.NoError(t, r.MarkSynchronized(s.Key(), func(*Session) error { calls++; return nil }))
		assert.Zero(t, calls, "second mark must not bootstrap again")
	})

	t.Run("failed bootstrap leaves the session unsynchronized", func(t *testing.T) {
		r := NewRegistry(Options{})
		s, err := r.Admit(&fakeConn{})
		require.NoError(t, err)

		bootErr := errors.New("write failed")
		err = r.MarkSynchronized(s.Key(), func(*Session) error { return bootErr })
		require.ErrorIs(t, err, bootErr)

		count := 0
		r.ForEachSynchronized(func(*Session) { count++ })
		assert.Zero(t, count)
	})

	t.Run("unknown key", func(t *testing.T) {
		r := NewRegistry(Options{})
		assert.ErrorIs(t, r.MarkSynchronized(42, nil), core.ErrUnknownSession)
	})

	t.Run("panicking bootstrap releases the lock", func(t *testing.T) {
		r := NewRegistry(Options{})
		s, err := r.Admit(&fakeConn{})
		require.NoError(t, err)

		assert.Panics(t, func() {
			_ = r.MarkSynchronized(s.Key(), func(*Session) error { panic("boom") })
		})

		done := make(chan int, 1)
		go func() { done <- r.Len() }()
		select {
		case n := <-done:
			assert.Equal(t, 1, n)
		case <-time.After(2 * time.Second):
			t.Fatal("registry lock still held after bootstrap panic")
		}
		assert.False(t, s.Synchronized())
		assert.True(t, r.Remove(s.Key()))
	})
}

func TestRegistry_SendAllIgnoresSynchronizedFlag(t *testing.T) {
	r := NewRegistry(Options{})
	synced, pending, broken := &fakeConn{}, &fakeConn{}, &fakeConn{err: errors.New("broken pipe")}
	s, err := r.Admit(synced)
	require.NoError(t, err)
	require.NoError(t, r.MarkSynchronized(s.Key(), nil))
	_, err = r.Admit(pending)
	require.NoError(t, err)
	_, err = r.Admit(broken)
	require.NoError(t, err)

	sent, failed := r.SendAll([]byte("notice"))
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, failed)
	assert.Equal(t, [][]byte{[]byte("notice")}, synced.Frames())
	assert.Equal(t, [][]byte{[]byte("notice")}, pending.Frames())
	assert.Equal(t, 3, r.Len(), "failed sends do not evict")
}

func TestRegistry_TickAllRunsOncePerSession(t *testing.T) {
	counts := make(map[core.SessionKey]int)
	r := NewRegistry(Options{Tick: func(s *Session, now time.Time) { counts[s.Key()]++ }})
	for i := 0; i < 3; i++ {
		_, err := r.Admit(&fakeConn{})
		require.NoError(t, err)
	}

	now := time.Unix(1700000000, 0)
	r.TickAll(now)
	r.TickAll(now.Add(time.Second))

	require.Len(t, counts, 3)
	for key, n := range counts {
		assert.Equal(t, 2, n, "session %d", key)
	}
	r.ForEach(func(s *Session) {
		assert.Equal(t, uint64(2), s.Ticks())
		assert.Equal(t, now.Add(time.Second), s.LastTick())
	})
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(Options{})
	conns := []*fakeConn{{}, {}}
	for _, c := range conns {
		_, err := r.Admit(c)
		require.NoError(t, err)
	}

	r.Close()
	assert.Equal(t, 0, r.Len())
	for _, c := range conns {
		assert.Equal(t, int32(1), c.closed.Load())
	}

	_, err := r.Admit(&fakeConn{})
	assert.ErrorIs(t, err, core.ErrSessionClosed)
}

type recordingListener struct {
	mu     sync.Mutex
	events []hooks.EventType
}

func (l *recordingListener) OnEvent(_ context.Context, e hooks.HookEvent) error {
	l.mu.Lock()
	l.events = append(l.events, e.Type())
	l.mu.Unlock()
	return nil
}
func (l *recordingListener) Priority() int { return 1 }
func (l *recordingListener) IsAsync() bool { return false }

func TestRegistry_Hooks(t *testing.T) {
	hm := hooks.NewHookManager(nil)
	listener := &recordingListener{}
	hm.Register(hooks.EventPostSessionAdmit, listener)
	hm.Register(hooks.EventPostSessionSynchronized, listener)
	hm.Register(hooks.EventPostSessionRemove, listener)

	r := NewRegistry(Options{HookManager: hm})
	s, err := r.Admit(&fakeConn{})
	require.NoError(t, err)
	require.NoError(t, r.MarkSynchronized(s.Key(), nil))
	r.Remove(s.Key())
	r.Remove(s.Key())

	assert.Equal(t, []hooks.EventType{
		hooks.EventPostSessionAdmit,
		hooks.EventPostSessionSynchronized,
		hooks.EventPostSessionRemove,
	}, listener.events)
}

// Admissions and removals race with ticks and broadcasts; the final size
// must equal admissions minus removals and no iteration may observe a
// half-inserted session.
func TestRegistry_ConcurrentAdmitRemoveWithTicks(t *testing.T) {
	r := NewRegistry(Options{Tick: func(s *Session, _ time.Time) {
		if s.Key() <= 0 {
			panic("invalid session observed during tick")
		}
	}})

	const workers = 8
	const perWorker = 200

	var admitted, removed atomic.Int64
	stop := make(chan struct{})
	var tickerWG sync.WaitGroup
	tickerWG.Add(1)
	go func() {
		defer tickerWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			r.TickAll(time.Now())
			r.ForEachSynchronized(func(s *Session) { _ = s.Send([]byte{0x01}) })
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				s, err := r.Admit(&fakeConn{})
				if err != nil {
					t.Error(err)
					return
				}
				admitted.Add(1)
				if i%3 == 0 {
					_ = r.MarkSynchronized(s.Key(), nil)
				}
				if (i+w)%2 == 0 {
					if r.Remove(s.Key()) {
						removed.Add(1)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(stop)
	tickerWG.Wait()

	assert.Equal(t, int(admitted.Load()-removed.Load()), r.Len())
}
