package replication

import (
	"errors"
	"io"
	"sync"

	"github.com/INLOpen/gomsync/core"
)

type testEntity struct {
	full  string
	delta string
	err   error
}

func (e *testEntity) WriteFull(w io.Writer) error {
	if e.err != nil {
		return e.err
	}
	_, err := io.WriteString(w, e.full)
	return err
}

func (e *testEntity) WriteDelta(w io.Writer) error {
	if e.err != nil {
		return e.err
	}
	_, err := io.WriteString(w, e.delta)
	return err
}

var errBrokenPipe = errors.New("broken pipe")

type memConn struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *memConn) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errBrokenPipe
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *memConn) Close() error       { return nil }
func (c *memConn) RemoteAddr() string { return "mem" }

func (c *memConn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

var _ core.Entity = (*testEntity)(nil)
