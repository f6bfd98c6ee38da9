package testutil

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/protocol"
)

// FrameClient speaks the session protocol from the client side of a
// stream connection.
type FrameClient struct {
	t      testing.TB
	conn   net.Conn
	reader *bufio.Reader
}

// NewFrameClient wraps conn and closes it when the test ends.
func NewFrameClient(t testing.TB, conn net.Conn) *FrameClient {
	t.Helper()
	t.Cleanup(func() { conn.Close() })
	return &FrameClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

// Send writes an uncompressed frame.
func (c *FrameClient) Send(frameType protocol.FrameType, payload []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(c.t, protocol.WriteFrame(c.conn, frameType, payload))
}

// Next reads the next frame, failing the test after two seconds.
func (c *FrameClient) Next() (protocol.FrameType, []byte) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	frameType, payload, err := protocol.ReadFrame(c.reader, 0)
	require.NoError(c.t, err)
	return frameType, payload
}

// Expect reads the next frame and requires it to be of the given type.
func (c *FrameClient) Expect(frameType protocol.FrameType) []byte {
	c.t.Helper()
	got, payload := c.Next()
	require.Equal(c.t, frameType, got, "unexpected %s frame", got)
	return payload
}

// Handshake reads Hello, requests synchronization and waits for SyncAck.
// It returns the session key the server assigned.
func (c *FrameClient) Handshake() core.SessionKey {
	c.t.Helper()
	var hello protocol.Hello
	require.NoError(c.t, hello.UnmarshalBinary(c.Expect(protocol.FrameHello)))
	require.Equal(c.t, protocol.Version, hello.Version)
	c.Send(protocol.FrameSyncRequest, nil)
	c.Expect(protocol.FrameSyncAck)
	return hello.Key
}

// Close closes the underlying connection.
func (c *FrameClient) Close() error { return c.conn.Close() }

// ReadErr reads until the connection fails and returns that error.
func (c *FrameClient) ReadErr() error {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := protocol.ReadFrame(c.reader, 0); err != nil {
			return err
		}
	}
}
