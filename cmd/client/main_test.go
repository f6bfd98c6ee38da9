package main

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/gomsync/core"
	"github.com/INLOpen/gomsync/protocol"
	"github.com/INLOpen/gomsync/replication"
	"github.com/INLOpen/gomsync/world"
)

func newTestViewer(t *testing.T) (*viewer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &viewer{
		conn:   client,
		reader: bufio.NewReader(client),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		movers: true,
	}, server
}

func TestViewer_HandshakeAndRun(t *testing.T) {
	v, server := newTestViewer(t)

	c := replication.NewCollector(core.LevelFull)
	c.RecordUpdate(0, 5, 1, &world.Mover{X: 1, Y: 2})
	c.RecordDeletion(1, 9)
	payload, err := replication.EncodeTransaction(c)
	require.NoError(t, err)

	serverErr := make(chan error, 1)
	go func() {
		hello, _ := (&protocol.Hello{Version: protocol.Version, Key: 77}).MarshalBinary()
		if err := protocol.WriteFrame(server, protocol.FrameHello, hello); err != nil {
			serverErr <- err
			return
		}
		frameType, _, err := protocol.ReadFrame(server, 0)
		if err != nil {
			serverErr <- err
			return
		}
		if frameType != protocol.FrameSyncRequest {
			serverErr <- assert.AnError
			return
		}
		protocol.WriteFrame(server, protocol.FrameSyncAck, nil)
		protocol.WriteFrame(server, protocol.FrameReplicationTransaction, payload)
		serverErr <- server.Close()
	}()

	key, err := v.handshake()
	require.NoError(t, err)
	assert.Equal(t, core.SessionKey(77), key)

	require.NoError(t, v.run(0), "EOF after the transaction ends the run cleanly")
	assert.NoError(t, <-serverErr)
}

func TestViewer_ServerError(t *testing.T) {
	v, server := newTestViewer(t)
	go func() {
		msg, _ := (&protocol.ErrorMessage{Code: protocol.ErrCodeSyncFailed, Message: "nope"}).MarshalBinary()
		protocol.WriteFrame(server, protocol.FrameError, msg)
	}()

	err := v.run(1)
	var msg *protocol.ErrorMessage
	require.ErrorAs(t, err, &msg)
	assert.Equal(t, protocol.ErrCodeSyncFailed, msg.Code)
}

func TestViewer_HandshakeRejectsWrongFrame(t *testing.T) {
	v, server := newTestViewer(t)
	go protocol.WriteFrame(server, protocol.FramePing, nil)

	_, err := v.handshake()
	assert.ErrorContains(t, err, "expected hello")
}
