package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/gomsync/core"
)

func TestTCPConn_CloseUnblocksPendingWrite(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	// No write deadline and nobody reading: Write blocks until Close.
	c := newTCPConn(serverSide, 0, 0)

	writeErr := make(chan error, 1)
	go func() { writeErr <- c.Write([]byte("stuck")) }()
	time.Sleep(20 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited for the pending Write")
	}

	select {
	case err := <-writeErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Write still blocked after Close")
	}

	assert.NoError(t, c.Close())
	assert.ErrorIs(t, c.Write([]byte("late")), core.ErrSessionClosed)
}
