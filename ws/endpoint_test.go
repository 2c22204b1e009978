package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpoint_ServerAndConnectLifecycle(t *testing.T) {
	e := NewEndpoint()

	opened := make(chan *Conn, 1)
	srv, err := e.Server("127.0.0.1:0", Handler{
		OnOpen: func(c *Conn) { opened <- c },
	})
	require.NoError(t, err)
	go srv.Serve()

	require.Len(t, e.ListServers(), 1)

	clientClosed := make(chan struct{})
	client, err := e.Connect("ws://"+srv.Addr().String()+"/", Handler{
		OnClose: func(c *Conn, status Status) { close(clientClosed) },
	})
	require.NoError(t, err)
	require.Len(t, e.ListConnections(), 1)

	select {
	case c := <-opened:
		assert.True(t, c.IsOpen())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side open")
	}

	require.NoError(t, e.CloseAll("shutting down"))
	assert.Empty(t, e.ListServers(), "CloseAll must untrack the stopped server")

	select {
	case <-clientClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client close")
	}

	assert.False(t, client.IsOpen())
	assert.Eventually(t, func() bool {
		return len(e.ListConnections()) == 0
	}, 2*time.Second, 10*time.Millisecond, "CloseAll must untrack the closed connection")
}

func TestEndpoint_CloseAllWithNoChildren(t *testing.T) {
	e := NewEndpoint()
	assert.NoError(t, e.CloseAll("noop"))
}
