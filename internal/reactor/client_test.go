package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoServer starts a minimal TcpServer that echoes everything it
// reads back to the sender, returning its real listen address.
func startEchoServer(t *testing.T, loop *EventLoop) (addr string) {
	t.Helper()

	srv := NewTcpServer(loop, "client-test-echo", 1, RoundRobin)
	srv.SetMessageCallback(func(c Conn, buf *Buffer) {
		c.Send(buf.Bytes())
		buf.Skip(buf.Len())
	})

	require.NoError(t, srv.AddListenEndpoint("tcp://127.0.0.1:0"))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	addrs := srv.RealListenAddrs()
	require.Len(t, addrs, 1)

	for _, a := range addrs {
		addr = a
	}

	return addr
}

func TestTcpClient_ConnectsAndRoundTrips(t *testing.T) {
	loop := startLoop(t)
	addr := startEchoServer(t, loop)

	client, err := NewTcpClient(loop, "tcp://"+addr)
	require.NoError(t, err)

	connected := make(chan Conn, 1)
	received := make(chan string, 1)

	client.SetConnectionCallback(func(c Conn) {
		if c.IsConnected() {
			connected <- c
		}
	})
	client.SetMessageCallback(func(c Conn, buf *Buffer) {
		received <- string(buf.Bytes())
		buf.Skip(buf.Len())
	})

	client.Connect()

	var conn Conn

	select {
	case conn = <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}

	conn.Send([]byte("hello"))

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the echo")
	}

	assert.True(t, client.IsConnected())

	client.Disconnect()
}

func TestTcpClient_FailedConnectFiresSyntheticDisconnect(t *testing.T) {
	loop := startLoop(t)

	client, err := NewTcpClient(loop, "tcp://127.0.0.1:1")
	require.NoError(t, err)

	client.SetConnectingTimeout(200 * time.Millisecond)

	failed := make(chan Conn, 1)
	client.SetConnectionCallback(func(c Conn) {
		if c.IsDisconnected() {
			failed <- c
		}
	})

	client.Connect()

	select {
	case c := <-failed:
		assert.False(t, c.IsConnected())
	case <-time.After(3 * time.Second):
		t.Fatal("client never reported the failed connection")
	}

	assert.False(t, client.IsConnected())
}
