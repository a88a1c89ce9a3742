package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTcpServer_AcceptsAndEchoesAndStops(t *testing.T) {
	baseLoop := startLoop(t)

	srv := NewTcpServer(baseLoop, "echo", 2, RoundRobin)

	var accepted atomic.Int32

	srv.SetConnectionCallback(func(c Conn) {
		if c.IsConnected() {
			accepted.Add(1)
		}
	})
	srv.SetMessageCallback(func(c Conn, buf *Buffer) {
		c.Send(buf.Bytes())
		buf.Skip(buf.Len())
	})

	require.NoError(t, srv.AddListenEndpoint("tcp://127.0.0.1:0"))
	require.NoError(t, srv.Start())

	t.Cleanup(srv.Stop)

	addrs := srv.RealListenAddrs()
	require.Len(t, addrs, 1)

	var realAddr string
	for _, a := range addrs {
		realAddr = a
	}

	family := unix.AF_INET
	fd, err := newNonblockingSocket(family)
	require.NoError(t, err)

	host, port, err := ParseFromIPPort(realAddr)
	require.NoError(t, err)

	sa, _, err := sockaddr(host, port)
	require.NoError(t, err)

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return accepted.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.EqualValues(c, 1, srv.ConnCount())
	}, 2*time.Second, 10*time.Millisecond)

	msg := []byte("ping")
	_, err = unix.Write(fd, msg)
	require.NoError(t, err)

	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		n, rerr := unix.Read(fd, buf)

		return rerr == nil && n == len(msg) && string(buf[:n]) == "ping"
	}, 2*time.Second, 10*time.Millisecond)

	_ = unix.Close(fd)
}

func TestTcpServer_StartTwiceFails(t *testing.T) {
	baseLoop := startLoop(t)

	srv := NewTcpServer(baseLoop, "dup", 1, RoundRobin)
	require.NoError(t, srv.AddListenEndpoint("tcp://127.0.0.1:0"))
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	assert.ErrorIs(t, srv.Start(), ErrAlreadyStarted)
}

func TestTcpServer_StopFiresClosedCallbackWithNoConnections(t *testing.T) {
	baseLoop := startLoop(t)

	srv := NewTcpServer(baseLoop, "empty", 1, RoundRobin)
	require.NoError(t, srv.AddListenEndpoint("tcp://127.0.0.1:0"))
	require.NoError(t, srv.Start())

	closed := make(chan struct{})
	srv.SetClosedCallback(func() { close(closed) })

	srv.Stop()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("closed callback never fired")
	}
}
