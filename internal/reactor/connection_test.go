package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newTestSocketpair returns two connected, nonblocking TCP-like fds and
// registers cleanup to close whichever side the test hasn't already closed.
func newTestSocketpair(t *testing.T) (a, b int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

func TestConnection_AttachFiresConnectionCallbackAndEnablesRead(t *testing.T) {
	loop := startLoop(t)
	fd, peer := newTestSocketpair(t)

	var connectedCount atomic.Int32
	done := make(chan struct{})

	loop.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.SetConnectionCallback(func(c Conn) {
			connectedCount.Add(1)
			close(done)
		})
		c.AttachToLoop(loop)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connection callback never fired")
	}

	assert.EqualValues(t, 1, connectedCount.Load())
	unix.Close(peer)
}

func TestConnection_MessageCallbackReceivesData(t *testing.T) {
	loop := startLoop(t)
	fd, peer := newTestSocketpair(t)

	received := make(chan string, 1)

	loop.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.SetMessageCallback(func(c Conn, buf *Buffer) {
			received <- string(buf.Bytes())
			buf.Skip(buf.Len())
		})
		c.AttachToLoop(loop)
	})

	_, err := unix.Write(peer, []byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("message callback never fired")
	}
}

func TestConnection_SendWritesImmediatelyWhenIdle(t *testing.T) {
	loop := startLoop(t)
	fd, peer := newTestSocketpair(t)

	attached := make(chan *Connection, 1)

	loop.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.AttachToLoop(loop)
		attached <- c
	})

	c := <-attached
	c.Send([]byte("ping"))

	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, _ := unix.Read(peer, buf)

		return n == 4 && string(buf[:4]) == "ping"
	}, time.Second, 10*time.Millisecond)
}

func TestConnection_SendFromOutsideLoopIsMarshalled(t *testing.T) {
	loop := startLoop(t)
	fd, peer := newTestSocketpair(t)

	attached := make(chan *Connection, 1)

	loop.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.AttachToLoop(loop)
		attached <- c
	})

	c := <-attached

	// Called from the test goroutine, not loop's own goroutine.
	c.Send([]byte("pong"))

	buf := make([]byte, 16)
	require.Eventually(t, func() bool {
		n, _ := unix.Read(peer, buf)

		return n == 4 && string(buf[:4]) == "pong"
	}, time.Second, 10*time.Millisecond)
}

func TestConnection_CloseFiresCallbacksOnceAndIsIdempotent(t *testing.T) {
	loop := startLoop(t)
	fd, peer := newTestSocketpair(t)
	defer unix.Close(peer)

	var connCBCount, closeCBCount atomic.Int32
	closed := make(chan struct{})

	attached := make(chan *Connection, 1)

	loop.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.SetConnectionCallback(func(c Conn) {
			connCBCount.Add(1)
			if c.IsDisconnected() {
				close(closed)
			}
		})
		c.SetCloseCallback(func(c Conn) { closeCBCount.Add(1) })
		c.AttachToLoop(loop)
		attached <- c
	})

	c := <-attached
	c.Close()
	c.Close() // idempotent

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection never closed")
	}

	assert.EqualValues(t, 2, connCBCount.Load())
	assert.EqualValues(t, 1, closeCBCount.Load())
	assert.True(t, c.IsDisconnected())
}

func TestConnection_PeerCloseTriggersErrorPath(t *testing.T) {
	loop := startLoop(t)
	fd, peer := newTestSocketpair(t)

	closed := make(chan struct{})

	loop.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.SetConnectionCallback(func(c Conn) {
			if c.IsDisconnected() {
				close(closed)
			}
		})
		c.AttachToLoop(loop)
	})

	unix.Close(peer)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("connection never noticed peer close")
	}
}

func TestConnection_MoveToNewLoopReattaches(t *testing.T) {
	loopA := startLoop(t)
	loopB := startLoop(t)

	fd, peer := newTestSocketpair(t)
	defer unix.Close(peer)

	attached := make(chan *Connection, 1)

	loopA.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.AttachToLoop(loopA)
		attached <- c
	})

	c := <-attached

	moved := make(chan bool, 1)
	c.MoveToNewLoop(loopB, func() { moved <- true }, func() { moved <- false })

	select {
	case ok := <-moved:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("move never completed")
	}

	require.Eventually(t, func() bool {
		return c.Loop() == loopB
	}, time.Second, 10*time.Millisecond)

	received := make(chan string, 1)
	loopB.RunInLoop(func() {
		c.SetMessageCallback(func(c Conn, buf *Buffer) {
			received <- string(buf.Bytes())
			buf.Skip(buf.Len())
		})
	})

	_, err := unix.Write(peer, []byte("hi"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hi", got)
	case <-time.After(time.Second):
		t.Fatal("connection did not read on its new loop")
	}
}

// TestConnection_SendDuringMigrationIsNotDropped races Send calls against a
// MoveToNewLoop in flight: some Sends are issued from outside the loop
// while c.loop is briefly nil (detached from loopA, not yet attached to
// loopB). None of that data may be lost — it must be held and replayed once
// the new loop takes ownership, per [Connection.Send]'s migrationQueue.
func TestConnection_SendDuringMigrationIsNotDropped(t *testing.T) {
	loopA := startLoop(t)
	loopB := startLoop(t)

	fd, peer := newTestSocketpair(t)
	defer unix.Close(peer)

	attached := make(chan *Connection, 1)
	loopA.RunInLoop(func() {
		c := NewConnection(fd, "local", "remote")
		c.AttachToLoop(loopA)
		attached <- c
	})

	c := <-attached

	const n = 50

	moved := make(chan bool, 1)

	var sent atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)

		for i := 0; i < n; i++ {
			c.Send([]byte{'x'})
			sent.Add(1)
		}
	}()

	c.MoveToNewLoop(loopB, func() { moved <- true }, func() { moved <- false })

	select {
	case ok := <-moved:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("move never completed")
	}

	<-done

	var total int
	buf := make([]byte, 4096)
	require.Eventually(t, func() bool {
		for {
			nr, err := unix.Read(peer, buf)
			if nr <= 0 || err != nil {
				break
			}

			total += nr
		}

		return total == int(sent.Load())
	}, 2*time.Second, 10*time.Millisecond, "expected all bytes sent across the migration to arrive, got %d", total)
}
