package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestPipe(t *testing.T) (readFD, writeFD int) {
	t.Helper()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

func TestChannel_ReadCallbackFiresOnData(t *testing.T) {
	loop := startLoop(t)
	rfd, wfd := newTestPipe(t)

	var got atomic.Bool

	loop.RunInLoop(func() {
		ch := NewChannel(loop, rfd)
		ch.SetReadCallback(func() { got.Store(true) })
		ch.EnableReadEvent()
	})

	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, got.Load, time.Second, time.Millisecond)
}

func TestChannel_DisableReadStopsCallbacks(t *testing.T) {
	loop := startLoop(t)
	rfd, wfd := newTestPipe(t)

	var count atomic.Int32
	chCh := make(chan *Channel, 1)

	loop.RunInLoop(func() {
		ch := NewChannel(loop, rfd)
		ch.SetReadCallback(func() {
			count.Add(1)

			var buf [8]byte
			unix.Read(rfd, buf[:])
		})
		ch.EnableReadEvent()
		chCh <- ch
	})

	ch := <-chCh

	_, err := unix.Write(wfd, []byte("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)

	loop.RunInLoop(ch.DisableReadEvent)

	_, err = unix.Write(wfd, []byte("b"))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestChannel_IsNoneEventAfterDisableAll(t *testing.T) {
	loop := startLoop(t)
	rfd, _ := newTestPipe(t)

	done := make(chan bool, 1)
	loop.RunInLoop(func() {
		ch := NewChannel(loop, rfd)
		ch.EnableReadEvent()
		ch.EnableWriteEvent()
		ch.DisableAllEvent()
		done <- ch.IsNoneEvent()
	})

	assert.True(t, <-done)
}

func TestChannel_CloseEventIsIdempotent(t *testing.T) {
	loop := startLoop(t)
	rfd, _ := newTestPipe(t)

	var closes atomic.Int32
	done := make(chan struct{})

	loop.RunInLoop(func() {
		ch := NewChannel(loop, rfd)
		ch.SetCloseCallback(func() { closes.Add(1) })
		ch.EnableReadEvent()

		ch.CloseEvent()
		ch.CloseEvent()

		close(done)
	})

	<-done
	assert.Equal(t, int32(1), closes.Load())
}
