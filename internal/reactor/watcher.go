package reactor

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// wakePipe is a self-pipe used to interrupt a blocked poller wait from any
// goroutine, grounded on original_source's PipeEventWatcher. Go's epoll
// readiness model has no native cross-thread wake primitive, so, like the
// original, a loop keeps a pipe whose read end is registered with the
// poller and whose write end any goroutine may write a single byte to.
type wakePipe struct {
	readFD  int
	writeFD int

	// pending avoids queuing redundant wake bytes: multiple calls to notify
	// between two drains collapse into a single byte on the pipe.
	pending atomic.Bool
}

// newWakePipe creates a non-blocking, close-on-exec pipe pair.
func newWakePipe() (w *wakePipe, err error) {
	var fds [2]int
	if err = unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	return &wakePipe{readFD: fds[0], writeFD: fds[1]}, nil
}

// notify wakes the poller blocked on w.readFD, if it isn't already pending a
// wake.
func (w *wakePipe) notify() {
	if !w.pending.CompareAndSwap(false, true) {
		return
	}

	var b [1]byte
	for {
		_, err := unix.Write(w.writeFD, b[:])
		if err == unix.EINTR {
			continue
		}

		return
	}
}

// drain reads and discards every byte currently buffered on w.readFD and
// clears the pending flag, called from the loop goroutine after the poller
// reports readability.
func (w *wakePipe) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.readFD, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}

	w.pending.Store(false)
}

// close releases both ends of the pipe.
func (w *wakePipe) close() (err error) {
	err1 := unix.Close(w.readFD)
	err2 := unix.Close(w.writeFD)
	if err1 != nil {
		return err1
	}

	return err2
}

// signalWatcher bridges os/signal's channel-based delivery into a loop's
// task queue, the Go analogue of original_source's SignalEventWatcher
// (which registers a libevent signal handler per signal number).
type signalWatcher struct {
	ch     chan os.Signal
	signos []os.Signal
	stopCh chan struct{}
}

// newSignalWatcher starts watching for signos and delivers each received
// signal to callback by calling loop.QueueInLoop. Call stop to unregister.
func newSignalWatcher(loop *EventLoop, callback func(sig os.Signal), signos ...os.Signal) (w *signalWatcher) {
	w = &signalWatcher{
		ch:     make(chan os.Signal, 1),
		signos: signos,
		stopCh: make(chan struct{}),
	}

	signal.Notify(w.ch, signos...)

	go func() {
		for {
			select {
			case sig := <-w.ch:
				loop.QueueInLoop(func() { callback(sig) })
			case <-w.stopCh:
				return
			}
		}
	}()

	return w
}

// stop unregisters the watched signals and terminates the delivery
// goroutine. It is idempotent.
func (w *signalWatcher) stop() {
	signal.Stop(w.ch)

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}
