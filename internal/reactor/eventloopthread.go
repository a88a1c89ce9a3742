package reactor

import (
	"fmt"
	"log/slog"
	"sync"
)

// EventLoopThread owns exactly one [EventLoop] running on a dedicated
// goroutine, grounded on original_source's EventLoopThread.cpp/.hpp. In
// the original, a thread is a heavyweight OS resource one allocates
// sparingly; here the "thread" is a goroutine, but the one-loop-per-thread
// contract and the start/ready-signal/stop lifecycle carry over unchanged.
type EventLoopThread struct {
	Name string
	idx  int

	mu      sync.Mutex
	loop    *EventLoop
	readyCh chan struct{}
	doneCh  chan struct{}

	initCallback func(*EventLoop)
	log          *slog.Logger
}

// NewEventLoopThread creates an EventLoopThread. Start must be called
// before [EventLoopThread.Loop] returns a non-nil loop.
func NewEventLoopThread(name string, idx int) (t *EventLoopThread) {
	return &EventLoopThread{
		Name:    name,
		idx:     idx,
		readyCh: make(chan struct{}),
		log:     slog.Default().With(slog.String("event_loop_thread", name)),
	}
}

// SetLoopInitCallback sets a hook run on the new loop's goroutine, after the
// loop is constructed but before Start returns, matching
// original_source's setLoopInitCallback.
func (t *EventLoopThread) SetLoopInitCallback(cb func(*EventLoop)) { t.initCallback = cb }

// Start spawns the owning goroutine and blocks until its EventLoop is
// constructed and its Loop is running, so IsRunning reports true on return.
func (t *EventLoopThread) Start() (err error) {
	startErr := make(chan error, 1)
	t.doneCh = make(chan struct{})

	go func() {
		defer close(t.doneCh)

		loop, err := NewEventLoop(WithName(t.Name))
		if err != nil {
			startErr <- fmt.Errorf("event loop thread %s: %w", t.Name, err)
			close(t.readyCh)

			return
		}

		t.mu.Lock()
		t.loop = loop
		t.mu.Unlock()

		if t.initCallback != nil {
			t.initCallback(loop)
		}

		startErr <- nil
		close(t.readyCh)

		if runErr := loop.Loop(); runErr != nil {
			t.log.Error("event loop exited with error", slog.Any("err", runErr))
		}

		_ = loop.Close()
	}()

	<-t.readyCh
	if err = <-startErr; err != nil {
		return err
	}

	// Wait for Loop to be executing before returning.
	running := make(chan struct{})
	t.Loop().QueueInLoop(func() { close(running) })
	<-running

	return nil
}

// Loop returns the goroutine's EventLoop, or nil before Start's
// construction step has completed.
func (t *EventLoopThread) Loop() (loop *EventLoop) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.loop
}

// Stop requests the owning loop to exit and waits for its goroutine to
// return.
func (t *EventLoopThread) Stop() {
	if loop := t.Loop(); loop != nil {
		loop.Stop()
	}

	if t.doneCh != nil {
		<-t.doneCh
	}
}

// IsRunning reports whether the owning loop is currently running.
func (t *EventLoopThread) IsRunning() (ok bool) {
	loop := t.Loop()

	return loop != nil && loop.IsRunning()
}
