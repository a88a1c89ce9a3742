package reactor

import (
	"bytes"
	"container/heap"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// TimerID identifies a scheduled timer for cancellation.
type TimerID uint64

// defaultPollTimeout bounds how long a poll iteration blocks when no timer
// is due sooner, so the loop periodically notices a concurrent Stop call
// even under a pathological poller implementation.
const defaultPollTimeout = time.Second

// timerEntry is one scheduled callback, ordered by deadline in the loop's
// min-heap, the Go analogue of original_source's Timer/TimerEventWatcher
// pair minus the libevent per-timer fd: a single shared heap replaces one
// fd per timer.
type timerEntry struct {
	id       TimerID
	deadline time.Time
	interval time.Duration // zero for one-shot timers
	callback func()
	index    int
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() (x any) {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}

// pendingTask pairs a task with a predicate reporting the loop its closed-
// over object currently expects to run on, the Go analogue of
// original_source's queueInLoopMaybeRedir pair. expected is re-evaluated at
// drain time, not when the task is enqueued, so it always reflects the
// object's current owner even if that owner changed while the task sat in
// the queue.
type pendingTask struct {
	expected func() *EventLoop // nil means "no redirection check"
	fn       func()
}

// EventLoop is a single-threaded reactor: one goroutine runs [EventLoop.Loop],
// polling a [poller] for I/O readiness, firing due timers, and draining a
// cross-goroutine task queue, grounded on original_source's
// EventLoop.cpp/.hpp.
//
// Every method documented as loop-thread-only must be called from the
// goroutine that called Loop; RunInLoop, QueueInLoop, WakeUp,
// RunAfterTimer, RunEveryTimer, and CancelTimer are safe from any
// goroutine.
type EventLoop struct {
	Name string
	ID   string

	log *slog.Logger

	poller poller
	wake   *wakePipe

	channels map[int]*Channel

	mu          sync.Mutex
	pending     []pendingTask
	pendingFlag atomic.Bool

	timers     timerHeap
	timerByID  map[TimerID]*timerEntry
	nextTimer  atomic.Uint64
	timerMu    sync.Mutex

	tid      atomic.Int64 // goroutine-affinity marker, set on first Loop call; 0 means unbound
	running  atomic.Bool
	stopping atomic.Bool

	beforeSleep func()
	afterSleep  func()
}

// NewEventLoop creates an EventLoop. The loop does nothing until
// [EventLoop.Loop] is called, which must happen on the goroutine meant to
// own it for its lifetime.
func NewEventLoop(opts ...func(*EventLoop)) (loop *EventLoop, err error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("new poller: %w", err)
	}

	wake, err := newWakePipe()
	if err != nil {
		_ = p.close()

		return nil, fmt.Errorf("new wake pipe: %w", err)
	}

	loop = &EventLoop{
		ID:        uuid.NewString(),
		log:       slog.Default(),
		poller:    p,
		wake:      wake,
		channels:  make(map[int]*Channel),
		timerByID: make(map[TimerID]*timerEntry),
	}

	for _, opt := range opts {
		opt(loop)
	}

	loop.log = loop.log.With(slog.String("loop_id", loop.ID))

	if err = p.add(wake.readFD, true, false); err != nil {
		_ = wake.close()
		_ = p.close()

		return nil, fmt.Errorf("register wake pipe: %w", err)
	}

	return loop, nil
}

// WithLogger sets the loop's structured logger.
func WithLogger(l *slog.Logger) func(*EventLoop) {
	return func(loop *EventLoop) { loop.log = l }
}

// WithName sets a human-readable name surfaced in logs, matching
// original_source's EventLoop(name) constructor parameter.
func WithName(name string) func(*EventLoop) {
	return func(loop *EventLoop) { loop.Name = name }
}

// WithBeforeSleep sets a hook invoked just before each blocking poll.
func WithBeforeSleep(cb func()) func(*EventLoop) {
	return func(loop *EventLoop) { loop.beforeSleep = cb }
}

// WithAfterSleep sets a hook invoked just after each blocking poll returns.
func WithAfterSleep(cb func()) func(*EventLoop) {
	return func(loop *EventLoop) { loop.afterSleep = cb }
}

// goroutineID extracts the calling goroutine's runtime identifier by
// parsing the header line of runtime.Stack. Go has no public goroutine-local
// storage, so this, rather than a true thread-local comparison, is how
// IsInLoopThread tells the owning goroutine apart from any other.
func goroutineID() (id int64) {
	var buf [64]byte

	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}

	id, _ = strconv.ParseInt(string(fields[1]), 10, 64)

	return id
}

// bindCurrentGoroutine records the calling goroutine as loop's owner.
func (loop *EventLoop) bindCurrentGoroutine() { loop.tid.Store(goroutineID()) }

// IsInLoopThread reports whether the calling goroutine is the one running
// Loop. Before Loop has been called, it always returns false.
func (loop *EventLoop) IsInLoopThread() (ok bool) {
	id := loop.tid.Load()

	return id != 0 && id == goroutineID()
}

// AssertInLoopThread panics with [ErrNotInLoopThread] if the calling
// goroutine does not own loop, mirroring original_source's runtimeAssert
// calls guarding loop-thread-only methods.
func (loop *EventLoop) AssertInLoopThread() {
	if !loop.IsInLoopThread() {
		panic(fmt.Errorf("%w: loop %s", ErrNotInLoopThread, loop.ID))
	}
}

// IsRunning reports whether Loop is currently executing.
func (loop *EventLoop) IsRunning() (ok bool) { return loop.running.Load() }

// Loop runs the loop's poll/dispatch cycle until [EventLoop.Stop] is
// called. It must be called from exactly one goroutine, which becomes the
// loop's owning goroutine for the remainder of its lifetime.
func (loop *EventLoop) Loop() (err error) {
	loop.bindCurrentGoroutine()
	loop.running.Store(true)
	defer loop.running.Store(false)

	var events []pollEvent

	for !loop.stopping.Load() {
		if loop.beforeSleep != nil {
			loop.beforeSleep()
		}

		timeout := loop.nextTimeout()

		events = events[:0]
		events, err = loop.poller.wait(events, timeout)
		if err != nil {
			return fmt.Errorf("poller wait: %w", err)
		}

		if loop.afterSleep != nil {
			loop.afterSleep()
		}

		for _, ev := range events {
			if ev.fd == loop.wake.readFD {
				loop.wake.drain()

				continue
			}

			if ch, ok := loop.channels[ev.fd]; ok {
				ch.handleEvent(ev)
			}
		}

		loop.runDueTimers()
		loop.doPendingTasks()
	}

	return nil
}

// Stop requests the loop to exit its run cycle after the current
// iteration. It is safe to call from any goroutine.
func (loop *EventLoop) Stop() {
	if loop.stopping.CompareAndSwap(false, true) {
		loop.WakeUp()
	}
}

// WakeUp interrupts a blocked poll wait, used internally whenever a
// cross-goroutine call needs the loop to notice new work immediately. It
// is always safe to call, including before Loop starts or after Stop.
func (loop *EventLoop) WakeUp() { loop.wake.notify() }

// RunInLoop executes fn immediately if called from the owning goroutine,
// or queues it to run at the start of the next iteration otherwise.
func (loop *EventLoop) RunInLoop(fn func()) {
	if loop.IsInLoopThread() {
		fn()

		return
	}

	loop.QueueInLoop(fn)
}

// QueueInLoop always queues fn to run on the owning goroutine, even when
// called from it, so ordering with already-queued tasks is preserved.
func (loop *EventLoop) QueueInLoop(fn func()) {
	loop.queueInLoopMaybeRedir(nil, fn)
}

// QueueInLoopMaybeRedir queues fn against loop, but re-evaluates expected()
// at drain time rather than trusting loop to still be the right place to
// run it. This is the primitive [Connection] migration relies on: a task
// queued against the old loop while [Connection.MoveToNewLoop] is in
// flight must neither run against the wrong loop's state nor be silently
// dropped. At drain time, if expected() still reports loop, fn runs; if it
// reports nil (the object is between loops, with no owner set yet), the
// task is re-queued on loop to be retried on the next iteration; if it
// reports a different loop, the task follows the object there instead of
// being lost. nil means "no redirection check, always run".
func (loop *EventLoop) QueueInLoopMaybeRedir(expected func() *EventLoop, fn func()) {
	loop.queueInLoopMaybeRedir(expected, fn)
}

func (loop *EventLoop) queueInLoopMaybeRedir(expected func() *EventLoop, fn func()) {
	loop.mu.Lock()
	loop.pending = append(loop.pending, pendingTask{expected: expected, fn: fn})
	loop.mu.Unlock()

	if loop.pendingFlag.CompareAndSwap(false, true) {
		loop.WakeUp()
	}
}

// HasPendingTask reports whether a task is queued and not yet executed.
func (loop *EventLoop) HasPendingTask() (ok bool) {
	loop.mu.Lock()
	defer loop.mu.Unlock()

	return len(loop.pending) > 0
}

// PendingQueueSize returns the number of tasks currently queued.
func (loop *EventLoop) PendingQueueSize() (n int) {
	loop.mu.Lock()
	defer loop.mu.Unlock()

	return len(loop.pending)
}

func (loop *EventLoop) doPendingTasks() {
	loop.mu.Lock()
	tasks := loop.pending
	loop.pending = nil
	loop.mu.Unlock()

	loop.pendingFlag.Store(false)

	for _, t := range tasks {
		if t.expected == nil {
			t.fn()

			continue
		}

		switch target := t.expected(); target {
		case loop:
			t.fn()
		case nil:
			// No owner settled yet (mid-migration): retry next iteration
			// instead of losing the task.
			loop.queueInLoopMaybeRedir(t.expected, t.fn)
		default:
			// The owner has since moved to a different loop: follow it
			// there rather than dropping the task.
			target.queueInLoopMaybeRedir(t.expected, t.fn)
		}
	}
}

// RunAfterTimer schedules callback to run once after delay elapses.
func (loop *EventLoop) RunAfterTimer(delay time.Duration, callback func()) (id TimerID) {
	return loop.scheduleTimer(delay, 0, callback)
}

// RunEveryTimer schedules callback to run repeatedly every interval,
// starting after the first interval elapses.
func (loop *EventLoop) RunEveryTimer(interval time.Duration, callback func()) (id TimerID) {
	return loop.scheduleTimer(interval, interval, callback)
}

func (loop *EventLoop) scheduleTimer(delay, interval time.Duration, callback func()) (id TimerID) {
	id = TimerID(loop.nextTimer.Add(1))
	entry := &timerEntry{
		id:       id,
		deadline: time.Now().Add(delay),
		interval: interval,
		callback: callback,
	}

	loop.RunInLoop(func() {
		loop.timerMu.Lock()
		defer loop.timerMu.Unlock()

		heap.Push(&loop.timers, entry)
		loop.timerByID[id] = entry
	})

	return id
}

// CancelTimer cancels a previously scheduled timer. It is a no-op if id is
// unknown or has already fired (for one-shot timers) or been cancelled.
func (loop *EventLoop) CancelTimer(id TimerID) {
	loop.RunInLoop(func() {
		loop.timerMu.Lock()
		defer loop.timerMu.Unlock()

		if e, ok := loop.timerByID[id]; ok {
			e.canceled = true
			delete(loop.timerByID, id)
		}
	})
}

// TimerCount returns the number of timers currently scheduled.
func (loop *EventLoop) TimerCount() (n int) {
	loop.timerMu.Lock()
	defer loop.timerMu.Unlock()

	return len(loop.timerByID)
}

// nextTimeout computes how long the next poll wait may block: until the
// next timer deadline, capped at defaultPollTimeout.
func (loop *EventLoop) nextTimeout() (d time.Duration) {
	loop.timerMu.Lock()
	defer loop.timerMu.Unlock()

	if len(loop.timers) == 0 {
		return defaultPollTimeout
	}

	next := loop.timers[0]
	d = time.Until(next.deadline)
	if d < 0 {
		d = 0
	}

	if d > defaultPollTimeout {
		d = defaultPollTimeout
	}

	return d
}

func (loop *EventLoop) runDueTimers() {
	now := time.Now()

	var due []*timerEntry

	loop.timerMu.Lock()
	for len(loop.timers) > 0 && !loop.timers[0].deadline.After(now) {
		e := heap.Pop(&loop.timers).(*timerEntry)
		if e.canceled {
			continue
		}

		due = append(due, e)

		if e.interval > 0 {
			e.deadline = now.Add(e.interval)
			heap.Push(&loop.timers, e)
		} else {
			delete(loop.timerByID, e.id)
		}
	}
	loop.timerMu.Unlock()

	for _, e := range due {
		func() {
			defer loop.recoverPanic()

			e.callback()
		}()
	}
}

// recoverPanic mirrors original_source's handlePanicAndExit: a panic inside
// user callback code is a programmer error, not a recoverable I/O
// condition, and is fatal to the process rather than silently dropped.
func (loop *EventLoop) recoverPanic() {
	if r := recover(); r != nil {
		loop.log.Error("fatal panic in loop callback", slog.Any("panic", r))

		panic(r)
	}
}

// attachChannel registers ch with the poller and the fd index.
func (loop *EventLoop) attachChannel(ch *Channel) {
	loop.channels[ch.fd] = ch
	if err := loop.poller.add(ch.fd, ch.readable, ch.writable); err != nil {
		loop.log.Error("attach channel failed", slog.Int("fd", ch.fd), slog.Any("err", err))
	}
}

// updateChannel pushes ch's current interest set to the poller.
func (loop *EventLoop) updateChannel(ch *Channel) {
	if ch.IsNoneEvent() {
		if err := loop.poller.remove(ch.fd); err != nil {
			loop.log.Error("remove channel failed", slog.Int("fd", ch.fd), slog.Any("err", err))
		}

		delete(loop.channels, ch.fd)
		ch.attached = false

		return
	}

	if err := loop.poller.modify(ch.fd, ch.readable, ch.writable); err != nil {
		loop.log.Error("modify channel failed", slog.Int("fd", ch.fd), slog.Any("err", err))
	}
}

// detachChannel removes ch from the poller and the fd index without
// touching its interest set, used by DetachFromLoopAndReset.
func (loop *EventLoop) detachChannel(ch *Channel) {
	if err := loop.poller.remove(ch.fd); err != nil {
		loop.log.Error("detach channel failed", slog.Int("fd", ch.fd), slog.Any("err", err))
	}

	delete(loop.channels, ch.fd)
}

// Close releases the loop's poller and wake pipe. Loop must have returned
// before Close is called.
func (loop *EventLoop) Close() (err error) {
	err1 := loop.poller.close()
	err2 := loop.wake.close()

	if err1 != nil {
		return err1
	}

	return err2
}
