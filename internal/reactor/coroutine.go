package reactor

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Task is a unit of work submitted to a [CoroutineWorker].
type Task func()

// defaultIdlePollInterval matches original_source's sleep_time_ms_
// default of 10 milliseconds, the granularity at which an otherwise-idle
// worker polls for new work and fires its idle callback.
const defaultIdlePollInterval = 10 * time.Millisecond

// coroutineEntry tracks one in-flight task's start time, the Go analogue
// of original_source's co_start_times_/co_start_times_map_ pair: a
// min-ordered structure for O(log n) minimum queries plus an index for
// O(log n) removal on completion.
type coroutineEntry struct {
	id    int64
	start time.Time
	index int
}

type coroutineHeap []*coroutineEntry

func (h coroutineHeap) Len() int           { return len(h) }
func (h coroutineHeap) Less(i, j int) bool { return h[i].start.Before(h[j].start) }
func (h coroutineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *coroutineHeap) Push(x any) {
	e := x.(*coroutineEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *coroutineHeap) Pop() (x any) {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return e
}

// CoroutineWorker runs submitted tasks on a bounded set of goroutines,
// grounded on original_source's CoroutineThread.cpp/.hpp. A stackful
// coroutine library (libaco) is how the original gets cheap,
// independently-stacked units of work cooperatively scheduled on one OS
// thread; a goroutine already is a cheap, independently-growable-stack
// unit of work, preemptively scheduled by the Go runtime, so there is no
// `yield`/`resume` pair to port — submitted tasks simply run to
// completion as ordinary goroutines, bounded by a [ants.Pool] instead of
// by `max_coroutine_size_`. The single-thread cooperative scheduling that
// `use_shared_stack_` chooses between (one shared stack vs. one stack per
// coroutine) has no Go analogue either, since the Go runtime already
// manages goroutine stacks; there is deliberately no corresponding option
// here. The pool bound is a soft limit: once it is reached, the dispatch
// loop blocks submitting the next queued task rather than rejecting or
// dropping it, so a task that never returns holds its pool slot forever
// and stalls every task queued behind it.
type CoroutineWorker struct {
	Name string

	mu           sync.Mutex
	queue        []Task
	maxQueueSize int
	started      bool
	stopped      bool
	wake         chan struct{}
	done         chan struct{}

	pool *ants.Pool

	initCallback func()
	idleCallback func()
	idlePoll     time.Duration

	nextID  atomic.Int64
	timesMu sync.Mutex
	times   coroutineHeap
	byID    map[int64]*coroutineEntry

	log *slog.Logger
}

// NewCoroutineWorker creates a CoroutineWorker named name. maxCoroutines
// bounds how many submitted tasks may run concurrently; zero or negative
// means unbounded, matching original_source's max_coroutine_size_ == 0
// meaning "no cap".
func NewCoroutineWorker(name string, maxCoroutines int) (w *CoroutineWorker, err error) {
	size := maxCoroutines
	if size <= 0 {
		size = -1
	}

	pool, err := ants.NewPool(size, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}

	return &CoroutineWorker{
		Name:     name,
		wake:     make(chan struct{}, 1),
		pool:     pool,
		idlePoll: defaultIdlePollInterval,
		byID:     make(map[int64]*coroutineEntry),
		log:      slog.Default().With(slog.String("coroutine_worker", name)),
	}, nil
}

// SetInitCallback sets a hook run once, on the worker's dispatch
// goroutine, before it starts pulling tasks.
func (w *CoroutineWorker) SetInitCallback(cb func()) { w.initCallback = cb }

// SetIdleCallback sets a hook run every idle poll interval while the
// queue is empty.
func (w *CoroutineWorker) SetIdleCallback(cb func()) { w.idleCallback = cb }

// SetIdlePollInterval overrides the default 10ms idle poll granularity.
func (w *CoroutineWorker) SetIdlePollInterval(d time.Duration) { w.idlePoll = d }

// SetMaxQueueSize bounds how many unstarted tasks may be queued at once.
// Zero, the default, means unbounded.
func (w *CoroutineWorker) SetMaxQueueSize(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.maxQueueSize = n
}

// Start spawns the worker's dispatch goroutine.
func (w *CoroutineWorker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()

		return
	}

	w.started = true
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run()
}

// Stop stops accepting new tasks and waits for every queued and
// in-flight task to finish. This is a two-phase shutdown: first the
// queue drains (every already-submitted task still runs), then the pool
// drains (every task handed to a goroutine finishes), matching
// original_source's `while (!stopped_ || !coroutines_.empty())` loop
// condition in threadFunc.
func (w *CoroutineWorker) Stop() {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()

		return
	}

	w.stopped = true
	done := w.done
	w.mu.Unlock()

	w.signal()
	<-done

	w.pool.Release()
}

// Submit enqueues task for execution. It returns false if the worker has
// been stopped or the queue is at its configured maximum size.
func (w *CoroutineWorker) Submit(task Task) (ok bool) {
	w.mu.Lock()

	if w.stopped {
		w.mu.Unlock()

		return false
	}

	if w.maxQueueSize > 0 && len(w.queue) >= w.maxQueueSize {
		w.mu.Unlock()

		return false
	}

	w.queue = append(w.queue, task)
	w.mu.Unlock()

	w.signal()

	return true
}

// QueueSize returns the number of tasks waiting to be dispatched.
func (w *CoroutineWorker) QueueSize() (n int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.queue)
}

// RunningCount returns the number of tasks currently executing.
func (w *CoroutineWorker) RunningCount() (n int) { return w.pool.Running() }

// MinStartTime returns the start time of the longest-running in-flight
// task, or the current time if none is running, matching
// original_source's getMinCoroutinesStartTime fallback.
func (w *CoroutineWorker) MinStartTime() (t time.Time) {
	w.timesMu.Lock()
	defer w.timesMu.Unlock()

	if len(w.times) == 0 {
		return time.Now()
	}

	return w.times[0].start
}

func (w *CoroutineWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *CoroutineWorker) dequeue() (task Task, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.queue) == 0 {
		return nil, false
	}

	task = w.queue[0]
	w.queue = w.queue[1:]

	return task, true
}

func (w *CoroutineWorker) isDraining() (stopped bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.stopped
}

func (w *CoroutineWorker) registerStart(id int64) {
	w.timesMu.Lock()
	defer w.timesMu.Unlock()

	e := &coroutineEntry{id: id, start: time.Now()}
	heap.Push(&w.times, e)
	w.byID[id] = e
}

func (w *CoroutineWorker) unregisterStart(id int64) {
	w.timesMu.Lock()
	defer w.timesMu.Unlock()

	e, ok := w.byID[id]
	if !ok {
		return
	}

	heap.Remove(&w.times, e.index)
	delete(w.byID, id)
}

// run is the worker's dispatch loop: pull a task, hand it to the pool,
// repeat; when the queue is empty, wait for a wake-up or the idle poll
// interval, firing the idle callback on every poll. It exits once the
// worker has been stopped, the queue is empty, and nothing is running.
func (w *CoroutineWorker) run() {
	defer close(w.done)

	if w.initCallback != nil {
		w.initCallback()
	}

	ticker := time.NewTicker(w.idlePoll)
	defer ticker.Stop()

	for {
		task, ok := w.dequeue()
		if ok {
			w.dispatch(task)

			continue
		}

		if w.isDraining() && w.pool.Running() == 0 {
			return
		}

		select {
		case <-w.wake:
		case <-ticker.C:
			if w.idleCallback != nil {
				w.idleCallback()
			}
		}
	}
}

func (w *CoroutineWorker) dispatch(task Task) {
	id := w.nextID.Add(1)
	w.registerStart(id)

	err := w.pool.Submit(func() {
		defer w.unregisterStart(id)

		task()
	})
	if err != nil {
		w.log.Error("submit failed", slog.Any("err", err), slog.Int64("task_id", id))
		w.unregisterStart(id)
	}
}
