package reactor

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// DispatchPolicy selects how [EventLoopThreadPool.Next] picks a loop among
// the pool's members.
type DispatchPolicy int

// Supported dispatch policies, grounded on original_source's
// ThreadExecutorPool::getNextExecutor/getNextExecutorWithHash trio.
const (
	// RoundRobin cycles through loops in order.
	RoundRobin DispatchPolicy = iota
	// Random picks a uniformly random loop.
	Random
	// FDHashing picks a loop deterministically from an fd or connection
	// key, so repeated calls with the same key land on the same loop.
	FDHashing
)

// drainPollInterval is how often a shrinking thread's exitCheck is
// re-polled while it drains.
const drainPollInterval = 100 * time.Millisecond

// poolThread pairs a thread with its draining state. A draining thread is
// still counted by [EventLoopThreadPool.IOThreadNum] (it is still in the
// pool, still consuming a goroutine) but excluded from dispatch and from
// [EventLoopThreadPool.AvailableIOThreadNum], matching original_source's
// EventLoopThreadPool shrink design: mark first, remove once idle.
type poolThread struct {
	thread   *EventLoopThread
	draining atomic.Bool
}

// EventLoopThreadPool manages a fixed-size, resizable set of
// [EventLoopThread]s and dispatches work across them, grounded on
// original_source's EventLoopThreadPool/ThreadExecutorPool pair. Unlike a
// goroutine pool such as ants.Pool, which recycles disposable workers for
// short tasks, this tracks a small number of long-lived, named loops and
// hands callers a reference to one of them.
type EventLoopThreadPool struct {
	Name   string
	Policy DispatchPolicy

	mu      sync.Mutex
	threads []*poolThread
	next    atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}

	initCallback func(*EventLoop)
}

// NewEventLoopThreadPool creates a pool of n EventLoopThreads, named
// "<name>-0".."<name>-(n-1)". It does not start any of them.
func NewEventLoopThreadPool(name string, n int, policy DispatchPolicy) (pool *EventLoopThreadPool) {
	pool = &EventLoopThreadPool{Name: name, Policy: policy, stopCh: make(chan struct{})}

	for i := range n {
		pool.threads = append(pool.threads, &poolThread{thread: NewEventLoopThread(fmt.Sprintf("%s-%d", name, i), i)})
	}

	return pool
}

// SetLoopInitCallback sets a hook run on every loop's goroutine as it
// starts, including loops added later by Grow.
func (pool *EventLoopThreadPool) SetLoopInitCallback(cb func(*EventLoop)) {
	pool.initCallback = cb
}

// Start starts every thread in the pool, stopping and returning the first
// error encountered if any thread fails to start.
func (pool *EventLoopThreadPool) Start() (err error) {
	pool.mu.Lock()
	threads := append([]*poolThread(nil), pool.threads...)
	pool.mu.Unlock()

	for _, pt := range threads {
		if pool.initCallback != nil {
			pt.thread.SetLoopInitCallback(pool.initCallback)
		}

		if err = pt.thread.Start(); err != nil {
			pool.Stop()

			return fmt.Errorf("start pool %s: %w", pool.Name, err)
		}
	}

	return nil
}

// Stop stops every thread in the pool and waits for them to exit. Any
// in-flight Shrink drains are woken so their background goroutines exit
// instead of leaking.
func (pool *EventLoopThreadPool) Stop() {
	pool.stopOnce.Do(func() { close(pool.stopCh) })

	pool.mu.Lock()
	threads := append([]*poolThread(nil), pool.threads...)
	pool.mu.Unlock()

	var wg sync.WaitGroup
	for _, pt := range threads {
		wg.Add(1)

		go func(pt *poolThread) {
			defer wg.Done()

			pt.thread.Stop()
		}(pt)
	}

	wg.Wait()
}

// IOThreadNum returns the number of threads currently in the pool,
// draining or not.
func (pool *EventLoopThreadPool) IOThreadNum() (n int) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	return len(pool.threads)
}

// AvailableIOThreadNum returns the number of threads in the pool whose loop
// is currently running and not marked draining.
func (pool *EventLoopThreadPool) AvailableIOThreadNum() (n int) {
	pool.mu.Lock()
	threads := append([]*poolThread(nil), pool.threads...)
	pool.mu.Unlock()

	for _, pt := range threads {
		if !pt.draining.Load() && pt.thread.IsRunning() {
			n++
		}
	}

	return n
}

// Next selects a loop according to pool.Policy, skipping threads marked
// draining. key is used only by FDHashing; it is ignored otherwise. Next
// returns ErrNotStarted if the pool has no eligible threads.
func (pool *EventLoopThreadPool) Next(key uint64) (loop *EventLoop, err error) {
	pool.mu.Lock()
	all := pool.threads
	pool.mu.Unlock()

	eligible := make([]*poolThread, 0, len(all))
	for _, pt := range all {
		if !pt.draining.Load() {
			eligible = append(eligible, pt)
		}
	}

	if len(eligible) == 0 {
		return nil, errors.Annotate(ErrNotStarted, "event loop thread pool %s: %w", pool.Name)
	}

	var idx int

	switch pool.Policy {
	case Random:
		idx = rand.IntN(len(eligible))
	case FDHashing:
		idx = int(key % uint64(len(eligible)))
	default:
		idx = int(pool.next.Add(1)-1) % len(eligible)
	}

	return eligible[idx].thread.Loop(), nil
}

// RunWithAllLoop runs fn once per loop currently in the pool, draining or
// not, via each loop's RunInLoop.
func (pool *EventLoopThreadPool) RunWithAllLoop(fn func(*EventLoop)) {
	pool.mu.Lock()
	threads := append([]*poolThread(nil), pool.threads...)
	pool.mu.Unlock()

	for _, pt := range threads {
		loop := pt.thread.Loop()
		if loop == nil {
			continue
		}

		loop.RunInLoop(func() { fn(loop) })
	}
}

// Grow adds n new threads to the pool and starts them immediately,
// applying the pool's init callback to each. The new threads become
// eligible for dispatch as soon as Grow returns.
func (pool *EventLoopThreadPool) Grow(n int) (err error) {
	pool.mu.Lock()
	base := len(pool.threads)
	pool.mu.Unlock()

	added := make([]*poolThread, 0, n)
	for i := range n {
		t := NewEventLoopThread(fmt.Sprintf("%s-%d", pool.Name, base+i), base+i)
		if pool.initCallback != nil {
			t.SetLoopInitCallback(pool.initCallback)
		}

		if err = t.Start(); err != nil {
			for _, started := range added {
				started.thread.Stop()
			}

			return fmt.Errorf("grow pool %s: %w", pool.Name, err)
		}

		added = append(added, &poolThread{thread: t})
	}

	pool.mu.Lock()
	pool.threads = append(pool.threads, added...)
	pool.mu.Unlock()

	return nil
}

// Shrink marks the pool's last n threads as draining: they are immediately
// excluded from [EventLoopThreadPool.Next] dispatch and from
// [EventLoopThreadPool.AvailableIOThreadNum], but still counted by
// [EventLoopThreadPool.IOThreadNum] until they actually stop. For each
// marked thread, Shrink starts a background goroutine that polls exitCheck
// every [drainPollInterval] (or, if exitCheck is nil, proceeds immediately)
// until it reports true, then stops the thread and splices it out of the
// pool. Shrink itself does not block on draining; it returns as soon as the
// threads are marked, reporting how many were marked. A thread must not be
// stopped while connections are still live on it, so removal waits for
// exitCheck rather than happening inline.
func (pool *EventLoopThreadPool) Shrink(n int, exitCheck func(idx int, loop *EventLoop) bool) (marked int) {
	pool.mu.Lock()
	avail := len(pool.threads)
	if n > avail {
		n = avail
	}

	toDrain := append([]*poolThread(nil), pool.threads[avail-n:]...)
	pool.mu.Unlock()

	for _, pt := range toDrain {
		pt.draining.Store(true)
		marked++

		go pool.drainThread(pt, exitCheck)
	}

	return marked
}

// drainThread waits for exitCheck to clear pt (or for the pool to stop),
// then removes pt from the pool.
func (pool *EventLoopThreadPool) drainThread(pt *poolThread, exitCheck func(idx int, loop *EventLoop) bool) {
	if exitCheck != nil {
		ticker := time.NewTicker(drainPollInterval)
		defer ticker.Stop()

	waitLoop:
		for {
			if exitCheck(pt.thread.idx, pt.thread.Loop()) {
				break waitLoop
			}

			select {
			case <-ticker.C:
			case <-pool.stopCh:
				return
			}
		}
	}

	pt.thread.Stop()

	pool.mu.Lock()
	for i, cur := range pool.threads {
		if cur == pt {
			pool.threads = append(pool.threads[:i], pool.threads[i+1:]...)

			break
		}
	}
	pool.mu.Unlock()
}
