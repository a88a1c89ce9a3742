package reactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoroutineWorker_RunsSubmittedTasks(t *testing.T) {
	w, err := NewCoroutineWorker("test", 4)
	require.NoError(t, err)

	w.Start()
	t.Cleanup(w.Stop)

	var ran atomic.Int32

	for range 10 {
		ok := w.Submit(func() { ran.Add(1) })
		require.True(t, ok)
	}

	require.Eventually(t, func() bool { return ran.Load() == 10 }, 2*time.Second, 10*time.Millisecond)
}

func TestCoroutineWorker_MaxQueueSizeRejectsOverflow(t *testing.T) {
	w, err := NewCoroutineWorker("bounded", 4)
	require.NoError(t, err)
	t.Cleanup(func() { w.pool.Release() })

	// The worker is deliberately never started, so the queue length
	// reflects exactly what Submit has appended.
	w.SetMaxQueueSize(2)

	assert.True(t, w.Submit(func() {}))
	assert.True(t, w.Submit(func() {}))
	assert.False(t, w.Submit(func() {}))
}

func TestCoroutineWorker_StopDrainsQueueAndRunningTasks(t *testing.T) {
	w, err := NewCoroutineWorker("drain", 2)
	require.NoError(t, err)

	w.Start()

	var ran atomic.Int32

	for range 5 {
		require.True(t, w.Submit(func() {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}))
	}

	w.Stop()

	assert.EqualValues(t, 5, ran.Load())
	assert.False(t, w.Submit(func() {}))
}

func TestCoroutineWorker_IdleCallbackFiresWhenQueueEmpty(t *testing.T) {
	w, err := NewCoroutineWorker("idle", 1)
	require.NoError(t, err)

	w.SetIdlePollInterval(5 * time.Millisecond)

	var idleCount atomic.Int32
	w.SetIdleCallback(func() { idleCount.Add(1) })

	w.Start()
	t.Cleanup(w.Stop)

	require.Eventually(t, func() bool { return idleCount.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestCoroutineWorker_MinStartTimeTracksLongestRunningTask(t *testing.T) {
	w, err := NewCoroutineWorker("times", 2)
	require.NoError(t, err)

	w.Start()
	t.Cleanup(w.Stop)

	before := time.Now()

	release := make(chan struct{})
	require.True(t, w.Submit(func() { <-release }))

	require.Eventually(t, func() bool { return w.RunningCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.False(t, w.MinStartTime().Before(before.Add(-time.Millisecond)))
	assert.True(t, w.MinStartTime().Before(time.Now().Add(time.Millisecond)))

	close(release)
}
