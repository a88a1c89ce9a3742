package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventLoopThread_StartAndStop(t *testing.T) {
	th := NewEventLoopThread("worker", 0)
	assert.Nil(t, th.Loop())

	require.NoError(t, th.Start())
	assert.NotNil(t, th.Loop())
	assert.True(t, th.IsRunning())

	th.Stop()
	assert.False(t, th.IsRunning())
}

func TestEventLoopThread_InitCallbackRunsBeforeLoopBindsItsGoroutine(t *testing.T) {
	th := NewEventLoopThread("worker", 0)

	insideCh := make(chan bool, 1)
	th.SetLoopInitCallback(func(loop *EventLoop) {
		// The init callback runs on the goroutine that will become the
		// loop's owner, but before Loop has bound that goroutine as the
		// owner, matching original_source's EventLoopThread::run calling
		// init_callback_ before loop.run(). Ownership checks from inside
		// the callback therefore still report false.
		insideCh <- loop.IsInLoopThread()
	})

	require.NoError(t, th.Start())
	defer th.Stop()

	assert.False(t, <-insideCh)

	insideLoopCh := make(chan bool, 1)
	th.Loop().RunInLoop(func() { insideLoopCh <- th.Loop().IsInLoopThread() })
	assert.True(t, <-insideLoopCh)
}
