package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPoller_ReportsReadableAfterWrite(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.add(fds[0], true, false))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, err := p.wait(nil, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, fds[0], events[0].fd)
	require.True(t, events[0].readable)
}

func TestPoller_WaitTimesOutWithNoEvents(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	start := time.Now()
	events, err := p.wait(nil, 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, events)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPoller_ModifyAndRemove(t *testing.T) {
	p, err := newPoller()
	require.NoError(t, err)
	defer p.close()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.add(fds[0], false, false))
	require.NoError(t, p.modify(fds[0], true, false))

	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)

	events, err := p.wait(nil, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, p.remove(fds[0]))
}
