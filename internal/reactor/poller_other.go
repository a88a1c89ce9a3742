//go:build !linux

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable fallback demultiplexer for non-Linux unix
// platforms, built on poll(2) rather than a per-platform readiness API
// (kqueue, etc). It is not the exercised path — the target environment is
// Linux and the epoll implementation in poller_linux.go is the one the
// rest of the package is developed and tested against — but it keeps the
// package buildable elsewhere.
type pollPoller struct {
	fds map[int]int // fd -> index into pfds, rebuilt lazily
	pfds []unix.PollFd
}

// type check
var _ poller = (*pollPoller)(nil)

// newPoller creates the platform readiness demultiplexer.
func newPoller() (p poller, err error) {
	return &pollPoller{fds: make(map[int]int)}, nil
}

func (p *pollPoller) add(fd int, readable, writable bool) (err error) {
	p.fds[fd] = len(p.pfds)
	p.pfds = append(p.pfds, unix.PollFd{Fd: int32(fd), Events: pollEvents(readable, writable)})

	return nil
}

func (p *pollPoller) modify(fd int, readable, writable bool) (err error) {
	idx, ok := p.fds[fd]
	if !ok {
		return fmt.Errorf("poller: modify unknown fd %d", fd)
	}

	p.pfds[idx].Events = pollEvents(readable, writable)

	return nil
}

func (p *pollPoller) remove(fd int) (err error) {
	idx, ok := p.fds[fd]
	if !ok {
		return nil
	}

	last := len(p.pfds) - 1
	p.pfds[idx] = p.pfds[last]
	p.fds[int(p.pfds[idx].Fd)] = idx
	p.pfds = p.pfds[:last]
	delete(p.fds, fd)

	return nil
}

func pollEvents(readable, writable bool) (mask int16) {
	if readable {
		mask |= unix.POLLIN
	}

	if writable {
		mask |= unix.POLLOUT
	}

	return mask
}

func (p *pollPoller) wait(dst []pollEvent, timeout time.Duration) (events []pollEvent, err error) {
	timeoutMs := -1
	if timeout > 0 {
		timeoutMs = int(timeout.Milliseconds())
		if timeoutMs <= 0 {
			timeoutMs = 1
		}
	}

	n, err := unix.Poll(p.pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}

		return dst, fmt.Errorf("poll: %w", err)
	}

	if n == 0 {
		return dst, nil
	}

	for _, pfd := range p.pfds {
		if pfd.Revents == 0 {
			continue
		}

		dst = append(dst, pollEvent{
			fd:       int(pfd.Fd),
			readable: pfd.Revents&(unix.POLLIN|unix.POLLPRI) != 0,
			writable: pfd.Revents&unix.POLLOUT != 0,
			hup:      pfd.Revents&(unix.POLLHUP|unix.POLLERR) != 0,
		})
	}

	return dst, nil
}

func (p *pollPoller) close() (err error) {
	return nil
}
