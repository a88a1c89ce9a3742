package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux readiness demultiplexer, grounded on the
// ioPoller abstraction sketched in the joeycumines-go-utilpkg event-loop
// reference file (under other_examples/), built directly against
// golang.org/x/sys/unix since none of the pack's complete repos vendor a
// raw epoll wrapper.
type epollPoller struct {
	epfd int

	// events is a scratch buffer reused across wait calls to avoid
	// allocating per iteration.
	events []unix.EpollEvent
}

// type check
var _ poller = (*epollPoller)(nil)

// newPoller creates the platform readiness demultiplexer.
func newPoller() (p poller, err error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &epollPoller{epfd: epfd, events: make([]unix.EpollEvent, 128)}, nil
}

// eventMask translates an interest set into an epoll event mask.
func eventMask(readable, writable bool) (mask uint32) {
	if readable {
		mask |= unix.EPOLLIN
	}

	if writable {
		mask |= unix.EPOLLOUT
	}

	return mask
}

func (p *epollPoller) add(fd int, readable, writable bool) (err error) {
	ev := unix.EpollEvent{Events: eventMask(readable, writable), Fd: int32(fd)}
	if err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add: %w", err)
	}

	return nil
}

func (p *epollPoller) modify(fd int, readable, writable bool) (err error) {
	ev := unix.EpollEvent{Events: eventMask(readable, writable), Fd: int32(fd)}
	if err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod: %w", err)
	}

	return nil
}

func (p *epollPoller) remove(fd int) (err error) {
	err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return fmt.Errorf("epoll_ctl del: %w", err)
	}

	return nil
}

func (p *epollPoller) wait(dst []pollEvent, timeout time.Duration) (events []pollEvent, err error) {
	timeoutMs := -1
	if timeout > 0 {
		timeoutMs = int(timeout.Milliseconds())
		if timeoutMs <= 0 {
			timeoutMs = 1
		}
	}

	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}

		return dst, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := range n {
		raw := p.events[i]

		dst = append(dst, pollEvent{
			fd:       int(raw.Fd),
			readable: raw.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
			writable: raw.Events&unix.EPOLLOUT != 0,
			hup:      raw.Events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0,
		})
	}

	return dst, nil
}

func (p *epollPoller) close() (err error) {
	if err = unix.Close(p.epfd); err != nil {
		return fmt.Errorf("close epoll fd: %w", err)
	}

	return nil
}
