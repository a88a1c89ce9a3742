package reactor

import "time"

// pollEvent is the readiness state reported for one registered fd.
type pollEvent struct {
	fd       int
	readable bool
	writable bool
	// hup reports a peer hangup or error condition (EPOLLHUP/EPOLLERR),
	// surfaced so the owning Channel can treat it like a readable event and
	// let the next read() discover EOF/ECONNRESET, matching original_source's
	// treatment of EV_READ on a closed descriptor.
	hup bool
}

// poller is the non-blocking readiness demultiplexer a loop polls on each
// iteration, the Go analogue of original_source's libevent event_base
// wrapped by EventLoop. Implementations must only be driven from a single
// goroutine.
type poller interface {
	// add registers fd for the given interest set.
	add(fd int, readable, writable bool) (err error)

	// modify updates fd's interest set. fd must already be registered.
	modify(fd int, readable, writable bool) (err error)

	// remove unregisters fd. It is a no-op if fd is not registered.
	remove(fd int) (err error)

	// wait blocks up to timeout for readiness, appending any events to dst
	// and returning the (possibly reused) slice. timeout <= 0 waits
	// forever.
	wait(dst []pollEvent, timeout time.Duration) (events []pollEvent, err error)

	// close releases the poller's resources.
	close() (err error)
}
