package reactor

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// somaxconn is the listen backlog, matching the teacher's netext listener
// defaults for TCP listeners.
const somaxconn = 4096

// NewConnectionFunc is invoked on the acceptor's loop goroutine for every
// accepted connection. isTLS reflects the scheme the [Acceptor] was
// constructed with.
type NewConnectionFunc func(fd int, localAddr, remoteAddr string, isTLS bool)

// Acceptor listens on one endpoint and hands accepted connections to a
// callback, grounded on original_source's Acceptor.cpp/.hpp.
type Acceptor struct {
	loop     *EventLoop
	endpoint Endpoint

	listenFD    int
	realAddr    string
	channel     *Channel
	newConnFunc NewConnectionFunc

	log *slog.Logger
}

// NewAcceptor creates an Acceptor for endpoint, bound to loop. Listen must
// be called before StartAccept.
func NewAcceptor(loop *EventLoop, endpoint Endpoint) (a *Acceptor) {
	return &Acceptor{
		loop:     loop,
		endpoint: endpoint,
		listenFD: -1,
		log:      slog.Default().With(slog.String("endpoint", endpoint.String())),
	}
}

// SetNewConnectionCallback sets the function invoked for each accepted
// connection. It must be set before StartAccept.
func (a *Acceptor) SetNewConnectionCallback(fn NewConnectionFunc) { a.newConnFunc = fn }

// RealListenAddr returns the address actually bound, which resolves a
// requested wildcard port (0) to the kernel-assigned one. It is only valid
// after Listen succeeds.
func (a *Acceptor) RealListenAddr() (addr string) { return a.realAddr }

// Listen creates, binds, and listens on the acceptor's endpoint.
func (a *Acceptor) Listen() (err error) {
	family := resolveFamily(a.endpoint.Host)

	fd, err := newNonblockingSocket(family)
	if err != nil {
		return fmt.Errorf("acceptor: %w", err)
	}

	if err = setReuseAddrPort(fd); err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("acceptor: %w", err)
	}

	sa, _, err := sockaddr(a.endpoint.Host, a.endpoint.Port)
	if err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("acceptor: %w", err)
	}

	if err = unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("acceptor: bind %s: %w", a.endpoint, err)
	}

	realAddr, err := localAddr(fd)
	if err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("acceptor: %w", err)
	}

	if err = unix.Listen(fd, somaxconn); err != nil {
		_ = unix.Close(fd)

		return fmt.Errorf("acceptor: listen %s: %w", a.endpoint, err)
	}

	a.listenFD = fd
	a.realAddr = realAddr
	a.log.Info("listening", slog.String("real_addr", realAddr))

	return nil
}

// StartAccept registers the listening socket with the loop and begins
// accepting connections. SetNewConnectionCallback must have been called
// first.
func (a *Acceptor) StartAccept() {
	if a.newConnFunc == nil {
		panic(fmt.Errorf("reactor: acceptor %s: StartAccept called without a connection callback", a.endpoint))
	}

	a.channel = NewChannel(a.loop, a.listenFD)
	a.channel.SetReadCallback(a.handleAccept)

	a.loop.RunInLoop(a.channel.EnableReadEvent)
}

// Stop unregisters the acceptor's channel and closes the listening socket.
// It does not affect already-accepted connections.
func (a *Acceptor) Stop() {
	a.loop.RunInLoop(func() {
		a.log.Debug("acceptor stopping")

		if a.channel != nil {
			a.channel.CloseEvent()
		}

		if a.listenFD != -1 {
			_ = unix.Close(a.listenFD)
			a.listenFD = -1
		}
	})
}

// handleAccept drains pending connections from the listening socket. It
// tolerates EAGAIN/EINTR (nothing pending right now) and logs other
// accept errors without stopping the acceptor, matching the original's
// per-accept error handling.
func (a *Acceptor) handleAccept() {
	a.loop.AssertInLoopThread()

	for {
		nfd, _, err := unix.Accept4(a.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if !isTransient(err) {
				a.log.Warn("accept failed", slog.Any("err", err))
			}

			return
		}

		if err = setTCPNoDelay(nfd); err != nil {
			a.log.Debug("set tcp nodelay failed", slog.Any("err", err))
		}

		remote, err := peerAddr(nfd)
		if err != nil {
			a.log.Error("peer addr lookup failed, closing", slog.Any("err", err))
			_ = unix.Close(nfd)

			continue
		}

		a.newConnFunc(nfd, a.realAddr, remote, a.endpoint.IsTLS())
	}
}
