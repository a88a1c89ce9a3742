package reactor

import (
	"log/slog"
	"time"

	"golang.org/x/sys/unix"
)

// connectorStatus is the Connector's connection attempt state.
type connectorStatus int

// Connector status values, matching original_source's Connector::Status.
const (
	connectorDisconnected connectorStatus = iota
	connectorConnecting
	connectorConnected
)

func (s connectorStatus) String() (str string) {
	switch s {
	case connectorDisconnected:
		return "disconnected"
	case connectorConnecting:
		return "connecting"
	case connectorConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Default and limit retry delays, matching
// original_source's kInitRetryDelayTime/kMaxRetryDelayTime.
const (
	initRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 30 * time.Second
)

// Connector establishes one outbound TCP connection, retrying with
// doubling backoff when needRetry is set, grounded on
// original_source's Connector.cpp/.hpp.
type Connector struct {
	loop     *EventLoop
	endpoint Endpoint

	connectingTimeout time.Duration
	needRetry         bool

	status         connectorStatus
	fd             int
	channel        *Channel
	connectingTimer TimerID
	hasTimer       bool
	retryDelay     time.Duration

	newConnFunc NewConnectionFunc
	log         *slog.Logger
}

// NewConnector creates a Connector for endpoint, bound to loop.
func NewConnector(loop *EventLoop, endpoint Endpoint, connectingTimeout time.Duration, needRetry bool) (c *Connector) {
	return &Connector{
		loop:              loop,
		endpoint:          endpoint,
		connectingTimeout: connectingTimeout,
		needRetry:         needRetry,
		status:            connectorDisconnected,
		fd:                -1,
		retryDelay:        initRetryDelay,
		log:               slog.Default().With(slog.String("endpoint", endpoint.String())),
	}
}

// SetNewConnectionCallback sets the function invoked on success (fd >= 0)
// or terminal failure (fd == -1, matching the spec's failure sentinel).
func (c *Connector) SetNewConnectionCallback(fn NewConnectionFunc) { c.newConnFunc = fn }

// IsConnecting reports whether a connection attempt is currently in
// flight.
func (c *Connector) IsConnecting() (ok bool) { return c.status == connectorConnecting }

// Start begins the first connection attempt. Must be called from the
// owning loop's goroutine.
func (c *Connector) Start() {
	c.loop.AssertInLoopThread()

	if c.endpoint.Host == "" {
		c.log.Error("connector start failed: empty address")
		c.needRetry = false
		c.handleError(ErrInvalidAddr)

		return
	}

	c.connect()
}

// Cancel aborts an in-flight connection attempt. It is a no-op unless a
// connection is currently being attempted. Must be called from the
// owning loop's goroutine.
func (c *Connector) Cancel() {
	c.loop.AssertInLoopThread()

	if c.status != connectorConnecting {
		return
	}

	c.needRetry = false
	c.status = connectorDisconnected
	c.closeTimer()
	c.closeChannel()
	c.closeFD()
}

func (c *Connector) connect() {
	sa, family, err := sockaddr(c.endpoint.Host, c.endpoint.Port)
	if err != nil {
		c.handleError(err)

		return
	}

	fd, err := newNonblockingSocket(family)
	if err != nil {
		c.handleError(err)

		return
	}

	c.fd = fd
	c.connectingTimer = c.loop.RunAfterTimer(c.connectingTimeout, c.onConnectTimeout)
	c.hasTimer = true

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS && err != unix.EINTR {
		c.handleError(err)

		return
	}

	c.status = connectorConnecting
	c.channel = NewChannel(c.loop, fd)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.EnableWriteEvent()
}

func (c *Connector) handleWrite() {
	if c.status == connectorDisconnected {
		return
	}

	if sockErr := socketError(c.fd); sockErr != nil {
		c.handleError(sockErr)

		return
	}

	c.status = connectorConnected
	c.closeTimer()
	c.closeChannel()

	local, err := localAddr(c.fd)
	if err != nil {
		local = ""
	}

	remote := ToIPPort(c.endpoint.Host, c.endpoint.Port)
	fd := c.fd
	c.fd = -1

	c.newConnFunc(fd, local, remote, c.endpoint.IsTLS())
}

func (c *Connector) handleError(err error) {
	c.status = connectorDisconnected
	c.log.Warn("connector error", slog.Any("err", err))

	c.closeTimer()
	c.closeChannel()
	c.closeFD()

	refused := isRefused(err)
	if refused || !c.needRetry {
		c.newConnFunc(-1, "", ToIPPort(c.endpoint.Host, c.endpoint.Port), c.endpoint.IsTLS())
	}

	if c.needRetry && !refused {
		delay := c.retryDelay
		c.loop.RunAfterTimer(delay, c.connect)

		c.retryDelay *= 2
		if c.retryDelay > maxRetryDelay {
			c.retryDelay = maxRetryDelay
		}
	}
}

func (c *Connector) onConnectTimeout() {
	if c.status == connectorConnected {
		return
	}

	c.hasTimer = false
	c.handleError(unix.ETIMEDOUT)
}

func (c *Connector) closeTimer() {
	if c.hasTimer {
		c.loop.CancelTimer(c.connectingTimer)
		c.hasTimer = false
	}
}

func (c *Connector) closeChannel() {
	if c.channel != nil {
		c.channel.CloseEvent()
		c.channel = nil
	}
}

func (c *Connector) closeFD() {
	if c.fd != -1 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}

// isRefused reports whether err corresponds to a peer actively refusing
// the connection, which the spec treats as non-retryable regardless of
// needRetry.
func isRefused(err error) (ok bool) {
	return err == unix.ECONNREFUSED
}
