package reactor

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// connStatus is the lifecycle state of a [Connection], grounded on
// original_source's TcpConnection::Status. A plain [Connection] is created
// Disconnected and becomes Connected in [Connection.AttachToLoop]; it never
// reports Connecting. A [TLSConnection] is created Connecting. Once
// Connected, status only moves forward: Disconnecting, then Disconnected.
type connStatus int32

const (
	connDisconnected connStatus = iota
	connConnecting
	connConnected
	connDisconnecting
)

func (s connStatus) String() (str string) {
	switch s {
	case connDisconnected:
		return "disconnected"
	case connConnecting:
		return "connecting"
	case connConnected:
		return "connected"
	case connDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// defaultHighWaterMark is the default output-buffer size, in bytes, above
// which [Connection.SetHighWaterMarkCallback]'s callback fires. Matches
// original_source's 128MiB default.
const defaultHighWaterMark = 128 * 1024 * 1024

// Conn is the surface a [TcpServer] or [TcpClient] needs from an
// established stream, satisfied by both [*Connection] and
// [*TLSConnection]. original_source stores both kinds behind a single
// TcpConnectionPtr (virtual dispatch through a shared_ptr<TcpConnection>
// base); Go has no such implicit upcast, so the two concrete types share
// this interface instead.
type Conn interface {
	FD() int
	LocalAddr() string
	RemoteAddr() string
	IsTLSConnection() bool
	Status() connStatus
	IsConnected() bool
	IsConnecting() bool
	IsDisconnected() bool
	Loop() *EventLoop
	InputBuffer() *Buffer
	SetConnectionCallback(ConnectionCallback)
	SetMessageCallback(MessageCallback)
	SetWriteCompleteCallback(WriteCompleteCallback)
	SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int)
	SetCloseCallback(CloseCallback)
	SetContext(any)
	Context() any
	Send([]byte)
	Close()
	MoveToNewLoop(newLoop *EventLoop, successCB, failCB func())
}

// ConnectionCallback is invoked exactly twice over a Conn's life: once
// after it attaches to a loop and reaches Connected, and once when it
// reaches Disconnected.
type ConnectionCallback func(c Conn)

// MessageCallback is invoked once per readable event with the bytes that
// arrived. The callback must consume what it wants from buf (via
// [Buffer.Skip]); whatever is left stays buffered for the next call.
type MessageCallback func(c Conn, buf *Buffer)

// WriteCompleteCallback is invoked when the output buffer transitions from
// non-empty to empty, and also after a Send whose data was written to the
// socket in full without being buffered.
type WriteCompleteCallback func(c Conn)

// HighWaterMarkCallback is invoked when the output buffer's size crosses
// the high water mark while growing.
type HighWaterMarkCallback func(c Conn, size int)

// CloseCallback is the server/client's own teardown hook, distinct from
// ConnectionCallback, which is user-facing. Not for use outside this
// package.
type CloseCallback func(c Conn)

// type check
var _ Conn = (*Connection)(nil)

// Connection is one established TCP (or TLS, see [TLSConnection]) byte
// stream, owned by a single [EventLoop] goroutine at a time. Grounded on
// original_source's TcpConnection.cpp/.hpp.
//
// Send, Close and MoveToNewLoop are safe to call from any goroutine: calls
// from outside the owning loop's goroutine are marshalled onto it via
// [EventLoop.QueueInLoopMaybeRedir]. AttachToLoop and InputBuffer must be
// used from the owning loop's goroutine.
type Connection struct {
	fd int

	localAddr  string
	remoteAddr string

	// loopMu guards loop and migrationQueue. loop changes twice per call to
	// [Connection.MoveToNewLoop] (old loop -> nil -> new loop) and is read
	// from arbitrary goroutines by Send/Close. migrationQueue holds data
	// from Send calls that landed in the nil window, replayed once the new
	// loop claims ownership.
	loopMu         sync.Mutex
	loop           *EventLoop
	migrationQueue [][]byte

	channel *Channel

	status atomic.Int32

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	context any

	log *slog.Logger
}

// NewConnection wraps fd as a Connection. The Connection is not yet
// attached to any loop or readable: call [Connection.AttachToLoop] once a
// loop has accepted ownership.
func NewConnection(fd int, localAddr, remoteAddr string) (c *Connection) {
	c = &Connection{
		fd:            fd,
		localAddr:     localAddr,
		remoteAddr:    remoteAddr,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
		log:           slog.Default().With(slog.String("remote_addr", remoteAddr)),
	}
	c.status.Store(int32(connDisconnected))

	return c
}

// FD returns the underlying file descriptor.
func (c *Connection) FD() (fd int) { return c.fd }

// LocalAddr returns the connection's local endpoint in host:port form.
func (c *Connection) LocalAddr() (addr string) { return c.localAddr }

// RemoteAddr returns the connection's peer endpoint in host:port form.
func (c *Connection) RemoteAddr() (addr string) { return c.remoteAddr }

// IsTLSConnection reports whether this is a TLS connection. Connection
// itself is always plaintext; [TLSConnection] overrides this.
func (c *Connection) IsTLSConnection() (ok bool) { return false }

// Status returns the current lifecycle state.
func (c *Connection) Status() (s connStatus) { return connStatus(c.status.Load()) }

// IsConnected reports whether the connection is fully established.
func (c *Connection) IsConnected() (ok bool) { return c.Status() == connConnected }

// IsConnecting reports whether the connection is mid-handshake.
func (c *Connection) IsConnecting() (ok bool) { return c.Status() == connConnecting }

// IsDisconnected reports whether the connection has fully torn down.
func (c *Connection) IsDisconnected() (ok bool) { return c.Status() == connDisconnected }

// Loop returns the loop currently owning this connection, or nil if it is
// mid-migration between loops.
func (c *Connection) Loop() (loop *EventLoop) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	return c.loop
}

// InputBuffer returns the connection's read buffer. Must only be accessed
// from the owning loop's goroutine, typically from a [MessageCallback].
func (c *Connection) InputBuffer() (buf *Buffer) { return c.inputBuffer }

// SetConnectionCallback sets the user-facing connect/disconnect hook.
func (c *Connection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback sets the hook invoked with newly read bytes.
func (c *Connection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback sets the hook invoked once the output buffer
// drains to empty.
func (c *Connection) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// SetHighWaterMarkCallback sets the hook invoked when the output buffer
// grows past mark bytes, and records mark as the new threshold.
func (c *Connection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetCloseCallback sets the internal teardown hook used by TcpServer and
// TcpClient to remove the connection from their registries. Not for use by
// library users.
func (c *Connection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// SetContext attaches an arbitrary value to the connection for later
// retrieval by the caller's own callbacks.
func (c *Connection) SetContext(ctx any) { c.context = ctx }

// Context returns the value last passed to [Connection.SetContext].
func (c *Connection) Context() (ctx any) { return c.context }

// AttachToLoop binds a freshly accepted or connected Connection to loop,
// enables read readiness, and fires the connection callback. Must be
// called from loop's own goroutine.
func (c *Connection) AttachToLoop(loop *EventLoop) {
	loop.AssertInLoopThread()

	c.loopMu.Lock()
	c.loop = loop
	c.loopMu.Unlock()

	c.channel = NewChannel(loop, c.fd)
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)

	c.status.Store(int32(connConnected))
	c.channel.EnableReadEvent()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// Send queues data for writing. If called from the owning loop's
// goroutine it writes opportunistically first; otherwise it is marshalled
// onto that goroutine. A send that lands in the brief window where the
// connection is between loops (mid [Connection.MoveToNewLoop]) is held and
// replayed once the new loop claims ownership, rather than dropped.
func (c *Connection) Send(data []byte) {
	if c.Status() != connConnected {
		c.log.Debug("send on non-connected connection, dropping")

		return
	}

	c.loopMu.Lock()
	loop := c.loop
	if loop == nil {
		buf := make([]byte, len(data))
		copy(buf, data)

		c.migrationQueue = append(c.migrationQueue, buf)
		c.loopMu.Unlock()

		return
	}
	c.loopMu.Unlock()

	if loop.IsInLoopThread() {
		c.sendInLoop(data)

		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	loop.QueueInLoopMaybeRedir(c.Loop, func() { c.sendInLoop(buf) })
}

func (c *Connection) sendInLoop(data []byte) {
	if c.Status() != connConnected {
		c.log.Debug("disconnected before queued send ran, dropping")

		return
	}

	var nwritten int
	remaining := len(data)

	if !c.channel.HasWritableEvent() && c.outputBuffer.Len() == 0 {
		n, err := unix.Write(c.fd, data)
		if err != nil {
			if !isTransient(err) {
				if isBenignClose(err) {
					c.handleError()

					return
				}

				c.log.Debug("write failed", slog.Any("err", err))
			}

			n = 0
		}

		nwritten = n
		remaining = len(data) - n

		if remaining == 0 && c.writeCompleteCallback != nil {
			c.writeCompleteCallback(c)
		}
	}

	if remaining <= 0 {
		return
	}

	before := c.outputBuffer.Len()
	after := before + remaining
	if after >= c.highWaterMark && before < c.highWaterMark && c.highWaterMarkCallback != nil {
		c.highWaterMarkCallback(c, after)
	}

	c.outputBuffer.Append(data[nwritten:])
	if !c.channel.HasWritableEvent() {
		c.channel.EnableWriteEvent()
	}
}

// Close begins an orderly shutdown: no more reads or writes are
// dispatched, and the close callback and connection callback each fire
// exactly once. Safe to call from any goroutine, any number of times.
func (c *Connection) Close() {
	for {
		cur := connStatus(c.status.Load())
		if cur == connDisconnecting || cur == connDisconnected {
			return
		}

		if c.status.CompareAndSwap(int32(cur), int32(connDisconnecting)) {
			break
		}
	}

	loop := c.Loop()
	if loop == nil {
		// Mid-migration: the new loop's attach step sees Disconnecting and
		// finishes the close there.
		return
	}

	if loop.IsInLoopThread() {
		c.handleClose()

		return
	}

	loop.QueueInLoopMaybeRedir(c.Loop, c.handleClose)
}

// MoveToNewLoop detaches the connection from its current loop and
// reattaches it to newLoop, invoking successCB once it is usable there, or
// failCB if the connection was not connected or was closed while the move
// was in flight (the close is then completed on newLoop). Grounded on
// original_source's TcpConnection::moveToNewLoop.
func (c *Connection) MoveToNewLoop(newLoop *EventLoop, successCB, failCB func()) {
	loop := c.Loop()
	if loop == nil || c.Status() != connConnected {
		failCB()

		return
	}

	if loop.IsInLoopThread() {
		c.moveToNewLoopInLoop(newLoop, successCB, failCB)

		return
	}

	loop.QueueInLoopMaybeRedir(c.Loop, func() { c.moveToNewLoopInLoop(newLoop, successCB, failCB) })
}

func (c *Connection) moveToNewLoopInLoop(newLoop *EventLoop, successCB, failCB func()) {
	if c.Status() != connConnected {
		failCB()

		return
	}

	c.channel.DetachFromLoopAndReset()

	c.loopMu.Lock()
	c.loop = nil
	c.loopMu.Unlock()

	newLoop.QueueInLoop(func() {
		c.channel.AttachToNewLoop(newLoop)

		c.loopMu.Lock()
		c.loop = newLoop
		queued := c.migrationQueue
		c.migrationQueue = nil
		c.loopMu.Unlock()

		if c.Status() == connDisconnecting {
			c.handleClose()
			failCB()

			return
		}

		for _, buf := range queued {
			c.sendInLoop(buf)
		}

		successCB()
	})
}

func (c *Connection) handleRead() {
	const emptyBufferMaxCapacity = 1024 * 1024

	if c.inputBuffer.Len() == 0 && c.inputBuffer.Cap() > emptyBufferMaxCapacity {
		c.inputBuffer.Reinit()
	}

	n, err := c.inputBuffer.ReadFromFD(c.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer)
		} else {
			c.inputBuffer.Skip(c.inputBuffer.Len())
		}
	case n == 0:
		c.handleError()
	default:
		if !isTransient(err) {
			if !isBenignClose(err) {
				c.log.Debug("read failed, closing", slog.Any("err", err))
			}

			c.handleError()
		}
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.HasWritableEvent() {
		return
	}

	n, err := unix.Write(c.fd, c.outputBuffer.Bytes())
	if n > 0 {
		c.outputBuffer.Skip(n)

		if c.outputBuffer.Len() == 0 {
			c.outputBuffer.Reinit()
			c.channel.DisableWriteEvent()

			if c.writeCompleteCallback != nil {
				c.writeCompleteCallback(c)
			}
		}

		return
	}

	if err != nil && !isTransient(err) {
		if isBenignClose(err) {
			c.handleError()

			return
		}

		c.log.Debug("write failed", slog.Any("err", err))
	}
}

func (c *Connection) handleClose() {
	if c.Status() == connDisconnected {
		return
	}

	c.channel.CloseEvent()
	_ = unix.Close(c.fd)
	c.status.Store(int32(connDisconnected))

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}

	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Connection) handleError() {
	c.status.Store(int32(connDisconnecting))
	c.handleClose()
}
