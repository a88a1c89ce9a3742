package reactor

import (
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

// protoIOBufLen is the per-read chunk size for TLS reads, matching
// original_source's PROTO_IOBUF_LEN.
const protoIOBufLen = 16 * 1024

// TLSConnType distinguishes which side of the handshake a [TLSConnection]
// plays, grounded on original_source's TlsConnection::Type.
type TLSConnType int

const (
	TLSServer TLSConnType = iota
	TLSClient
)

// TLSConnection is an established TLS stream, grounded on
// original_source's TlsConnection.cpp/.hpp.
//
// OpenSSL's SSL_read/SSL_write expose WANT_READ/WANT_WRITE so the original
// can drive the handshake and every subsequent read/write off the same
// readiness-driven Channel as a plain TcpConnection. crypto/tls.Conn has no
// such non-blocking mode: Handshake, Read, and Write all block until they
// either complete or the underlying net.Conn's deadline or Close unblocks
// them. The idiomatic Go shape for that is to give TLSConnection its own
// pair of goroutines (one blocking read loop, one blocking write loop)
// instead of Channel read/write callbacks, and bridge their results back
// onto the owning EventLoop through QueueInLoop. The Connected vs.
// Accepting/Connecting split and the want-read/want-write juggling in
// original_source's handleRead/handleWrite/sslError collapse into that one
// pair of goroutines plus tls.Conn's own internal state.
type TLSConnection struct {
	fd int

	localAddr  string
	remoteAddr string
	connType   TLSConnType

	loopMu sync.Mutex
	loop   *EventLoop

	status atomic.Int32

	netConn net.Conn
	tlsConn *tls.Conn

	inputBuffer *Buffer

	writeMu     sync.Mutex
	writeQueue  [][]byte
	queuedBytes int
	writeSignal chan struct{}

	highWaterMark int

	closeOnce sync.Once
	doneCh    chan struct{}

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	context any

	log *slog.Logger
}

// type check
var _ Conn = (*TLSConnection)(nil)

// NewTLSConnection wraps fd as a TLSConnection of the given type. Call
// [TLSConnection.AttachToLoop] once a loop has accepted ownership, which
// starts the handshake. Returns [ErrTLSOptionsNotSet] if [SetTLSOptions]
// has never been called.
func NewTLSConnection(fd int, localAddr, remoteAddr string, connType TLSConnType) (c *TLSConnection, err error) {
	if !IsTLSConfigured() {
		return nil, ErrTLSOptionsNotSet
	}

	c = &TLSConnection{
		fd:            fd,
		localAddr:     localAddr,
		remoteAddr:    remoteAddr,
		connType:      connType,
		inputBuffer:   NewBuffer(),
		highWaterMark: defaultHighWaterMark,
		writeSignal:   make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
		log:           slog.Default().With(slog.String("remote_addr", remoteAddr), slog.Bool("tls", true)),
	}
	c.status.Store(int32(connConnecting))

	return c, nil
}

// FD returns the underlying file descriptor.
func (c *TLSConnection) FD() (fd int) { return c.fd }

// LocalAddr returns the connection's local endpoint in host:port form.
func (c *TLSConnection) LocalAddr() (addr string) { return c.localAddr }

// RemoteAddr returns the connection's peer endpoint in host:port form.
func (c *TLSConnection) RemoteAddr() (addr string) { return c.remoteAddr }

// IsTLSConnection always reports true for *TLSConnection.
func (c *TLSConnection) IsTLSConnection() (ok bool) { return true }

// Status returns the current lifecycle state.
func (c *TLSConnection) Status() (s connStatus) { return connStatus(c.status.Load()) }

// IsConnected reports whether the handshake has completed.
func (c *TLSConnection) IsConnected() (ok bool) { return c.Status() == connConnected }

// IsConnecting reports whether the handshake is still in progress.
func (c *TLSConnection) IsConnecting() (ok bool) { return c.Status() == connConnecting }

// IsDisconnected reports whether the connection has fully torn down.
func (c *TLSConnection) IsDisconnected() (ok bool) { return c.Status() == connDisconnected }

// Loop returns the loop currently owning this connection, or nil if it is
// mid-migration between loops.
func (c *TLSConnection) Loop() (loop *EventLoop) {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()

	return c.loop
}

// InputBuffer returns the connection's read buffer. Must only be accessed
// from the owning loop's goroutine, typically from a [MessageCallback].
func (c *TLSConnection) InputBuffer() (buf *Buffer) { return c.inputBuffer }

// SetConnectionCallback sets the user-facing connect/disconnect hook.
func (c *TLSConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback sets the hook invoked with newly read bytes.
func (c *TLSConnection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback sets the hook invoked once the write queue
// drains to empty.
func (c *TLSConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback sets the hook invoked when the queued write
// bytes grow past mark, and records mark as the new threshold.
func (c *TLSConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetCloseCallback sets the internal teardown hook used by TcpServer and
// TcpClient to remove the connection from their registries.
func (c *TLSConnection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// SetContext attaches an arbitrary value to the connection.
func (c *TLSConnection) SetContext(ctx any) { c.context = ctx }

// Context returns the value last passed to [TLSConnection.SetContext].
func (c *TLSConnection) Context() (ctx any) { return c.context }

// AttachToLoop binds a freshly accepted or connected TLSConnection to
// loop and starts the handshake on a background goroutine. Must be called
// from loop's own goroutine.
func (c *TLSConnection) AttachToLoop(loop *EventLoop) {
	loop.AssertInLoopThread()

	c.loopMu.Lock()
	c.loop = loop
	c.loopMu.Unlock()

	file := os.NewFile(uintptr(c.fd), "")

	netConn, err := net.FileConn(file)
	closeErr := file.Close()
	if err != nil {
		c.log.Debug("wrapping tls fd", slog.Any("err", err))
		c.handleError(err, "wrap")

		return
	}

	if closeErr != nil {
		c.log.Debug("closing duplicated tls fd handle", slog.Any("err", closeErr))
	}

	c.netConn = netConn

	if c.connType == TLSServer {
		c.tlsConn = tls.Server(netConn, serverTLSConfig())
	} else {
		c.tlsConn = tls.Client(netConn, clientTLSConfig())
	}

	go c.handshakeAndServe()
}

func (c *TLSConnection) handshakeAndServe() {
	err := c.tlsConn.Handshake()
	if err != nil {
		c.handleError(err, "handshake")

		return
	}

	c.status.Store(int32(connConnected))

	if loop := c.Loop(); loop != nil {
		loop.QueueInLoop(func() {
			if c.connectionCallback != nil {
				c.connectionCallback(c)
			}
		})
	}

	go c.writeLoop()
	c.readLoop()
}

func (c *TLSConnection) readLoop() {
	buf := make([]byte, protoIOBufLen)

	for {
		n, err := c.tlsConn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			if loop := c.Loop(); loop != nil {
				loop.QueueInLoop(func() {
					c.inputBuffer.Append(data)

					if c.messageCallback != nil {
						c.messageCallback(c, c.inputBuffer)
					} else {
						c.inputBuffer.Skip(c.inputBuffer.Len())
					}
				})
			}
		}

		if err != nil {
			c.handleError(err, "read")

			return
		}
	}
}

func (c *TLSConnection) writeLoop() {
	for {
		select {
		case <-c.writeSignal:
		case <-c.doneCh:
			return
		}

		for {
			c.writeMu.Lock()
			if len(c.writeQueue) == 0 {
				c.writeMu.Unlock()

				break
			}

			buf := c.writeQueue[0]
			c.writeQueue = c.writeQueue[1:]
			c.writeMu.Unlock()

			_, err := c.tlsConn.Write(buf)
			if err != nil {
				c.handleError(err, "write")

				return
			}
		}

		c.writeMu.Lock()
		c.queuedBytes = 0
		c.writeMu.Unlock()

		if c.writeCompleteCallback != nil {
			if loop := c.Loop(); loop != nil {
				loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		}
	}
}

// Send queues data for writing on the TLS write goroutine. Safe to call
// from any goroutine.
func (c *TLSConnection) Send(data []byte) {
	if c.Status() != connConnected {
		c.log.Debug("send on non-connected tls connection, dropping")

		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	c.writeMu.Lock()
	before := c.queuedBytes
	c.queuedBytes += len(buf)
	after := c.queuedBytes
	c.writeQueue = append(c.writeQueue, buf)
	c.writeMu.Unlock()

	if after >= c.highWaterMark && before < c.highWaterMark && c.highWaterMarkCallback != nil {
		if loop := c.Loop(); loop != nil {
			loop.QueueInLoop(func() { c.highWaterMarkCallback(c, after) })
		}
	}

	select {
	case c.writeSignal <- struct{}{}:
	default:
	}
}

// Close begins an orderly shutdown. The underlying TCP connection is
// closed directly rather than through tls.Conn.Close, the same
// close-without-alert fix the teacher's tlsConn.Close applies for
// https://github.com/golang/go/issues/45709: sending a close_notify alert
// during an abrupt shutdown can block far longer than callers expect.
func (c *TLSConnection) Close() {
	for {
		cur := connStatus(c.status.Load())
		if cur == connDisconnecting || cur == connDisconnected {
			break
		}

		if c.status.CompareAndSwap(int32(cur), int32(connDisconnecting)) {
			break
		}
	}

	c.teardown()
}

func (c *TLSConnection) handleError(err error, op string) {
	for {
		cur := connStatus(c.status.Load())
		if cur == connDisconnecting || cur == connDisconnected {
			break
		}

		if c.status.CompareAndSwap(int32(cur), int32(connDisconnecting)) {
			break
		}
	}

	if !isBenignClose(err) {
		c.log.Debug("tls "+op+" failed", slog.Any("err", err))
	}

	c.teardown()
}

func (c *TLSConnection) teardown() {
	c.closeOnce.Do(func() {
		close(c.doneCh)

		if c.netConn != nil {
			_ = c.netConn.Close()
		}

		c.status.Store(int32(connDisconnected))

		fire := func() {
			if c.connectionCallback != nil {
				c.connectionCallback(c)
			}

			if c.closeCallback != nil {
				c.closeCallback(c)
			}
		}

		if loop := c.Loop(); loop != nil {
			loop.QueueInLoop(fire)
		} else {
			fire()
		}
	})
}

// MoveToNewLoop rebinds which loop's goroutine the connection's
// background read/write/handshake goroutines dispatch their callbacks
// onto. Unlike [Connection], there is no Channel to detach and reattach:
// the goroutines driving tls.Conn never touch the old loop's poller.
func (c *TLSConnection) MoveToNewLoop(newLoop *EventLoop, successCB, failCB func()) {
	loop := c.Loop()
	if loop == nil || c.Status() != connConnected {
		failCB()

		return
	}

	move := func() {
		c.loopMu.Lock()
		c.loop = nil
		c.loopMu.Unlock()

		newLoop.QueueInLoop(func() {
			c.loopMu.Lock()
			c.loop = newLoop
			c.loopMu.Unlock()

			successCB()
		})
	}

	if loop.IsInLoopThread() {
		move()

		return
	}

	loop.QueueInLoopMaybeRedir(c.Loop, move)
}
