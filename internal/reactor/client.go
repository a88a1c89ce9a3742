package reactor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// defaultConnectingTimeout matches original_source's TcpClient default of
// 3 seconds.
const defaultConnectingTimeout = 3 * time.Second

// TcpClient owns a single outbound connection to one remote endpoint,
// grounded on original_source's TcpClient.cpp/.hpp. It wraps a
// [Connector] with an auto-reconnect policy and always holds at most one
// [Conn] at a time.
type TcpClient struct {
	loop       *EventLoop
	endpoint   Endpoint
	remoteAddr string

	keepAliveSeconds  int
	connectingTimeout time.Duration
	autoReconnect     bool

	connector *Connector

	mu   sync.Mutex
	conn Conn

	highWaterMark int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback

	log *slog.Logger
}

// NewTcpClient creates a TcpClient bound to loop, targeting remote (a
// `scheme://host:port` or bare `host:port` endpoint string).
func NewTcpClient(loop *EventLoop, remote string) (c *TcpClient, err error) {
	ep, err := ParseEndpoint(remote)
	if err != nil {
		return nil, fmt.Errorf("tcp client: %w", err)
	}

	return &TcpClient{
		loop:              loop,
		endpoint:          ep,
		remoteAddr:        ep.String(),
		connectingTimeout: defaultConnectingTimeout,
		highWaterMark:     defaultHighWaterMark,
		log:               slog.Default().With(slog.String("remote_addr", ep.String())),
	}, nil
}

// SetKeepAlive enables TCP keepalive with the given idle seconds on the
// connection once established. Zero disables it.
func (c *TcpClient) SetKeepAlive(seconds int) { c.keepAliveSeconds = seconds }

// SetConnectingTimeout overrides the default 3-second connect timeout.
func (c *TcpClient) SetConnectingTimeout(d time.Duration) { c.connectingTimeout = d }

// SetAutoReconnect controls whether the client reconnects automatically
// after the current connection closes.
func (c *TcpClient) SetAutoReconnect(reconnect bool) { c.autoReconnect = reconnect }

// SetConnectionCallback sets the callback fired when the connection
// becomes connected or disconnected, including the synthetic disconnected
// notification delivered on a failed connect.
func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

// SetMessageCallback sets the callback fired when the connection has data
// available to read.
func (c *TcpClient) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

// SetWriteCompleteCallback sets the callback fired when the connection's
// output buffer drains to empty.
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// SetHighWaterMarkCallback sets the callback fired when the connection's
// pending output crosses mark bytes.
func (c *TcpClient) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// RemoteAddr returns the endpoint this client targets.
func (c *TcpClient) RemoteAddr() (addr string) { return c.remoteAddr }

// Connect starts (or restarts) a connection attempt. Safe to call from
// any goroutine.
func (c *TcpClient) Connect() {
	if c.loop.IsInLoopThread() {
		c.connectInLoop()
	} else {
		c.loop.QueueInLoop(c.connectInLoop)
	}
}

// Reconnect is equivalent to Connect; it exists to mirror
// original_source's naming at call sites where the intent is a retry
// rather than an initial attempt.
func (c *TcpClient) Reconnect() { c.Connect() }

// Disconnect cancels any in-flight connection attempt, closes the
// current connection if any, and disables auto-reconnect. Safe to call
// from any goroutine.
func (c *TcpClient) Disconnect() {
	c.autoReconnect = false

	if c.loop.IsInLoopThread() {
		c.disconnectInLoop()
	} else {
		c.loop.QueueInLoop(c.disconnectInLoop)
	}
}

func (c *TcpClient) connectInLoop() {
	c.loop.AssertInLoopThread()

	c.connector = NewConnector(c.loop, c.endpoint, c.connectingTimeout, c.autoReconnect)
	c.connector.SetNewConnectionCallback(c.onNewConnection)
	c.connector.Start()
}

func (c *TcpClient) disconnectInLoop() {
	c.loop.AssertInLoopThread()

	if c.connector != nil && c.connector.IsConnecting() {
		c.connector.Cancel()
	}

	if conn := c.Connection(); conn != nil {
		conn.Close()
	}
}

// onNewConnection is the [Connector]'s new-connection callback: fd < 0
// signals a terminal failure to connect (connection refused, or any failure
// when retries are disabled).
func (c *TcpClient) onNewConnection(fd int, localAddr, remoteAddr string, isTLS bool) {
	c.loop.AssertInLoopThread()

	if fd < 0 {
		c.log.Warn("failed to connect")

		if c.connectionCallback != nil {
			failed := NewConnection(-1, localAddr, remoteAddr)
			failed.loopMu.Lock()
			failed.loop = c.loop
			failed.loopMu.Unlock()

			c.connectionCallback(failed)
		}

		return
	}

	if c.keepAliveSeconds > 0 {
		if err := setKeepAlive(fd, c.keepAliveSeconds); err != nil {
			c.log.Debug("set keepalive failed", slog.Any("err", err))
		}
	}

	var (
		conn Conn
		err  error
	)

	if isTLS {
		conn, err = NewTLSConnection(fd, localAddr, remoteAddr, TLSClient)
		if err != nil {
			c.log.Error("failed to construct tls connection", slog.Any("err", err))

			return
		}
	} else {
		conn = NewConnection(fd, localAddr, remoteAddr)
	}

	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(c.highWaterMarkCallback, c.highWaterMark)
	conn.SetCloseCallback(c.onCloseConnection)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.AttachToLoop(c.loop)
}

func (c *TcpClient) onCloseConnection(_ Conn) {
	c.loop.AssertInLoopThread()

	if c.autoReconnect {
		c.log.Debug("auto reconnecting")
		c.connectInLoop()
	}
}

// IsConnecting reports whether a connection attempt is currently in
// flight.
func (c *TcpClient) IsConnecting() (ok bool) {
	return c.connector != nil && c.connector.IsConnecting()
}

// IsConnected reports whether the client currently holds a connected
// [Conn].
func (c *TcpClient) IsConnected() (ok bool) {
	conn := c.Connection()

	return conn != nil && conn.IsConnected()
}

// Connection returns the client's current connection, or nil if none has
// been established yet.
func (c *TcpClient) Connection() (conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn
}
