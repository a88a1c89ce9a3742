package reactor

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// TcpServer listens on one or more endpoints, dispatching accepted
// connections across a pool of [EventLoopThread]s, grounded on
// original_source's TcpServer.cpp/.hpp. A server owns a single base loop
// used for accepting and bookkeeping, plus a resizable I/O pool used to
// run the connections themselves.
type TcpServer struct {
	Name string

	baseLoop *EventLoop
	pool     *EventLoopThreadPool

	keepAliveSeconds int
	highWaterMark    int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closedCallback        func()
	loopInitCallback      func(*EventLoop)

	mu        sync.Mutex
	endpoints map[string]Endpoint
	realAddrs map[string]string
	acceptors map[string]*Acceptor
	started   bool
	stopped   bool

	connections map[int]Conn
	connCount   atomic.Int64

	log *slog.Logger
}

// NewTcpServer creates a TcpServer bound to baseLoop, with an I/O pool of
// ioThreads loops named "<name>-0".."<name>-(ioThreads-1)". baseLoop
// accepts connections and owns the server's bookkeeping; policy selects
// how accepted connections are spread across the pool.
func NewTcpServer(baseLoop *EventLoop, name string, ioThreads int, policy DispatchPolicy) (s *TcpServer) {
	return &TcpServer{
		Name:          name,
		baseLoop:      baseLoop,
		pool:          NewEventLoopThreadPool(name, ioThreads, policy),
		highWaterMark: defaultHighWaterMark,
		endpoints:     make(map[string]Endpoint),
		realAddrs:     make(map[string]string),
		acceptors:     make(map[string]*Acceptor),
		connections:   make(map[int]Conn),
		log:           slog.Default().With(slog.String("tcp_server", name)),
	}
}

// SetKeepAlive enables TCP keepalive with the given idle seconds on every
// accepted connection. Zero disables it.
func (s *TcpServer) SetKeepAlive(seconds int) { s.keepAliveSeconds = seconds }

// SetDispatchPolicy changes how accepted connections are assigned to an
// I/O loop. It must be called before Start.
func (s *TcpServer) SetDispatchPolicy(policy DispatchPolicy) { s.pool.Policy = policy }

// SetLoopInitCallback sets a hook run on each I/O loop's goroutine as it
// starts.
func (s *TcpServer) SetLoopInitCallback(cb func(*EventLoop)) { s.loopInitCallback = cb }

// SetConnectionCallback sets the callback fired when a connection becomes
// connected or disconnected.
func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

// SetMessageCallback sets the callback fired when a connection has data
// available to read.
func (s *TcpServer) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

// SetWriteCompleteCallback sets the callback fired when a connection's
// output buffer drains to empty.
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// SetHighWaterMarkCallback sets the callback fired when a connection's
// pending output crosses mark bytes, and installs mark as the default for
// connections accepted from now on.
func (s *TcpServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = mark
}

// SetClosedCallback sets the callback fired once, after Stop has closed
// every connection and the I/O pool has fully drained.
func (s *TcpServer) SetClosedCallback(cb func()) { s.closedCallback = cb }

// AddListenEndpoint registers raw as an endpoint the server accepts
// connections on. If the server is already started, the acceptor is
// created and begins accepting immediately; otherwise the endpoint is
// picked up by the next Start.
func (s *TcpServer) AddListenEndpoint(raw string) (err error) {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return fmt.Errorf("tcp server %s: %w", s.Name, err)
	}

	key := ep.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[key]; ok {
		return nil
	}

	if s.started && !s.stopped {
		a, listenErr := s.listenAndAccept(ep)
		if listenErr != nil {
			return listenErr
		}

		s.acceptors[key] = a
		s.realAddrs[key] = a.RealListenAddr()
	}

	s.endpoints[key] = ep

	return nil
}

// RemoveListenEndpoint stops accepting new connections on raw. It does
// not affect connections already accepted.
func (s *TcpServer) RemoveListenEndpoint(raw string) (err error) {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		return fmt.Errorf("tcp server %s: %w", s.Name, err)
	}

	key := ep.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpoints[key]; !ok {
		return nil
	}

	if a, ok := s.acceptors[key]; ok {
		a.Stop()
		delete(s.acceptors, key)
		delete(s.realAddrs, key)
	}

	delete(s.endpoints, key)

	return nil
}

// listenAndAccept creates, listens on, and starts accepting for an
// acceptor bound to ep. mu must be held by the caller.
func (s *TcpServer) listenAndAccept(ep Endpoint) (a *Acceptor, err error) {
	a = NewAcceptor(s.baseLoop, ep)
	a.SetNewConnectionCallback(s.handleNewConnection)

	if err = a.Listen(); err != nil {
		return nil, fmt.Errorf("tcp server %s: %w", s.Name, err)
	}

	a.StartAccept()

	return a, nil
}

// Start starts the I/O pool and begins accepting on every endpoint
// registered so far. Calling Start twice returns [ErrAlreadyStarted].
func (s *TcpServer) Start() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.log.Debug("starting")

	if s.loopInitCallback != nil {
		s.pool.SetLoopInitCallback(s.loopInitCallback)
	}

	if err = s.pool.Start(); err != nil {
		return fmt.Errorf("tcp server %s: %w", s.Name, err)
	}

	for key, ep := range s.endpoints {
		a, listenErr := s.listenAndAccept(ep)
		if listenErr != nil {
			s.pool.Stop()

			return listenErr
		}

		s.acceptors[key] = a
		s.realAddrs[key] = a.RealListenAddr()
	}

	s.started = true

	return nil
}

// Stop stops accepting new connections, closes every connection currently
// open, and shuts down the I/O pool once the last of them has finished
// closing. Stop returns immediately; completion is signalled by the
// closed callback set via SetClosedCallback, if any.
func (s *TcpServer) Stop() {
	s.mu.Lock()
	skip := !s.started || s.stopped
	s.mu.Unlock()

	if skip {
		return
	}

	s.log.Debug("stopping")

	if s.baseLoop.IsInLoopThread() {
		s.stopInLoop()
	} else {
		s.baseLoop.QueueInLoop(s.stopInLoop)
	}
}

// stopInLoop marks the server stopped, tears down every acceptor, and
// either stops the I/O pool immediately (no open connections) or closes
// every open connection and lets the last [TcpServer.removeConnectionInLoop]
// call finish the job.
func (s *TcpServer) stopInLoop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()

		return
	}

	s.stopped = true

	for key, a := range s.acceptors {
		a.Stop()
		delete(s.acceptors, key)
	}

	conns := make([]Conn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}

	empty := len(conns) == 0
	s.mu.Unlock()

	if empty {
		s.stopThreadPool()

		return
	}

	for _, c := range conns {
		if c.IsConnected() {
			c.Close()
		}
	}
}

// stopThreadPool stops the I/O pool and fires the closed callback, if
// any.
func (s *TcpServer) stopThreadPool() {
	s.pool.Stop()

	if s.closedCallback != nil {
		s.closedCallback()
	}
}

// handleNewConnection is the [Acceptor]'s new-connection callback. It
// discards the connection if the server has already been stopped,
// otherwise wraps fd in a [Connection] or [TLSConnection], wires up the
// configured callbacks, registers it, and dispatches it to an I/O loop
// per the pool's dispatch policy.
func (s *TcpServer) handleNewConnection(fd int, localAddr, remoteAddr string, isTLS bool) {
	s.baseLoop.AssertInLoopThread()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	if stopped {
		s.log.Warn("discarding connection, server is stopped", slog.Int("fd", fd))
		_ = unix.Close(fd)

		return
	}

	if s.keepAliveSeconds > 0 {
		if err := setKeepAlive(fd, s.keepAliveSeconds); err != nil {
			s.log.Debug("set keepalive failed", slog.Any("err", err))
		}
	}

	var (
		conn Conn
		err  error
	)

	if isTLS {
		conn, err = NewTLSConnection(fd, localAddr, remoteAddr, TLSServer)
	} else {
		conn = NewConnection(fd, localAddr, remoteAddr)
	}

	if err != nil {
		s.log.Error("failed to construct connection", slog.Any("err", err))
		_ = unix.Close(fd)

		return
	}

	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.highWaterMark)
	conn.SetCloseCallback(func(c Conn) { s.removeConnection(c) })

	s.mu.Lock()
	s.connections[fd] = conn
	s.mu.Unlock()
	s.connCount.Add(1)

	loop, err := s.pool.Next(uint64(fd))
	if err != nil || loop == nil {
		s.log.Debug("dispatching to base loop, pool not ready", slog.Any("err", err))
		loop = s.baseLoop
	}

	loop.RunInLoop(func() { conn.AttachToLoop(loop) })
}

// removeConnection marshals onto the base loop if necessary and removes c
// from the registry.
func (s *TcpServer) removeConnection(c Conn) {
	if s.baseLoop.IsInLoopThread() {
		s.removeConnectionInLoop(c)
	} else {
		s.baseLoop.QueueInLoop(func() { s.removeConnectionInLoop(c) })
	}
}

// removeConnectionInLoop erases c from the registry and, if the server is
// stopped and this was the last open connection, stops the I/O pool.
func (s *TcpServer) removeConnectionInLoop(c Conn) {
	s.baseLoop.AssertInLoopThread()

	s.mu.Lock()
	delete(s.connections, c.FD())
	stopped := s.stopped
	empty := len(s.connections) == 0
	s.mu.Unlock()

	s.connCount.Add(-1)

	if stopped && empty {
		s.stopThreadPool()
	}
}

// ConnCount returns the number of connections currently registered.
func (s *TcpServer) ConnCount() (n int64) { return s.connCount.Load() }

// RealListenAddrs returns the actually-bound address of every active
// acceptor, keyed by the endpoint string it was configured with.
func (s *TcpServer) RealListenAddrs() (addrs map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs = make(map[string]string, len(s.realAddrs))
	for k, v := range s.realAddrs {
		addrs[k] = v
	}

	return addrs
}

// IOThreadNum returns the number of loops in the server's I/O pool.
func (s *TcpServer) IOThreadNum() (n int) { return s.pool.IOThreadNum() }

// AvailableIOThreadNum returns the number of running loops in the
// server's I/O pool.
func (s *TcpServer) AvailableIOThreadNum() (n int) { return s.pool.AvailableIOThreadNum() }

// ResizeIOThreadPool grows or shrinks the server's I/O pool to n threads.
// Shrinking marks the removed threads draining; each is actually stopped
// only once it has no pending task and no connection still dispatched to
// it, so live connections are never severed mid-flight.
func (s *TcpServer) ResizeIOThreadPool(n int) (err error) {
	current := s.pool.IOThreadNum()
	if n > current {
		return s.pool.Grow(n - current)
	}

	if n < current {
		s.pool.Shrink(current-n, s.loopDrainable)
	}

	return nil
}

// loopDrainable reports whether loop has no pending task and no connection
// in the server's registry still reports it as their owner, i.e. whether
// it is safe for [EventLoopThreadPool.Shrink] to stop it.
func (s *TcpServer) loopDrainable(_ int, loop *EventLoop) (ok bool) {
	if loop == nil {
		return true
	}

	if loop.HasPendingTask() {
		return false
	}

	s.mu.Lock()
	conns := make([]Conn, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if c.Loop() == loop {
			return false
		}
	}

	return true
}
