// Package reactor implements a reactor-based, multi-threaded TCP/TLS
// networking core: a pool of single-threaded event loops, acceptors and
// connectors built on a non-blocking epoll readiness demultiplexer, full
// duplex TCP and TLS connections with buffered I/O and high-water-mark
// backpressure, an asynchronous DNS resolver, and a coroutine-style task
// worker.
//
// Every mutating method on a loop-owned object (Channel, Connection,
// Acceptor, Connector, and the EventLoop's own internals) must be called
// from the goroutine running that object's owning [EventLoop], with the
// exception of [EventLoop.WakeUp], [EventLoop.CancelTimer],
// [EventLoop.RunAfterTimer], [EventLoop.RunEveryTimer], and task
// submission (RunInLoop/QueueInLoop), which are safe from any goroutine
// and redirect to the owning loop.
package reactor
