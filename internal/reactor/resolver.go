package reactor

import (
	"context"
	"log/slog"
	"net"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// resolveCache holds recently resolved hostnames for a short window, the
// Go analogue of not re-issuing a getaddrinfo call for every connection
// attempt to the same host in quick succession. Grounded on the teacher's
// use of github.com/patrickmn/go-cache for short-lived lookup results.
var resolveCache = cache.New(30*time.Second, time.Minute)

// ResolverCallback receives the outcome of an asynchronous lookup: addrs
// holds resolved IP literals (both families) on success, and err is
// [ErrResolveCancelled] if the lookup was cancelled by its own timeout, or
// the underlying resolution error otherwise.
type ResolverCallback func(addrs []string, err error)

// Resolver performs an asynchronous DNS lookup on a loop, grounded on
// original_source's DnsResolver.cpp/.hpp. Go's net.Resolver already does
// the lookup off-thread, so there is no libevent-style dns_base to own:
// Resolver's job is to bound the lookup with a timeout, run it without
// blocking the calling loop, and deliver the result back onto that loop.
type Resolver struct {
	loop    *EventLoop
	host    string
	timeout time.Duration

	cancel context.CancelFunc
	log    *slog.Logger
}

// NewResolver creates a Resolver for host, bound to loop. Start must be
// called to begin the lookup.
func NewResolver(loop *EventLoop, host string, timeout time.Duration) (r *Resolver) {
	return &Resolver{
		loop:    loop,
		host:    host,
		timeout: timeout,
		log:     slog.Default().With(slog.String("host", host)),
	}
}

// Start begins the lookup on a background goroutine and delivers the
// result to callback via loop.QueueInLoop once it completes or times
// out. Must be called from the owning loop's goroutine.
func (r *Resolver) Start(callback ResolverCallback) {
	r.loop.AssertInLoopThread()

	if cached, ok := resolveCache.Get(r.host); ok {
		addrs := cached.([]string)
		r.loop.QueueInLoop(func() { callback(addrs, nil) })

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	r.cancel = cancel

	go r.resolve(ctx, callback)
}

// Cancel aborts an in-flight lookup. The callback still runs, reporting
// [ErrResolveCancelled]. Safe to call from any goroutine.
func (r *Resolver) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Resolver) resolve(ctx context.Context, callback ResolverCallback) {
	var resolver net.Resolver

	ipAddrs, err := resolver.LookupIPAddr(ctx, r.host)
	if err != nil {
		if ctx.Err() != nil {
			r.loop.QueueInLoop(func() { callback(nil, ErrResolveCancelled) })

			return
		}

		r.loop.QueueInLoop(func() { callback(nil, err) })

		return
	}

	addrs := make([]string, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		if ia.IP.IsUnspecified() {
			continue
		}

		addrs = append(addrs, ia.IP.String())
	}

	resolveCache.SetDefault(r.host, addrs)

	r.loop.QueueInLoop(func() { callback(addrs, nil) })
}
