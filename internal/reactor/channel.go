package reactor

import "sync/atomic"

// Channel binds one file descriptor to its owning [EventLoop] and dispatches
// readiness callbacks, grounded on original_source's Channel.cpp/.hpp. It
// does not own fd: closing the socket is the caller's responsibility.
//
// Every method except [Channel.FD] must be called from the goroutine
// running the owning loop.
type Channel struct {
	loop *EventLoop
	fd   int

	readCallback  func()
	writeCallback func()
	closeCallback func()

	readable bool
	writable bool
	attached bool

	// removed guards against handleEvent firing again after the Channel
	// scheduled its own removal mid-callback (the owning Connection closing
	// itself from within a read callback, for instance).
	removed atomic.Bool
}

// NewChannel creates a Channel for fd, bound to loop, with no interest
// enabled and not yet registered with the loop's poller.
func NewChannel(loop *EventLoop, fd int) (c *Channel) {
	return &Channel{loop: loop, fd: fd}
}

// FD returns the bound file descriptor.
func (c *Channel) FD() (fd int) { return c.fd }

// SetReadCallback sets the function invoked when fd becomes readable or the
// peer hangs up.
func (c *Channel) SetReadCallback(cb func()) { c.readCallback = cb }

// SetWriteCallback sets the function invoked when fd becomes writable.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback sets the function invoked once, from [Channel.CloseEvent].
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// IsAttached reports whether the Channel is currently registered with a
// loop's poller.
func (c *Channel) IsAttached() (ok bool) { return c.attached }

// HasReadableEvent reports whether read interest is currently enabled.
func (c *Channel) HasReadableEvent() (ok bool) { return c.readable }

// HasWritableEvent reports whether write interest is currently enabled.
func (c *Channel) HasWritableEvent() (ok bool) { return c.writable }

// IsNoneEvent reports whether neither read nor write interest is enabled.
func (c *Channel) IsNoneEvent() (ok bool) { return !c.readable && !c.writable }

// EnableReadEvent enables read/hangup readiness notifications.
func (c *Channel) EnableReadEvent() {
	c.loop.AssertInLoopThread()
	if c.readable {
		return
	}

	c.readable = true
	c.update()
}

// EnableWriteEvent enables write readiness notifications.
func (c *Channel) EnableWriteEvent() {
	c.loop.AssertInLoopThread()
	if c.writable {
		return
	}

	c.writable = true
	c.update()
}

// DisableReadEvent disables read readiness notifications.
func (c *Channel) DisableReadEvent() {
	c.loop.AssertInLoopThread()
	if !c.readable {
		return
	}

	c.readable = false
	c.update()
}

// DisableWriteEvent disables write readiness notifications.
func (c *Channel) DisableWriteEvent() {
	c.loop.AssertInLoopThread()
	if !c.writable {
		return
	}

	c.writable = false
	c.update()
}

// DisableAllEvent disables both read and write readiness notifications.
func (c *Channel) DisableAllEvent() {
	c.loop.AssertInLoopThread()
	if c.IsNoneEvent() {
		return
	}

	c.readable, c.writable = false, false
	c.update()
}

// update pushes the current interest set to the loop's poller, attaching
// the Channel on first use.
func (c *Channel) update() {
	if !c.attached {
		c.loop.attachChannel(c)
		c.attached = true

		return
	}

	c.loop.updateChannel(c)
}

// attachToLoop registers the channel with its loop's poller without
// changing loop ownership. Internal helper for attachToNewLoop.
func (c *Channel) attachToLoop() {
	if c.IsNoneEvent() {
		return
	}

	c.loop.attachChannel(c)
	c.attached = true
}

// DetachFromLoopAndReset unregisters the Channel from its current loop's
// poller, keeping its interest set so that [Channel.AttachToNewLoop] can
// re-register it with the new loop's poller. Used when a Connection is
// being migrated to another loop. Must be called in the current owning
// loop's goroutine.
func (c *Channel) DetachFromLoopAndReset() {
	c.loop.AssertInLoopThread()

	if c.attached {
		c.loop.detachChannel(c)
		c.attached = false
	}
}

// AttachToNewLoop rebinds the Channel to loop and, if it has interest
// pending, re-registers it with the new loop's poller. Must be called in
// the new loop's goroutine, after DetachFromLoopAndReset ran on the old one.
func (c *Channel) AttachToNewLoop(loop *EventLoop) {
	c.loop = loop
	loop.AssertInLoopThread()
	c.attachToLoop()
}

// CloseEvent unregisters the Channel and fires its close callback exactly
// once. Subsequent calls are no-ops.
func (c *Channel) CloseEvent() {
	if !c.removed.CompareAndSwap(false, true) {
		return
	}

	c.loop.AssertInLoopThread()

	if c.attached {
		c.loop.detachChannel(c)
		c.attached = false
	}

	if c.closeCallback != nil {
		c.closeCallback()
	}
}

// handleEvent dispatches one readiness notification from the loop's poll
// loop. It is a no-op if the channel was closed concurrently with the
// event being queued (e.g. by an earlier channel's callback in the same
// poll batch).
func (c *Channel) handleEvent(ev pollEvent) {
	if c.removed.Load() {
		return
	}

	if (ev.readable || ev.hup) && c.readCallback != nil {
		c.readCallback()
	}

	if c.removed.Load() {
		return
	}

	if ev.writable && c.writable && c.writeCallback != nil {
		c.writeCallback()
	}
}
