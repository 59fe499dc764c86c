// Package typing converts local keystroke activity into debounced
// start/stop signals and inbound peer signals into a boolean indicator
// with a timeout fallback.
package typing

import (
	"sync"
	"time"

	"github.com/dmelo/parley/internal/bus"
)

// Emitter sends typing signals to the server. Signals are best effort;
// failures are the emitter's problem to log.
type Emitter interface {
	TypingStart()
	TypingStop()
}

// Options tunes the coordinator timers.
type Options struct {
	IdleTimeout time.Duration // local burst ends after this much keyboard silence
	PeerTTL     time.Duration // peer indicator expires without a fresh signal
}

func (o *Options) defaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 3 * time.Second
	}
	if o.PeerTTL <= 0 {
		o.PeerTTL = 5 * time.Second
	}
}

// Coordinator owns both directions of the typing indicator. Local: one
// typing:start per composing burst regardless of keystroke count, one
// typing:stop when the burst ends (clear, send, or idle timeout). Remote:
// last-write-wins boolean with TTL expiry.
type Coordinator struct {
	emitter Emitter
	bus     *bus.Bus
	opts    Options

	mu         sync.Mutex
	composing  bool
	idleTimer  *time.Timer
	peerTyping bool
	peerTimer  *time.Timer
	closed     bool
}

// NewCoordinator creates a coordinator emitting through the given emitter.
func NewCoordinator(emitter Emitter, b *bus.Bus, opts Options) *Coordinator {
	opts.defaults()
	return &Coordinator{
		emitter: emitter,
		bus:     b,
		opts:    opts,
	}
}

// InputChanged reports the composer's current text after a keystroke.
// The empty→non-empty edge opens a burst (emitting typing:start exactly
// once); clearing the input ends it. Keystrokes inside a burst only
// restart the idle timer.
func (c *Coordinator) InputChanged(text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	if text == "" {
		stop := c.endBurstLocked()
		c.mu.Unlock()
		if stop {
			c.emitter.TypingStop()
		}
		return
	}

	start := !c.composing
	c.composing = true
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.opts.IdleTimeout, c.idleExpired)
	c.mu.Unlock()

	if start {
		c.emitter.TypingStart()
	}
}

// MessageSent ends the current burst, if any. The composer is cleared by
// sending, so the burst is over.
func (c *Coordinator) MessageSent() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	stop := c.endBurstLocked()
	c.mu.Unlock()
	if stop {
		c.emitter.TypingStop()
	}
}

// PeerStarted handles an inbound typing:start: the indicator turns on and
// the expiry timer restarts. A start arriving after a stop simply
// restarts the window; only the latest signal matters.
func (c *Coordinator) PeerStarted() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := !c.peerTyping
	c.peerTyping = true
	if c.peerTimer != nil {
		c.peerTimer.Stop()
	}
	c.peerTimer = time.AfterFunc(c.opts.PeerTTL, c.peerExpired)
	c.mu.Unlock()

	if changed {
		c.publishPeer(true)
	}
}

// PeerStopped handles an inbound typing:stop.
func (c *Coordinator) PeerStopped() {
	c.mu.Lock()
	if c.closed || !c.peerTyping {
		c.mu.Unlock()
		return
	}
	c.peerTyping = false
	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	c.mu.Unlock()

	c.publishPeer(false)
}

// PeerTyping returns the current peer indicator.
func (c *Coordinator) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

// Close cancels all timers and ends an open burst with a final stop.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	stop := c.endBurstLocked()
	if c.peerTimer != nil {
		c.peerTimer.Stop()
		c.peerTimer = nil
	}
	c.peerTyping = false
	c.closed = true
	c.mu.Unlock()
	if stop {
		c.emitter.TypingStop()
	}
}

// endBurstLocked closes an open burst and reports whether a typing:stop
// is owed. The caller emits it after releasing the lock; emitter calls
// hit the network and must not run inside the critical section.
func (c *Coordinator) endBurstLocked() bool {
	if !c.composing {
		return false
	}
	c.composing = false
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	return true
}

func (c *Coordinator) idleExpired() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	stop := c.endBurstLocked()
	c.mu.Unlock()
	if stop {
		c.emitter.TypingStop()
	}
}

func (c *Coordinator) peerExpired() {
	c.mu.Lock()
	if c.closed || !c.peerTyping {
		c.mu.Unlock()
		return
	}
	c.peerTyping = false
	c.peerTimer = nil
	c.mu.Unlock()

	c.publishPeer(false)
}

func (c *Coordinator) publishPeer(typing bool) {
	if c.bus != nil {
		c.bus.Emit("typing.peer", typing)
	}
}
