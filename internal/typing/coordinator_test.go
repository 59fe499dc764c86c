package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/dmelo/parley/internal/bus"
)

// recordingEmitter counts emitted signals.
type recordingEmitter struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (e *recordingEmitter) TypingStart() {
	e.mu.Lock()
	e.starts++
	e.mu.Unlock()
}

func (e *recordingEmitter) TypingStop() {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
}

func (e *recordingEmitter) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops
}

func TestOneStartPerBurst(t *testing.T) {
	e := &recordingEmitter{}
	c := NewCoordinator(e, nil, Options{IdleTimeout: time.Second})
	defer c.Close()

	// Keystroke by keystroke: "h", "he", "hel", "hell", "hello".
	for _, text := range []string{"h", "he", "hel", "hell", "hello"} {
		c.InputChanged(text)
	}

	starts, stops := e.counts()
	if starts != 1 {
		t.Errorf("starts = %d, want exactly 1 per burst", starts)
	}
	if stops != 0 {
		t.Errorf("stops = %d, want 0 while composing", stops)
	}
}

func TestClearEndsBurst(t *testing.T) {
	e := &recordingEmitter{}
	c := NewCoordinator(e, nil, Options{IdleTimeout: time.Second})
	defer c.Close()

	c.InputChanged("h")
	c.InputChanged("")
	c.InputChanged("") // repeat clear must not re-emit

	starts, stops := e.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("starts/stops = %d/%d, want 1/1", starts, stops)
	}
}

func TestSendEndsBurst(t *testing.T) {
	e := &recordingEmitter{}
	c := NewCoordinator(e, nil, Options{IdleTimeout: time.Second})
	defer c.Close()

	c.InputChanged("hi")
	c.MessageSent()
	c.MessageSent() // second send without typing: no extra stop

	starts, stops := e.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("starts/stops = %d/%d, want 1/1", starts, stops)
	}
}

func TestIdleTimeoutEndsBurst(t *testing.T) {
	e := &recordingEmitter{}
	c := NewCoordinator(e, nil, Options{IdleTimeout: 50 * time.Millisecond})
	defer c.Close()

	c.InputChanged("h")
	time.Sleep(150 * time.Millisecond)

	starts, stops := e.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("starts/stops = %d/%d, want 1/1 after idle timeout", starts, stops)
	}

	// A new keystroke opens a fresh burst.
	c.InputChanged("hi")
	starts, _ = e.counts()
	if starts != 2 {
		t.Errorf("starts = %d, want 2 (new burst after timeout)", starts)
	}
}

func TestKeystrokesRestartIdleTimer(t *testing.T) {
	e := &recordingEmitter{}
	c := NewCoordinator(e, nil, Options{IdleTimeout: 100 * time.Millisecond})
	defer c.Close()

	c.InputChanged("h")
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		c.InputChanged("hh")
	}

	// 250ms elapsed but no 100ms gap: burst still open.
	_, stops := e.counts()
	if stops != 0 {
		t.Errorf("stops = %d, want 0 (timer restarted per keystroke)", stops)
	}
}

func TestPeerIndicatorExpires(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 16)
	defer unsub()

	c := NewCoordinator(&recordingEmitter{}, b, Options{PeerTTL: 50 * time.Millisecond})
	defer c.Close()

	c.PeerStarted()
	if !c.PeerTyping() {
		t.Fatal("PeerTyping = false after PeerStarted")
	}

	evt := <-ch
	if on := evt.Payload.(bool); !on {
		t.Errorf("first typing.peer payload = %v, want true", on)
	}

	select {
	case evt := <-ch:
		if on := evt.Payload.(bool); on {
			t.Errorf("expiry typing.peer payload = %v, want false", on)
		}
	case <-time.After(time.Second):
		t.Fatal("peer indicator did not expire")
	}
	if c.PeerTyping() {
		t.Error("PeerTyping = true after TTL expiry")
	}
}

func TestPeerStartRestartsWindow(t *testing.T) {
	c := NewCoordinator(&recordingEmitter{}, nil, Options{PeerTTL: 100 * time.Millisecond})
	defer c.Close()

	c.PeerStarted()
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		c.PeerStarted() // keepalive before expiry
	}
	if !c.PeerTyping() {
		t.Error("PeerTyping = false despite keepalive signals")
	}
}

func TestPeerStopClearsImmediately(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 16)
	defer unsub()

	c := NewCoordinator(&recordingEmitter{}, b, Options{})
	defer c.Close()

	c.PeerStarted()
	<-ch
	c.PeerStopped()

	evt := <-ch
	if on := evt.Payload.(bool); on {
		t.Errorf("typing.peer payload = %v, want false", on)
	}

	// A start after stop simply reopens: last-write-wins.
	c.PeerStarted()
	if !c.PeerTyping() {
		t.Error("PeerTyping = false after restart")
	}
}

func TestPeerStopWithoutStartNoop(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 16)
	defer unsub()

	c := NewCoordinator(&recordingEmitter{}, b, Options{})
	defer c.Close()

	c.PeerStopped()
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %v", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseEmitsFinalStop(t *testing.T) {
	e := &recordingEmitter{}
	c := NewCoordinator(e, nil, Options{})

	c.InputChanged("h")
	c.Close()

	_, stops := e.counts()
	if stops != 1 {
		t.Errorf("stops = %d, want 1 (open burst closed on teardown)", stops)
	}

	// After Close everything is inert.
	c.InputChanged("x")
	c.PeerStarted()
	starts, _ := e.counts()
	if starts != 1 || c.PeerTyping() {
		t.Error("coordinator not inert after Close")
	}
}

// blockingEmitter stalls on TypingStart until released, standing in for
// a slow socket write.
type blockingEmitter struct {
	recordingEmitter
	release chan struct{}
}

func (e *blockingEmitter) TypingStart() {
	<-e.release
	e.recordingEmitter.TypingStart()
}

func TestSlowEmitterDoesNotStallCoordinator(t *testing.T) {
	e := &blockingEmitter{release: make(chan struct{})}
	c := NewCoordinator(e, nil, Options{})
	defer c.Close()

	go c.InputChanged("h")

	// The stalled network write must not hold the coordinator lock:
	// inbound peer signals and indicator reads still go through.
	done := make(chan struct{})
	go func() {
		c.PeerStarted()
		_ = c.PeerTyping()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("coordinator stalled behind a slow emitter")
	}

	close(e.release)
	deadline := time.Now().Add(time.Second)
	for {
		if starts, _ := e.counts(); starts == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("typing:start never emitted after release")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
