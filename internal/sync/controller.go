// Package sync orchestrates one open conversation: it connects the
// transport, fetches history, and wires dispatcher notifications into
// the store, the delivery tracker, and the typing coordinator. Live
// events arriving while history is still loading are buffered and
// replayed afterwards so ordering is preserved.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmelo/parley/internal/bus"
	"github.com/dmelo/parley/internal/conversation"
	"github.com/dmelo/parley/internal/delivery"
	"github.com/dmelo/parley/internal/dispatch"
	"github.com/dmelo/parley/internal/status"
	"github.com/dmelo/parley/internal/transport"
	"github.com/dmelo/parley/internal/typing"
	"github.com/dmelo/parley/internal/wire"
	"go.uber.org/zap"
)

// Transport is the connection surface the controller drives.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Emit(ctx context.Context, event string, payload any) error
	Subscribe(event string, h transport.Handler) func()
	UserID() string
}

// Options tunes controller behavior. Zero values fall back to defaults.
type Options struct {
	AckTimeout     time.Duration // delivery tracker deadline
	HistoryTimeout time.Duration // per-attempt messages:get deadline
	HistoryRetries int           // bounded re-requests while SYNCING
	Typing         typing.Options
}

func (o *Options) defaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.HistoryTimeout <= 0 {
		o.HistoryTimeout = 10 * time.Second
	}
	if o.HistoryRetries <= 0 {
		o.HistoryRetries = 3
	}
}

// Controller binds one conversation to the transport for the duration of
// a screen visit. It is created per conversation and never reused.
type Controller struct {
	peerID    string
	transport Transport
	bus       *bus.Bus
	machine   *status.Machine
	logger    *zap.Logger
	opts      Options

	mu      sync.Mutex
	store   *conversation.Store
	tracker *delivery.Tracker
	typer   *typing.Coordinator
	opened  bool
	closed  bool

	cancel      context.CancelFunc
	unsubFrames func()
	unsubConv   func()
	unsubConn   func()

	// buffered is only touched by the loop goroutine.
	buffered []bus.Event

	// History bookkeeping is shared with the timeout timer, guarded by mu.
	historyTimer  *time.Timer
	historyTries  int
	historyLoaded bool
}

// NewController creates a controller for the conversation with peerID.
func NewController(peerID string, tr Transport, b *bus.Bus, machine *status.Machine, logger *zap.Logger, opts Options) *Controller {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		peerID:    peerID,
		transport: tr,
		bus:       b,
		machine:   machine,
		logger:    logger,
		opts:      opts,
	}
}

// Open connects, requests history, and starts applying events. Returns
// transport.AuthError unwrapped if the credential is rejected, the one
// error class the caller must handle by re-authenticating.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return fmt.Errorf("controller already opened")
	}
	c.opened = true
	c.mu.Unlock()

	if err := c.machine.Transition(status.Connecting); err != nil {
		return err
	}

	if err := c.transport.Connect(ctx); err != nil {
		_ = c.machine.Transition(status.Closed)
		return err
	}

	selfID := c.transport.UserID()

	c.mu.Lock()
	c.store = conversation.NewStore(selfID, c.peerID, c.bus)
	c.tracker = delivery.NewTracker(c.store, c.bus, c.logger, c.opts.AckTimeout)
	c.typer = typing.NewCoordinator(&typingEmitter{c: c}, c.bus, c.opts.Typing)
	c.mu.Unlock()

	d := dispatch.New(selfID, c.peerID, c.bus, c.logger)
	c.unsubFrames = c.transport.Subscribe("", d.Handle)

	// Subscribe before requesting history so the response cannot slip
	// past the loop.
	convCh, unsubConv := c.bus.Subscribe("conv.", 256)
	connCh, unsubConn := c.bus.Subscribe("conn.", 64)
	c.unsubConv = unsubConv
	c.unsubConn = unsubConn

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(loopCtx, convCh, connCh)

	if err := c.machine.Transition(status.Syncing); err != nil {
		return err
	}
	c.requestHistory()

	c.logger.Info("conversation opened",
		zap.String("peer_id", c.peerID),
		zap.String("self_id", selfID))
	return nil
}

// Close tears the session down: dispatcher handlers are removed before
// the transport disconnects, all timers are cancelled, and any event
// arriving afterwards is dropped. Safe to call twice.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tracker, typer := c.tracker, c.typer
	c.mu.Unlock()

	// Unsubscribe first so no event races teardown.
	if c.unsubFrames != nil {
		c.unsubFrames()
	}
	if c.unsubConv != nil {
		c.unsubConv()
	}
	if c.unsubConn != nil {
		c.unsubConn()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.stopHistoryTimer()
	if typer != nil {
		typer.Close()
	}
	if tracker != nil {
		tracker.Close()
	}
	_ = c.transport.Close()
	_ = c.machine.Transition(status.Closed)
	c.logger.Info("conversation closed", zap.String("peer_id", c.peerID))
}

// Send optimistically inserts an outgoing message and emits it. The
// returned ClientTempID identifies the entry until the server assigns an
// id. A failed emit is not fatal: the entry stays Pending and the ack
// deadline will surface it as failed if no echo ever arrives.
func (c *Controller) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	store, tracker, typer := c.store, c.tracker, c.typer
	closed := c.closed
	c.mu.Unlock()
	if store == nil || closed {
		return "", fmt.Errorf("conversation not open")
	}

	tempID := store.AppendLocal(text)
	tracker.Track(tempID)
	typer.MessageSent()

	err := c.transport.Emit(ctx, wire.EventMessageSend, wire.SendMessage{
		To:           c.peerID,
		Text:         text,
		ClientTempID: tempID,
	})
	if err != nil {
		c.logger.Warn("send emit failed", zap.String("client_temp_id", tempID), zap.Error(err))
	}
	return tempID, err
}

// InputChanged feeds composer keystrokes to the typing coordinator.
func (c *Controller) InputChanged(text string) {
	c.mu.Lock()
	typer := c.typer
	c.mu.Unlock()
	if typer != nil {
		typer.InputChanged(text)
	}
}

// MarkViewed emits read receipts for incoming messages not yet marked
// read, and records them locally so repeat calls stay quiet.
func (c *Controller) MarkViewed(ctx context.Context) {
	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return
	}
	for _, m := range store.Snapshot() {
		if m.Direction != conversation.Incoming || m.State >= conversation.StateRead || m.ID == "" {
			continue
		}
		if err := c.transport.Emit(ctx, wire.EventMessageRead, wire.ReadReceipt{MessageID: m.ID, To: c.peerID}); err != nil {
			c.logger.Debug("read receipt emit failed", zap.Error(err))
			return
		}
		store.MarkRead(m.ID)
	}
}

// Store exposes the conversation read model. Nil before Open.
func (c *Controller) Store() *conversation.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store
}

// PeerTyping reports the peer typing indicator.
func (c *Controller) PeerTyping() bool {
	c.mu.Lock()
	typer := c.typer
	c.mu.Unlock()
	return typer != nil && typer.PeerTyping()
}

// CaughtUp reports whether every outgoing message in view has been read.
func (c *Controller) CaughtUp() bool {
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	return tracker != nil && tracker.CaughtUp()
}

// State returns the session state.
func (c *Controller) State() status.State {
	return c.machine.Current()
}

// loop applies bus notifications in delivery order. It is the only
// goroutine touching the buffer, so no event ever interleaves a replay.
func (c *Controller) loop(ctx context.Context, convCh, connCh <-chan bus.Event) {
	for {
		select {
		case evt := <-convCh:
			c.handleConv(evt)
		case evt := <-connCh:
			c.handleConn(evt)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleConv(evt bus.Event) {
	switch evt.Kind {
	case dispatch.KindHistory:
		msgs, ok := evt.Payload.([]conversation.Message)
		if !ok {
			return
		}
		c.applyHistory(msgs)

	case dispatch.KindMessage, dispatch.KindRead:
		// Store mutations wait for history: buffer while SYNCING,
		// apply when LIVE, drop in any other state.
		switch c.machine.Current() {
		case status.Live:
			c.apply(evt)
		case status.Syncing:
			c.buffered = append(c.buffered, evt)
		}

	case dispatch.KindTypingStarted:
		c.typer.PeerStarted()
	case dispatch.KindTypingStopped:
		c.typer.PeerStopped()
	}
}

func (c *Controller) applyHistory(msgs []conversation.Message) {
	c.stopHistoryTimer()
	c.mu.Lock()
	c.historyLoaded = true
	c.mu.Unlock()
	c.store.LoadHistory(msgs)

	if c.machine.Is(status.Syncing) {
		if err := c.machine.Transition(status.Live); err != nil {
			c.logger.Warn("cannot go live", zap.Error(err))
			return
		}
	}

	// Replay events buffered during the fetch, in arrival order. Echoes
	// already present in the history reconcile away in AppendRemote.
	buffered := c.buffered
	c.buffered = nil
	for _, evt := range buffered {
		c.apply(evt)
	}
	c.logger.Info("history applied",
		zap.Int("messages", c.store.Len()),
		zap.Int("replayed", len(buffered)))
}

func (c *Controller) apply(evt bus.Event) {
	switch evt.Kind {
	case dispatch.KindMessage:
		msg, ok := evt.Payload.(conversation.Message)
		if !ok {
			return
		}
		c.store.AppendRemote(msg)
		if msg.Direction == conversation.Outgoing && msg.ClientTempID != "" {
			c.tracker.Ack(msg.ClientTempID)
		}
	case dispatch.KindRead:
		id, ok := evt.Payload.(string)
		if !ok {
			return
		}
		c.tracker.HandleRead(id)
	}
}

func (c *Controller) handleConn(evt bus.Event) {
	switch evt.Kind {
	case "conn.state_changed":
		sc, ok := evt.Payload.(transport.StateChange)
		if !ok {
			return
		}
		switch sc.To {
		case transport.Reconnecting:
			if c.machine.Is(status.Syncing) || c.machine.Is(status.Live) {
				_ = c.machine.Transition(status.Reconnecting)
			}
		case transport.Connected:
			if c.machine.Is(status.Reconnecting) {
				// Fresh history fetch is mandatory after a drop; live
				// events resume buffering until it lands.
				if err := c.machine.Transition(status.Syncing); err == nil {
					c.mu.Lock()
					c.historyLoaded = false
					c.historyTries = 0
					c.mu.Unlock()
					c.requestHistory()
				}
			}
		}
	case "conn.auth_failed":
		// Credential rejected mid-session: escalate and shut down.
		c.logger.Error("session credential rejected")
		c.bus.Emit("session.auth_failed", evt.Payload)
		go c.Close()
	}
}

func (c *Controller) requestHistory() {
	c.mu.Lock()
	c.historyTries++
	c.mu.Unlock()
	if err := c.transport.Emit(context.Background(), wire.EventMessagesGet, wire.GetMessages{To: c.peerID}); err != nil {
		c.logger.Warn("history request failed", zap.Error(err))
	}
	c.armHistoryTimer()
}

func (c *Controller) armHistoryTimer() {
	c.stopHistoryTimer()
	c.mu.Lock()
	c.historyTimer = time.AfterFunc(c.opts.HistoryTimeout, c.historyTimedOut)
	c.mu.Unlock()
}

func (c *Controller) stopHistoryTimer() {
	c.mu.Lock()
	if c.historyTimer != nil {
		c.historyTimer.Stop()
		c.historyTimer = nil
	}
	c.mu.Unlock()
}

func (c *Controller) historyTimedOut() {
	c.mu.Lock()
	loaded, tries := c.historyLoaded, c.historyTries
	c.mu.Unlock()
	if !c.machine.Is(status.Syncing) || loaded {
		return
	}
	if tries > c.opts.HistoryRetries {
		c.logger.Error("history fetch exhausted retries",
			zap.Int("attempts", tries))
		return
	}
	c.logger.Warn("history fetch timed out, re-requesting",
		zap.Int("attempt", tries))
	c.requestHistory()
}

// typingEmitter adapts the transport into the coordinator's emitter.
// Typing signals are best effort; a failed emit is only logged.
type typingEmitter struct {
	c *Controller
}

func (e *typingEmitter) TypingStart() { e.emit(wire.EventTypingStart) }
func (e *typingEmitter) TypingStop()  { e.emit(wire.EventTypingStop) }

func (e *typingEmitter) emit(event string) {
	if err := e.c.transport.Emit(context.Background(), event, wire.Typing{To: e.c.peerID}); err != nil {
		e.c.logger.Debug("typing emit failed", zap.String("event", event), zap.Error(err))
	}
}
