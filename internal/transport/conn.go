// Package transport owns the streaming WebSocket connection to the chat
// server. It authenticates with a bearer token, exposes emit/subscribe on
// named wire events, and re-establishes dropped connections automatically
// with bounded exponential backoff. Subscriptions persist across
// reconnects; the credential is re-sent on every handshake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/dmelo/parley/internal/bus"
	"github.com/dmelo/parley/internal/wire"
	"go.uber.org/zap"
)

// ConnState is the connection lifecycle state.
type ConnState string

const (
	Disconnected ConnState = "DISCONNECTED"
	Connecting   ConnState = "CONNECTING"
	Connected    ConnState = "CONNECTED"
	Reconnecting ConnState = "RECONNECTING"
)

// StateChange is the payload of conn.state_changed bus events.
type StateChange struct {
	From    ConnState
	To      ConnState
	Attempt int
}

// AuthError means the server rejected (or never received) the credential.
// It is fatal to the session: the connection will not retry.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// ErrNotConnected is returned by Emit when no connection is established.
var ErrNotConnected = errors.New("transport: not connected")

// Options tunes the connection. Zero values fall back to defaults.
type Options struct {
	BaseDelay   time.Duration // first reconnect backoff
	MaxDelay    time.Duration // backoff ceiling
	MaxAttempts int           // 0 = retry forever
	DialTimeout time.Duration
}

func (o *Options) defaults() {
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
}

// Handler receives a decoded inbound frame.
type Handler func(env wire.Envelope)

type subscriber struct {
	event   string // "" matches every event
	handler Handler
}

// Conn is the single streaming connection to the chat server.
type Conn struct {
	url    string
	token  string
	opts   Options
	bus    *bus.Bus
	logger *zap.Logger
	recon  *reconnector

	mu               sync.Mutex
	ws               *websocket.Conn
	state            ConnState
	userID           string
	intentionalClose bool
	lifeCancel       context.CancelFunc

	subMu   sync.RWMutex
	subs    map[int]*subscriber
	nextSub int
}

// New creates a connection to serverURL authenticating with token.
// Connect must be called before Emit.
func New(serverURL, token string, opts Options, b *bus.Bus, logger *zap.Logger) *Conn {
	opts.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		url:    serverURL,
		token:  token,
		opts:   opts,
		bus:    b,
		logger: logger,
		recon:  newReconnector(opts.BaseDelay, opts.MaxDelay, opts.MaxAttempts),
		state:  Disconnected,
		subs:   make(map[int]*subscriber),
	}
}

// Connect performs the dial and auth handshake, then starts the read
// loop. Returns AuthError if the server rejects the credential.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return nil
	}
	c.intentionalClose = false
	c.mu.Unlock()
	c.setState(Connecting)

	lifeCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.lifeCancel = cancel
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.setState(Disconnected)
		cancel()
		return err
	}

	go c.readLoop(lifeCtx)
	return nil
}

// Close tears the connection down and stops any reconnect attempts.
// Safe to call twice.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.lifeCancel != nil {
		c.lifeCancel()
		c.lifeCancel = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	// A later Connect starts with a fresh backoff budget.
	c.recon.reset()
	c.setState(Disconnected)
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the identity the server reported in the auth handshake.
// Empty until the first successful Connect.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Emit sends an outbound frame.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Subscribe registers a handler for inbound frames with the given event
// name; event == "" receives every frame. Handlers are invoked from the
// single read loop goroutine, one frame at a time, in delivery order.
// Subscriptions survive reconnects. The returned function unsubscribes;
// it is synchronous with respect to dispatch once it returns combined
// with Close.
func (c *Conn) Subscribe(event string, h Handler) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = &subscriber{event: event, handler: h}
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Conn) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	wsURL := strings.Replace(c.url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + "/ws"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	ws, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Reason: fmt.Sprintf("handshake rejected with HTTP %d", resp.StatusCode)}
		}
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	// The server's first frame must confirm the credential and report
	// our identity.
	_, raw, err := ws.Read(dialCtx)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
			return &AuthError{Reason: "credential rejected"}
		}
		return fmt.Errorf("read handshake: %w", err)
	}
	env, err := wire.Decode(raw)
	if err != nil || env.Event != wire.EventAuthenticated {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return &AuthError{Reason: fmt.Sprintf("expected %s frame, got %q", wire.EventAuthenticated, env.Event)}
	}
	var auth wire.Authenticated
	if err := env.DecodeData(&auth); err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return &AuthError{Reason: "malformed authenticated frame"}
	}

	c.mu.Lock()
	c.ws = ws
	c.userID = auth.UserID
	c.mu.Unlock()

	c.recon.markConnected()
	c.setState(Connected)
	c.logger.Info("transport connected", zap.String("user_id", auth.UserID))
	return nil
}

// readLoop reads frames until the connection drops, dispatching each to
// the subscription table. All dispatch happens on this one goroutine, so
// consumers observe events one at a time in delivery order.
func (c *Conn) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			return
		}

		_, raw, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			c.ws = nil
			c.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}
			c.logger.Warn("transport dropped", zap.Error(err))
			c.reconnectLoop(ctx)
			return
		}

		env, err := wire.Decode(raw)
		if err != nil {
			// Malformed frame: logged and dropped, never fatal.
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Conn) dispatch(env wire.Envelope) {
	c.subMu.RLock()
	handlers := make([]Handler, 0, len(c.subs))
	for _, sub := range c.subs {
		if sub.event == "" || sub.event == env.Event {
			handlers = append(handlers, sub.handler)
		}
	}
	c.subMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// reconnectLoop re-dials with backoff until it succeeds, the credential
// is rejected, or the attempt budget runs out. Every attempt re-sends the
// token. On success a new read loop is started and the existing
// subscription table keeps receiving events.
func (c *Conn) reconnectLoop(ctx context.Context) {
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setStateAttempt(Reconnecting, c.recon.attempt)
		c.logger.Info("reconnecting",
			zap.Int("attempt", c.recon.attempt),
			zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		err := c.dial(ctx)
		if err == nil {
			go c.readLoop(ctx)
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			// Credential went bad mid-session; retrying cannot help.
			c.logger.Error("reconnect auth failure", zap.Error(err))
			c.setState(Disconnected)
			if c.bus != nil {
				c.bus.Emit("conn.auth_failed", authErr)
			}
			return
		}
		c.logger.Warn("reconnect attempt failed", zap.Error(err))
	}
	c.setState(Disconnected)
}

func (c *Conn) setState(to ConnState) {
	c.setStateAttempt(to, 0)
}

func (c *Conn) setStateAttempt(to ConnState, attempt int) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	if c.bus != nil {
		c.bus.Emit("conn.state_changed", StateChange{From: from, To: to, Attempt: attempt})
	}
}
