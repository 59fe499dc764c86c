// Package delivery tracks the acknowledgment lifecycle of optimistic
// sends: every tracked message either receives its server echo within the
// ack window or is marked failed so the UI can offer a retry. It also
// reconciles inbound read receipts against the store.
package delivery

import (
	"fmt"
	"sync"
	"time"

	"github.com/dmelo/parley/internal/bus"
	"github.com/dmelo/parley/internal/conversation"
	"go.uber.org/zap"
)

// SendTimeoutError reports an optimistic message that never received a
// server acknowledgment within the ack window.
type SendTimeoutError struct {
	ClientTempID string
	Window       time.Duration
}

func (e *SendTimeoutError) Error() string {
	return fmt.Sprintf("send %s not acknowledged within %s", e.ClientTempID, e.Window)
}

// SendFailure is the payload of message.send_failed bus events.
type SendFailure struct {
	ClientTempID string
	Err          error
}

// Tracker observes outgoing sends and advances their delivery state.
type Tracker struct {
	store      *conversation.Store
	bus        *bus.Bus
	logger     *zap.Logger
	ackTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
}

// NewTracker creates a tracker over the given store. ackTimeout bounds
// how long a send may stay Pending before it is surfaced as failed.
func NewTracker(store *conversation.Store, b *bus.Bus, logger *zap.Logger, ackTimeout time.Duration) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	return &Tracker{
		store:      store,
		bus:        b,
		logger:     logger,
		ackTimeout: ackTimeout,
		pending:    make(map[string]*time.Timer),
	}
}

// Track arms the ack deadline for a freshly appended local send.
func (t *Tracker) Track(clientTempID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || clientTempID == "" {
		return
	}
	if _, dup := t.pending[clientTempID]; dup {
		return
	}
	t.pending[clientTempID] = time.AfterFunc(t.ackTimeout, func() {
		t.expire(clientTempID)
	})
}

// Ack cancels the deadline for an echoed send. The store entry itself is
// reconciled by AppendRemote; Ack only settles the bookkeeping. Unknown
// ids are a no-op (late echoes after expiry, or messages never tracked).
func (t *Tracker) Ack(clientTempID string) {
	t.mu.Lock()
	timer, ok := t.pending[clientTempID]
	if ok {
		delete(t.pending, clientTempID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	timer.Stop()

	if t.bus != nil {
		t.bus.Emit("message.send_ack", clientTempID)
	}
}

// HandleRead applies an inbound read receipt to the store.
func (t *Tracker) HandleRead(messageID string) {
	t.store.MarkRead(messageID)
}

// CaughtUp reports whether every outgoing message in view has been read
// by the peer. Failed sends are excluded: they were never delivered and
// will either be retried or discarded. Used to suppress redundant
// read-receipt traffic.
func (t *Tracker) CaughtUp() bool {
	for _, m := range t.store.Snapshot() {
		if m.Direction != conversation.Outgoing || m.State == conversation.StateFailed {
			continue
		}
		if m.State != conversation.StateRead {
			return false
		}
	}
	return true
}

// Close cancels all armed deadlines. Pending sends keep their current
// state; nothing is marked failed by teardown.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, timer := range t.pending {
		timer.Stop()
		delete(t.pending, id)
	}
}

func (t *Tracker) expire(clientTempID string) {
	t.mu.Lock()
	if _, ok := t.pending[clientTempID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.pending, clientTempID)
	t.mu.Unlock()

	if !t.store.MarkFailed(clientTempID) {
		return
	}
	err := &SendTimeoutError{ClientTempID: clientTempID, Window: t.ackTimeout}
	t.logger.Warn("send not acknowledged", zap.String("client_temp_id", clientTempID), zap.Duration("window", t.ackTimeout))
	if t.bus != nil {
		t.bus.Emit("message.send_failed", SendFailure{ClientTempID: clientTempID, Err: err})
	}
}
