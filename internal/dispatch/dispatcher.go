// Package dispatch demultiplexes inbound transport frames for the active
// conversation. Relevant frames become typed notifications on the bus;
// frames for other conversations, unknown events, and malformed payloads
// are dropped without side effect.
package dispatch

import (
	"time"

	"github.com/dmelo/parley/internal/bus"
	"github.com/dmelo/parley/internal/conversation"
	"github.com/dmelo/parley/internal/wire"
	"go.uber.org/zap"
)

// Notification kinds published on the bus.
const (
	KindHistory       = "conv.history"        // []conversation.Message
	KindMessage       = "conv.message"        // conversation.Message
	KindTypingStarted = "conv.typing_started" // nil
	KindTypingStopped = "conv.typing_stopped" // nil
	KindRead          = "conv.read"           // message id string
)

// Dispatcher filters frames by the active conversation and translates
// them into the closed notification set. It does not touch the store
// directly; the sync controller subscribes to the bus and decides when
// notifications are applied.
type Dispatcher struct {
	selfID string
	peerID string
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a dispatcher bound to one conversation.
func New(selfID, peerID string, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		selfID: selfID,
		peerID: peerID,
		bus:    b,
		logger: logger,
	}
}

// Handle is registered as the transport frame handler.
func (d *Dispatcher) Handle(env wire.Envelope) {
	switch env.Event {
	case wire.EventMessagesList:
		d.handleHistory(env)
	case wire.EventMessageNew:
		d.handleMessage(env)
	case wire.EventTypingStart, wire.EventTypingStop:
		d.handleTyping(env)
	case wire.EventMessageRead:
		d.handleRead(env)
	case wire.EventAuthenticated:
		// Consumed during the transport handshake.
	case wire.EventError:
		var se wire.ServerError
		if env.DecodeData(&se) == nil {
			d.logger.Warn("server error", zap.String("message", se.Message))
		}
	default:
		// Unknown events are ignored for forward compatibility.
		d.logger.Debug("ignoring unknown event", zap.String("event", env.Event))
	}
}

func (d *Dispatcher) handleHistory(env wire.Envelope) {
	var list wire.MessageList
	if err := env.DecodeData(&list); err != nil {
		d.logger.Warn("dropping malformed history", zap.Error(err))
		return
	}
	if list.To != d.peerID {
		return
	}
	msgs := make([]conversation.Message, 0, len(list.Messages))
	for _, wm := range list.Messages {
		msgs = append(msgs, toMessage(wm, d.selfID))
	}
	d.bus.Emit(KindHistory, msgs)
}

func (d *Dispatcher) handleMessage(env wire.Envelope) {
	var wm wire.Message
	if err := env.DecodeData(&wm); err != nil {
		d.logger.Warn("dropping malformed message", zap.Error(err))
		return
	}
	if !d.relevant(wm) {
		return
	}
	d.bus.Emit(KindMessage, toMessage(wm, d.selfID))
}

func (d *Dispatcher) handleTyping(env wire.Envelope) {
	var typ wire.Typing
	if err := env.DecodeData(&typ); err != nil {
		d.logger.Warn("dropping malformed typing signal", zap.Error(err))
		return
	}
	if typ.From != d.peerID {
		return
	}
	if env.Event == wire.EventTypingStart {
		d.bus.Emit(KindTypingStarted, nil)
	} else {
		d.bus.Emit(KindTypingStopped, nil)
	}
}

func (d *Dispatcher) handleRead(env wire.Envelope) {
	var rr wire.ReadReceipt
	if err := env.DecodeData(&rr); err != nil {
		d.logger.Warn("dropping malformed read receipt", zap.Error(err))
		return
	}
	if rr.MessageID == "" {
		return
	}
	d.bus.Emit(KindRead, rr.MessageID)
}

// relevant reports whether a message belongs to the active conversation:
// the peer is one party and the local user the other.
func (d *Dispatcher) relevant(m wire.Message) bool {
	if m.Sender == d.peerID && m.Receiver == d.selfID {
		return true
	}
	return m.Sender == d.selfID && m.Receiver == d.peerID
}

// toMessage converts a wire message into a store entry, inferring
// direction and delivery state from the local user's identity.
func toMessage(wm wire.Message, selfID string) conversation.Message {
	dir := conversation.Incoming
	if wm.Sender == selfID {
		dir = conversation.Outgoing
	}

	state := conversation.StateDelivered
	if dir == conversation.Outgoing && !wm.Delivered {
		state = conversation.StateSent
	}
	if wm.Read {
		state = conversation.StateRead
	}

	createdAt := wm.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return conversation.Message{
		ID:           wm.ID,
		ClientTempID: wm.ClientTempID,
		Text:         wm.Text,
		SenderID:     wm.Sender,
		ReceiverID:   wm.Receiver,
		CreatedAt:    createdAt,
		State:        state,
		Direction:    dir,
	}
}
