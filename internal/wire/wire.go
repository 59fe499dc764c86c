// Package wire defines the JSON frame format spoken with the chat server.
// Every frame is an Envelope carrying an event name and a raw payload;
// payload shapes are the closed set of types below.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names.
const (
	EventAuthenticated = "authenticated"
	EventMessagesList  = "messages:list"
	EventMessageNew    = "message:new"
	EventMessageRead   = "message:read"
	EventTypingStart   = "typing:start"
	EventTypingStop    = "typing:stop"
	EventError         = "error"
)

// Outbound event names. typing:start / typing:stop are used in both
// directions with different payloads (from vs. to).
const (
	EventMessagesGet = "messages:get"
	EventMessageSend = "message:send"
)

// Envelope is the wire format for every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ProtocolError reports a frame that could not be decoded. The offending
// frame is dropped; the connection stays up.
type ProtocolError struct {
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %q: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Encode marshals an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode unmarshals a raw frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &ProtocolError{Err: err}
	}
	if env.Event == "" {
		return Envelope{}, &ProtocolError{Err: fmt.Errorf("missing event name")}
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v. Extra fields are
// ignored for forward compatibility.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return &ProtocolError{Event: e.Event, Err: fmt.Errorf("missing payload")}
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &ProtocolError{Event: e.Event, Err: err}
	}
	return nil
}

// Authenticated is the first server frame after a successful handshake.
// The server is the sole authority on identity; the client never derives
// it from the credential.
type Authenticated struct {
	UserID string `json:"userId"`
}

// Message is a chat message as the server represents it.
type Message struct {
	ID           string    `json:"_id,omitempty"`
	ClientTempID string    `json:"clientTempId,omitempty"`
	Text         string    `json:"text"`
	Sender       string    `json:"sender"`
	Receiver     string    `json:"receiver,omitempty"`
	Delivered    bool      `json:"delivered,omitempty"`
	Read         bool      `json:"read,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitempty"`
}

// MessageList is the history response to messages:get.
type MessageList struct {
	To       string    `json:"to"`
	Messages []Message `json:"messages"`
}

// GetMessages requests conversation history.
type GetMessages struct {
	To string `json:"to"`
}

// SendMessage carries an outbound message. ClientTempID is echoed back on
// the message:new confirmation so the sender can reconcile its optimistic
// entry.
type SendMessage struct {
	To           string `json:"to"`
	Text         string `json:"text"`
	ClientTempID string `json:"clientTempId"`
}

// Typing is a typing signal. From is set on inbound frames, To on outbound.
type Typing struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// ReadReceipt confirms a message was viewed. To is set on outbound frames.
type ReadReceipt struct {
	MessageID string `json:"messageId"`
	To        string `json:"to,omitempty"`
}

// ServerError is a server-reported error frame.
type ServerError struct {
	Message string `json:"message"`
}
