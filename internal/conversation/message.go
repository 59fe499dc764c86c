package conversation

import "time"

// DeliveryState tracks how far an outgoing message has progressed.
// States only advance (Pending → Sent → Delivered → Read); Failed is a
// terminal side-exit reachable only from Pending, for sends that never
// received a server acknowledgment.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateSent
	StateDelivered
	StateRead
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Direction says which side of the conversation authored a message.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// Message is one entry in the conversation read model. ID is assigned by
// the server and is empty until the send is acknowledged; ClientTempID is
// the local correlation handle for outgoing messages.
type Message struct {
	ID           string
	ClientTempID string
	Text         string
	SenderID     string
	ReceiverID   string
	CreatedAt    time.Time
	State        DeliveryState
	Direction    Direction

	seq uint64 // insertion order, tie-break for equal timestamps
}
