package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name ("message.upserted", "conn.state_changed"); subscribers filter by
// namespace prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
