// Package status tracks the lifecycle of one conversation session: from
// the first connect, through history sync, to live event streaming, until
// the conversation is closed.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dmelo/parley/internal/bus"
)

// State is a session runtime state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal:
// a session object is never reused for another conversation.
var validTransitions = map[State][]State{
	Idle:         {Connecting, Closed},
	Connecting:   {Syncing, Reconnecting, Closed},
	Syncing:      {Live, Reconnecting, Closed},
	Live:         {Reconnecting, Closed},
	Reconnecting: {Syncing, Closed},
	Closed:       {},
}

// Machine tracks and enforces session state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is currently in the given state.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state. Returns an error if the
// transition is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		current := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", current, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "session.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for session.status_changed events.
type StatusChange struct {
	From State
	To   State
}
