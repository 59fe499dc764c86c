// Package conversation holds the in-memory ordered message list for the
// currently open conversation. The server remains the durable source of
// truth; the store is rebuilt from history on every open and discarded on
// close.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/dmelo/parley/internal/bus"
	"github.com/google/uuid"
)

// Update is the payload of message.upserted bus events.
type Update struct {
	PeerID       string
	MessageID    string
	ClientTempID string
}

// Store is the authoritative message list for one conversation. All
// mutations are atomic with respect to a single caller and keep the list
// chronologically ordered with no duplicate server ids.
type Store struct {
	mu      sync.Mutex
	selfID  string
	peerID  string
	msgs    []Message
	nextSeq uint64
	bus     *bus.Bus
}

// NewStore creates an empty store bound to one peer.
func NewStore(selfID, peerID string, b *bus.Bus) *Store {
	return &Store{
		selfID: selfID,
		peerID: peerID,
		bus:    b,
	}
}

// PeerID returns the remote party this store is bound to.
func (s *Store) PeerID() string { return s.peerID }

// SelfID returns the local user id.
func (s *Store) SelfID() string { return s.selfID }

// LoadHistory replaces the store contents wholesale with the server's
// history, normalized to ascending chronological order regardless of the
// order supplied. Messages already present (an optimistic send racing the
// reload) survive reconciliation through their ClientTempID.
func (s *Store) LoadHistory(msgs []Message) {
	s.mu.Lock()

	echoed := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		if m.ClientTempID != "" {
			echoed[m.ClientTempID] = true
		}
	}

	// Optimistic sends still awaiting their ack survive the reload unless
	// the history already contains their echo.
	pending := make([]Message, 0)
	for _, m := range s.msgs {
		if m.ID == "" && m.State == StatePending && !echoed[m.ClientTempID] {
			pending = append(pending, m)
		}
	}

	s.msgs = s.msgs[:0]
	for _, m := range msgs {
		m.seq = s.nextSeq
		s.nextSeq++
		s.insertLocked(m)
	}
	for _, m := range pending {
		s.insertLocked(m)
	}
	s.mu.Unlock()

	s.publish(Update{PeerID: s.peerID})
}

// AppendLocal constructs a Pending outgoing message, inserts it at the
// chronological tail and returns its fresh ClientTempID for correlation
// with the server acknowledgment.
func (s *Store) AppendLocal(text string) string {
	tempID := uuid.New().String()
	s.mu.Lock()
	m := Message{
		ClientTempID: tempID,
		Text:         text,
		SenderID:     s.selfID,
		ReceiverID:   s.peerID,
		CreatedAt:    time.Now(),
		State:        StatePending,
		Direction:    Outgoing,
		seq:          s.nextSeq,
	}
	s.nextSeq++
	s.insertLocked(m)
	s.mu.Unlock()

	s.publish(Update{PeerID: s.peerID, ClientTempID: tempID})
	return tempID
}

// AppendRemote inserts an incoming message. An echo of the local user's
// own send (same ClientTempID) reconciles the optimistic entry in place
// instead of duplicating it; the server id and timestamp replace the
// placeholder. Messages whose server id is already present are dropped.
func (s *Store) AppendRemote(m Message) {
	s.mu.Lock()

	if m.ClientTempID != "" {
		if i := s.indexByTempIDLocked(m.ClientTempID); i >= 0 {
			s.reconcileLocked(i, m)
			upd := Update{PeerID: s.peerID, MessageID: m.ID, ClientTempID: m.ClientTempID}
			s.mu.Unlock()
			s.publish(upd)
			return
		}
	}
	if m.ID != "" && s.indexByIDLocked(m.ID) >= 0 {
		s.mu.Unlock()
		return
	}

	m.seq = s.nextSeq
	s.nextSeq++
	s.insertLocked(m)
	upd := Update{PeerID: s.peerID, MessageID: m.ID}
	s.mu.Unlock()

	s.publish(upd)
}

// MarkRead advances a message to Read. No-op if the message does not
// exist or is already Read.
func (s *Store) MarkRead(messageID string) {
	s.mu.Lock()
	i := s.indexByIDLocked(messageID)
	if i < 0 || !advance(&s.msgs[i], StateRead) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.publish(Update{PeerID: s.peerID, MessageID: messageID})
}

// Advance moves the message with the given ClientTempID forward to the
// target state. Regressions are ignored. Returns false if no such message
// exists or the state did not change.
func (s *Store) Advance(clientTempID string, to DeliveryState) bool {
	s.mu.Lock()
	i := s.indexByTempIDLocked(clientTempID)
	if i < 0 || !advance(&s.msgs[i], to) {
		s.mu.Unlock()
		return false
	}
	id := s.msgs[i].ID
	s.mu.Unlock()

	s.publish(Update{PeerID: s.peerID, MessageID: id, ClientTempID: clientTempID})
	return true
}

// MarkFailed flags an unacknowledged optimistic send as failed so the UI
// can offer a retry. Only Pending messages can fail.
func (s *Store) MarkFailed(clientTempID string) bool {
	s.mu.Lock()
	i := s.indexByTempIDLocked(clientTempID)
	if i < 0 || s.msgs[i].State != StatePending {
		s.mu.Unlock()
		return false
	}
	s.msgs[i].State = StateFailed
	s.mu.Unlock()

	s.publish(Update{PeerID: s.peerID, ClientTempID: clientTempID})
	return true
}

// Snapshot returns a chronologically ordered copy of the message list.
func (s *Store) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Len returns the number of messages in view.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func (s *Store) insertLocked(m Message) {
	i := sort.Search(len(s.msgs), func(i int) bool {
		if !s.msgs[i].CreatedAt.Equal(m.CreatedAt) {
			return s.msgs[i].CreatedAt.After(m.CreatedAt)
		}
		return s.msgs[i].seq > m.seq
	})
	s.msgs = append(s.msgs, Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
}

func (s *Store) reconcileLocked(i int, echo Message) {
	m := &s.msgs[i]
	m.ID = echo.ID
	if !echo.CreatedAt.IsZero() {
		m.CreatedAt = echo.CreatedAt
	}
	advance(m, echo.State)

	// Timestamp may have moved; restore ordering.
	reconciled := *m
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	s.insertLocked(reconciled)
}

func (s *Store) indexByIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) indexByTempIDLocked(tempID string) int {
	for i := range s.msgs {
		if s.msgs[i].ClientTempID == tempID {
			return i
		}
	}
	return -1
}

func (s *Store) publish(u Update) {
	if s.bus != nil {
		s.bus.Emit("message.upserted", u)
	}
}

// advance applies the monotonic state rule: Pending → Sent → Delivered →
// Read, never backwards, never out of Failed.
func advance(m *Message, to DeliveryState) bool {
	if m.State == StateFailed || to == StateFailed {
		return false
	}
	if to <= m.State || to > StateRead {
		return false
	}
	m.State = to
	return true
}
