package conversation

import (
	"testing"
	"time"

	"github.com/dmelo/parley/internal/bus"
)

var (
	t1 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 = time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC)
	t3 = time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
)

func testStore() *Store {
	return NewStore("me", "peer", nil)
}

func TestLoadHistorySortsAscending(t *testing.T) {
	s := testStore()

	// Delivered out of order: T3, T1, T2.
	s.LoadHistory([]Message{
		{ID: "m3", Text: "three", SenderID: "peer", CreatedAt: t3, Direction: Incoming, State: StateDelivered},
		{ID: "m1", Text: "one", SenderID: "peer", CreatedAt: t1, Direction: Incoming, State: StateDelivered},
		{ID: "m2", Text: "two", SenderID: "peer", CreatedAt: t2, Direction: Incoming, State: StateDelivered},
	})

	got := s.Snapshot()
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].ID != want {
			t.Errorf("msgs[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestLoadHistoryEqualTimestampsKeepSuppliedOrder(t *testing.T) {
	s := testStore()
	s.LoadHistory([]Message{
		{ID: "a", CreatedAt: t1, Direction: Incoming, State: StateDelivered},
		{ID: "b", CreatedAt: t1, Direction: Incoming, State: StateDelivered},
	})

	got := s.Snapshot()
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %s,%s, want a,b", got[0].ID, got[1].ID)
	}
}

func TestLoadHistoryReplacesWholesale(t *testing.T) {
	s := testStore()
	s.LoadHistory([]Message{{ID: "old", CreatedAt: t1, State: StateDelivered}})
	s.LoadHistory([]Message{{ID: "new", CreatedAt: t2, State: StateDelivered}})

	got := s.Snapshot()
	if len(got) != 1 || got[0].ID != "new" {
		t.Errorf("snapshot = %+v, want only 'new'", got)
	}
}

func TestLoadHistoryKeepsUnackedPending(t *testing.T) {
	s := testStore()
	tempID := s.AppendLocal("still in flight")

	s.LoadHistory([]Message{{ID: "m1", CreatedAt: t1, State: StateDelivered}})

	got := s.Snapshot()
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2 (history + pending)", len(got))
	}
	if got[1].ClientTempID != tempID || got[1].State != StatePending {
		t.Errorf("pending send lost across history reload: %+v", got[1])
	}
}

func TestLoadHistoryDropsPendingWhenEchoIncluded(t *testing.T) {
	s := testStore()
	tempID := s.AppendLocal("hi")

	s.LoadHistory([]Message{
		{ID: "m1", ClientTempID: tempID, Text: "hi", CreatedAt: t1, Direction: Outgoing, State: StateDelivered},
	})

	got := s.Snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1 (echo subsumes pending)", len(got))
	}
	if got[0].ID != "m1" {
		t.Errorf("ID = %q, want m1", got[0].ID)
	}
}

func TestAppendLocalInsertsPendingAtTail(t *testing.T) {
	s := testStore()
	s.LoadHistory([]Message{{ID: "m1", CreatedAt: t1, State: StateDelivered}})

	tempID := s.AppendLocal("hello")
	if tempID == "" {
		t.Fatal("AppendLocal returned empty ClientTempID")
	}

	got := s.Snapshot()
	last := got[len(got)-1]
	if last.ClientTempID != tempID {
		t.Errorf("tail ClientTempID = %q, want %q", last.ClientTempID, tempID)
	}
	if last.State != StatePending || last.Direction != Outgoing {
		t.Errorf("state/direction = %v/%v, want pending/outgoing", last.State, last.Direction)
	}
	if last.SenderID != "me" || last.ReceiverID != "peer" {
		t.Errorf("sender/receiver = %s/%s", last.SenderID, last.ReceiverID)
	}
}

func TestAppendLocalUniqueTempIDs(t *testing.T) {
	s := testStore()
	a := s.AppendLocal("one")
	b := s.AppendLocal("two")
	if a == b {
		t.Errorf("ClientTempIDs collide: %q", a)
	}
}

func TestAppendRemoteEchoReconcilesInPlace(t *testing.T) {
	s := testStore()
	tempID := s.AppendLocal("hi")

	s.AppendRemote(Message{
		ID:           "m1",
		ClientTempID: tempID,
		Text:         "hi",
		SenderID:     "me",
		ReceiverID:   "peer",
		CreatedAt:    t1,
		Direction:    Outgoing,
		State:        StateDelivered,
	})

	got := s.Snapshot()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1 (no echo duplication)", len(got))
	}
	m := got[0]
	if m.ID != "m1" {
		t.Errorf("ID = %q, want m1 (server id adopted)", m.ID)
	}
	if !m.CreatedAt.Equal(t1) {
		t.Errorf("CreatedAt = %v, want server timestamp %v", m.CreatedAt, t1)
	}
	if m.State != StateDelivered {
		t.Errorf("state = %v, want delivered", m.State)
	}
}

func TestAppendRemoteDuplicateServerIDDropped(t *testing.T) {
	s := testStore()
	msg := Message{ID: "m1", Text: "hi", SenderID: "peer", CreatedAt: t1, Direction: Incoming, State: StateDelivered}
	s.AppendRemote(msg)
	s.AppendRemote(msg)

	if s.Len() != 1 {
		t.Errorf("got %d messages, want 1", s.Len())
	}
}

func TestAppendRemoteIncomingInsertedInOrder(t *testing.T) {
	s := testStore()
	s.AppendRemote(Message{ID: "m2", CreatedAt: t2, Direction: Incoming, State: StateDelivered})
	s.AppendRemote(Message{ID: "m1", CreatedAt: t1, Direction: Incoming, State: StateDelivered})

	got := s.Snapshot()
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Errorf("order = %s,%s, want m1,m2", got[0].ID, got[1].ID)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	s := testStore()
	s.LoadHistory([]Message{{ID: "m1", CreatedAt: t1, Direction: Outgoing, State: StateDelivered}})

	s.MarkRead("m1")
	first := s.Snapshot()
	s.MarkRead("m1")
	second := s.Snapshot()

	if first[0].State != StateRead || second[0].State != StateRead {
		t.Errorf("states = %v, %v, want read, read", first[0].State, second[0].State)
	}
}

func TestMarkReadUnknownIDNoop(t *testing.T) {
	s := testStore()
	s.MarkRead("ghost") // must not panic or insert
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestDeliveryStateMonotonic(t *testing.T) {
	s := testStore()
	tempID := s.AppendLocal("hi")

	if !s.Advance(tempID, StateDelivered) {
		t.Fatal("Pending -> Delivered should succeed")
	}
	if s.Advance(tempID, StateSent) {
		t.Error("Delivered -> Sent regression must be rejected")
	}
	if got := s.Snapshot()[0].State; got != StateDelivered {
		t.Errorf("state = %v, want delivered", got)
	}
}

func TestMarkFailedOnlyFromPending(t *testing.T) {
	s := testStore()
	tempID := s.AppendLocal("hi")
	s.Advance(tempID, StateSent)

	if s.MarkFailed(tempID) {
		t.Error("MarkFailed on a Sent message should be rejected")
	}

	other := s.AppendLocal("lost")
	if !s.MarkFailed(other) {
		t.Error("MarkFailed on a Pending message should succeed")
	}
	got := s.Snapshot()
	if got[len(got)-1].State != StateFailed {
		t.Errorf("state = %v, want failed", got[len(got)-1].State)
	}
	// A late ack cannot resurrect a failed send.
	if s.Advance(other, StateDelivered) {
		t.Error("Advance out of Failed must be rejected")
	}
}

func TestMutationsPublishUpserted(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("message.", 16)
	defer unsub()

	s := NewStore("me", "peer", b)
	tempID := s.AppendLocal("hi")

	select {
	case evt := <-ch:
		upd, ok := evt.Payload.(Update)
		if !ok {
			t.Fatalf("payload type = %T, want Update", evt.Payload)
		}
		if upd.ClientTempID != tempID || upd.PeerID != "peer" {
			t.Errorf("update = %+v", upd)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.upserted")
	}
}
