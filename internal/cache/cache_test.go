package cache

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate; a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestUpsertContactKeepsNonEmptyFields(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertContact(&Contact{ID: "u1", Name: "Ana", Email: "ana@example.com"}); err != nil {
		t.Fatal(err)
	}
	// An update with empty fields must not wipe the stored values.
	if err := db.UpsertContact(&Contact{ID: "u1"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetContact("u1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Name != "Ana" || c.Email != "ana@example.com" {
		t.Errorf("contact = %+v, want Ana/ana@example.com preserved", c)
	}
}

func TestBulkUpsertContacts(t *testing.T) {
	db := testDB(t)

	contacts := []Contact{
		{ID: "u1", Name: "Ana"},
		{ID: "u2", Name: "Bruno"},
		{ID: "u1", Name: "Ana Maria"}, // second upsert of same id wins
	}
	if err := db.BulkUpsertContacts(contacts); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListContacts()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("contacts = %d, want 2", len(got))
	}
	if got[0].Name != "Ana Maria" {
		t.Errorf("name = %q, want Ana Maria", got[0].Name)
	}
}

func TestGetContactUnknown(t *testing.T) {
	db := testDB(t)

	c, err := db.GetContact("nobody")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Errorf("contact = %+v, want nil", c)
	}
}

func TestListConversationsOrderAndNames(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertContact(&Contact{ID: "u2", Name: "Bruno"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{PeerID: "u2", LastMessageAt: 2000, LastMessagePreview: "later"}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversation(&Conversation{PeerID: "u3", LastMessageAt: 1000, LastMessagePreview: "earlier"}); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("conversations = %d, want 2", len(convs))
	}
	if convs[0].PeerID != "u2" || convs[1].PeerID != "u3" {
		t.Errorf("order = [%s %s], want [u2 u3]", convs[0].PeerID, convs[1].PeerID)
	}
	if convs[0].PeerName != "Bruno" {
		t.Errorf("resolved name = %q, want Bruno", convs[0].PeerName)
	}
	// No contact row: the id stands in for the name.
	if convs[1].PeerName != "u3" {
		t.Errorf("fallback name = %q, want u3", convs[1].PeerName)
	}
}

func TestTouchConversationUnread(t *testing.T) {
	db := testDB(t)

	if err := db.TouchConversation("u2", "hi", 1000, true); err != nil {
		t.Fatal(err)
	}
	if err := db.TouchConversation("u2", "again", 2000, true); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("u2")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.UnreadCount != 2 {
		t.Fatalf("conversation = %+v, want unread 2", c)
	}
	if c.LastMessagePreview != "again" || c.LastMessageAt != 2000 {
		t.Errorf("preview/at = %q/%d, want again/2000", c.LastMessagePreview, c.LastMessageAt)
	}

	if err := db.ClearUnread("u2"); err != nil {
		t.Fatal(err)
	}
	c, err = db.GetConversation("u2")
	if err != nil {
		t.Fatal(err)
	}
	if c.UnreadCount != 0 {
		t.Errorf("unread after clear = %d, want 0", c.UnreadCount)
	}
}
