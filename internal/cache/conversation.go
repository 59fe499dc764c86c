package cache

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation summary.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.PeerID, c.LastMessagePreview, c.LastMessageAt, c.UnreadCount, now)
	return err
}

// ListConversations returns summaries sorted by last message descending.
// Peer names are resolved via LEFT JOIN to contacts with the id as fallback.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.peer_id,
			COALESCE(NULLIF(ct.name,''), c.peer_id) AS display_name,
			c.last_message_at, c.last_message_preview, c.unread_count
		FROM conversations c
		LEFT JOIN contacts ct ON c.peer_id = ct.id
		ORDER BY c.last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.PeerID, &c.PeerName, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single summary by peer id, or nil when unknown.
func (db *DB) GetConversation(peerID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT c.peer_id,
			COALESCE(NULLIF(ct.name,''), c.peer_id) AS display_name,
			c.last_message_at, c.last_message_preview, c.unread_count
		FROM conversations c
		LEFT JOIN contacts ct ON c.peer_id = ct.id
		WHERE c.peer_id = ?`, peerID).
		Scan(&c.PeerID, &c.PeerName, &c.LastMessageAt, &c.LastMessagePreview, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// TouchConversation bumps the preview and timestamp for a thread and
// optionally increments the unread counter. Used when a live message
// arrives for a conversation that is not on screen.
func (db *DB) TouchConversation(peerID, preview string, at int64, incrementUnread bool) error {
	inc := 0
	if incrementUnread {
		inc = 1
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (peer_id, last_message_preview, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			unread_count = conversations.unread_count + ?,
			updated_at = excluded.updated_at`,
		peerID, preview, at, inc, now, inc)
	return err
}

// ClearUnread zeroes the unread counter, typically when the thread opens.
func (db *DB) ClearUnread(peerID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0 WHERE peer_id = ?`, peerID)
	return err
}
