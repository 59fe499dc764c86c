package cache

// Contact is a cached directory entry.
type Contact struct {
	ID    string
	Name  string
	Email string
}

// Conversation is a cached thread summary.
type Conversation struct {
	PeerID             string
	PeerName           string
	LastMessageAt      int64
	LastMessagePreview string
	UnreadCount        int
}
