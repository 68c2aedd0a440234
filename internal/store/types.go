package store

// Conversation is a persisted conversation rollup.
type Conversation struct {
	ID                 string
	Name               string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a persisted message row.
type Message struct {
	ConversationID string
	MsgID          string
	SenderID       string
	Body           string
	Status         string
	FailureReason  string
	FromMe         bool
	Timestamp      int64
}
