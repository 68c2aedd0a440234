package cache

// Status is the delivery status of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// priority ranks the normal delivery progression. failed is a sentinel: it
// is only ever compared on the incoming side (where it wins unconditionally)
// and never ranks against the ordered states.
func (s Status) priority() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Known reports whether s is one of the recognized delivery statuses.
func (s Status) Known() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// Message is a cached unit of conversation content. Body and Timestamp are
// opaque to the reconciler; only ID, ConversationID and the status fields
// participate in merge decisions.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	Status         Status
	FailureReason  string
	Timestamp      int64
	FromMe         bool
}

// Conversation is the lightweight rollup used for list views. It is
// invalidated, never patched, because update events do not carry a full
// authoritative summary.
type Conversation struct {
	ID                 string
	Name               string
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
	Stale              bool
}
