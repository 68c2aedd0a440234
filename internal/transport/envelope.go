package transport

import "encoding/json"

// Inbound event names pushed by the feed server.
const (
	EventMessageNew          = "message:new"
	EventConversationUpdated = "conversation:updated"
	EventMessageStatus       = "message:status"
	EventTypingUpdate        = "typing:update"
)

// Outbound command names.
const (
	EventJoinConversation  = "join:conversation"
	EventLeaveConversation = "leave:conversation"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
)

// Envelope is the wire format for every frame in both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload is the message object inside a message:new event.
type MessagePayload struct {
	ID        string `json:"id"`
	SenderID  string `json:"senderId"`
	Body      string `json:"body"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
}

// MessageNewPayload is the payload of a message:new event.
type MessageNewPayload struct {
	ConversationID string         `json:"conversationId"`
	Message        MessagePayload `json:"message"`
}

// ConversationUpdatedPayload is the payload of a conversation:updated event.
// Whatever summary fields it carries beyond the id are not authoritative,
// so the reconciler only reads the id.
type ConversationUpdatedPayload struct {
	ConversationID string `json:"conversationId"`
}

// MessageStatusPayload is the payload of a message:status event.
type MessageStatusPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Status         string `json:"status"`
	FailureReason  string `json:"failureReason,omitempty"`
}

// TypingPayload is the payload of outbound typing commands and, with
// additional fields we do not inspect, of inbound typing:update events.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
}
