// Package cache holds the in-memory read model the UI renders from. All
// mutation funnels through the reconciler methods here; readers only ever
// get snapshot copies. The merge rules are idempotent and order-tolerant
// because the feed is at-least-once and reorders across reconnects.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
)

// StatusOutcome describes what ApplyStatus did with an event.
type StatusOutcome int

const (
	// StatusApplied means the new status overwrote the cached one.
	StatusApplied StatusOutcome = iota
	// StatusUnknownMessage means the target message is not cached. Expected
	// race (status raced the insert, or the conversation was evicted).
	StatusUnknownMessage
	// StatusStale means the event would regress or tie the cached status
	// and was discarded.
	StatusStale
)

type thread struct {
	order []*Message
	byID  map[string]*Message
}

// Cache is the process-wide conversation/message read model.
type Cache struct {
	mu      sync.RWMutex
	threads map[string]*thread
	convs   map[string]*Conversation
	bus     *bus.Bus
}

// New creates an empty cache. The bus may be nil in tests.
func New(b *bus.Bus) *Cache {
	return &Cache{
		threads: make(map[string]*thread),
		convs:   make(map[string]*Conversation),
		bus:     b,
	}
}

// InsertMessage appends a message to its conversation unless a message with
// the same id is already cached. Returns true if the message was inserted.
// Duplicate delivery and the optimistic-insert-then-push race both land in
// the "already present" branch, which makes this safe to call blindly.
func (c *Cache) InsertMessage(m Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		return false
	}
	if !m.Status.Known() {
		m.Status = StatusPending
	}

	c.mu.Lock()
	th, ok := c.threads[m.ConversationID]
	if !ok {
		th = &thread{byID: make(map[string]*Message)}
		c.threads[m.ConversationID] = th
	}
	if _, exists := th.byID[m.ID]; exists {
		c.mu.Unlock()
		return false
	}
	stored := m
	th.order = append(th.order, &stored)
	th.byID[m.ID] = &stored

	conv, ok := c.convs[m.ConversationID]
	if !ok {
		conv = &Conversation{ID: m.ConversationID}
		c.convs[m.ConversationID] = conv
	}
	if m.Timestamp >= conv.LastMessageAt {
		conv.LastMessageAt = m.Timestamp
		conv.LastMessagePreview = truncate(m.Body, 100)
	}
	c.mu.Unlock()

	c.publish("cache.message_upserted", Update{ConversationID: m.ConversationID, MessageID: m.ID})
	return true
}

// ApplyStatus decides whether a status event may overwrite the cached
// status for a message.
//
// Rules, in order:
//  1. Unknown message id: drop silently, expected race.
//  2. Incoming failed: always wins and attaches the failure reason.
//  3. Cached failed: nothing overwrites it; a retry is a new message id.
//  4. Otherwise overwrite only on strictly higher priority. Ties and
//     regressions are the out-of-order deliveries this guard exists for.
//
// An accepted non-failed status clears any earlier failure reason.
func (c *Cache) ApplyStatus(conversationID, messageID string, s Status, failureReason string) StatusOutcome {
	c.mu.Lock()
	th, ok := c.threads[conversationID]
	if !ok {
		c.mu.Unlock()
		return StatusUnknownMessage
	}
	msg, ok := th.byID[messageID]
	if !ok {
		c.mu.Unlock()
		return StatusUnknownMessage
	}

	if s == StatusFailed {
		msg.Status = StatusFailed
		msg.FailureReason = failureReason
		c.mu.Unlock()
		c.publish("cache.message_status", Update{ConversationID: conversationID, MessageID: messageID})
		return StatusApplied
	}

	if msg.Status == StatusFailed || s.priority() <= msg.Status.priority() {
		c.mu.Unlock()
		return StatusStale
	}

	msg.Status = s
	msg.FailureReason = ""
	c.mu.Unlock()
	c.publish("cache.message_status", Update{ConversationID: conversationID, MessageID: messageID})
	return StatusApplied
}

// MarkStale flags a conversation summary as needing a refetch. Update events
// carry partial summaries, so invalidation is the only safe merge.
func (c *Cache) MarkStale(conversationID string) {
	c.mu.Lock()
	conv, ok := c.convs[conversationID]
	if !ok {
		conv = &Conversation{ID: conversationID}
		c.convs[conversationID] = conv
	}
	conv.Stale = true
	c.mu.Unlock()

	c.publish("cache.conversation_stale", Update{ConversationID: conversationID})
}

// Refresh replaces a conversation summary with a freshly fetched one and
// clears its stale flag. The refetch itself is the consumer's job.
func (c *Cache) Refresh(conv Conversation) {
	conv.Stale = false
	c.mu.Lock()
	stored := conv
	c.convs[conv.ID] = &stored
	c.mu.Unlock()

	c.publish("cache.conversation_refreshed", Update{ConversationID: conv.ID})
}

// Messages returns a snapshot copy of a conversation's messages in insert
// order. Mutating the result does not touch the cache.
func (c *Cache) Messages(conversationID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.threads[conversationID]
	if !ok {
		return nil
	}
	out := make([]Message, len(th.order))
	for i, m := range th.order {
		out[i] = *m
	}
	return out
}

// Message returns a snapshot of a single cached message.
func (c *Cache) Message(conversationID, messageID string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.threads[conversationID]
	if !ok {
		return Message{}, false
	}
	m, ok := th.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Conversations returns snapshot summaries sorted by last activity,
// newest first.
func (c *Cache) Conversations() []Conversation {
	c.mu.RLock()
	out := make([]Conversation, 0, len(c.convs))
	for _, conv := range c.convs {
		out = append(out, *conv)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageAt > out[j].LastMessageAt
	})
	return out
}

// Reset wipes everything. Called on credential loss so a login under a
// different identity never sees the previous identity's messages.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.threads = make(map[string]*thread)
	c.convs = make(map[string]*Conversation)
	c.mu.Unlock()

	c.publish("cache.reset", Update{})
}

// Update is the payload for cache.* events.
type Update struct {
	ConversationID string
	MessageID      string
}

func (c *Cache) publish(kind string, u Update) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: u})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
