// Package client is the consumer-facing surface of the daemon. UI code and
// the control server talk to this, never to the transport or the cache
// internals directly.
package client

import (
	"context"
	"errors"
	"sync"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/cache"
	"github.com/nubecrm/chatsync/internal/rooms"
	"github.com/nubecrm/chatsync/internal/status"
	"github.com/nubecrm/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Client bundles the read model, the membership tracker and the connection
// state into one handle.
type Client struct {
	machine *status.Machine
	emitter rooms.Emitter
	tracker *rooms.Tracker
	cache   *cache.Cache
	bus     *bus.Bus
	logger  *zap.Logger

	mu     sync.Mutex
	leases map[string]int
}

// New creates a client.
func New(machine *status.Machine, emitter rooms.Emitter, tracker *rooms.Tracker, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *Client {
	return &Client{
		machine: machine,
		emitter: emitter,
		tracker: tracker,
		cache:   c,
		bus:     b,
		logger:  logger,
		leases:  make(map[string]int),
	}
}

// IsConnected reports whether the transport currently has a live socket.
func (c *Client) IsConnected() bool {
	return c.machine.Current() == status.Connected
}

// State returns the connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

// ConnectionError returns the most recent transport error as a readable
// string, or "" when the connection is healthy.
func (c *Client) ConnectionError() string {
	return c.machine.LastError()
}

// JoinConversation subscribes to a conversation's room. Safe to call while
// disconnected; the intent is replayed on the next connect.
func (c *Client) JoinConversation(ctx context.Context, conversationID string) error {
	return c.tracker.Join(ctx, conversationID)
}

// LeaveConversation unsubscribes from a conversation's room.
func (c *Client) LeaveConversation(ctx context.Context, conversationID string) {
	c.tracker.Leave(ctx, conversationID)
}

// JoinedConversations returns the sorted membership set.
func (c *Client) JoinedConversations() []string {
	return c.tracker.Members()
}

// SendTyping emits a typing indicator for a conversation. Indicators are
// fire-and-forget: while disconnected they are dropped, never queued, since
// a stale indicator is worse than none.
func (c *Client) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	if conversationID == "" {
		return rooms.ErrEmptyRoomID
	}
	if c.machine.Current() != status.Connected {
		return nil
	}
	event := transport.EventTypingStop
	if typing {
		event = transport.EventTypingStart
	}
	err := c.emitter.Emit(ctx, event, transport.TypingPayload{ConversationID: conversationID})
	if errors.Is(err, transport.ErrNotConnected) {
		return nil
	}
	return err
}

// Conversations returns the cached conversation summaries, newest first.
func (c *Client) Conversations() []cache.Conversation {
	return c.cache.Conversations()
}

// Messages returns the cached messages of a conversation.
func (c *Client) Messages(conversationID string) []cache.Message {
	return c.cache.Messages(conversationID)
}

// Updates subscribes to daemon events under a namespace prefix ("cache.",
// "conn.", "rooms.", "typing." or "" for everything). The returned cancel
// func must be called when done.
func (c *Client) Updates(namespace string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(namespace, bufSize)
}

// Lease joins a conversation and returns a handle that leaves it on release.
// Leases on the same conversation are refcounted: the join is announced when
// the first lease is taken and the leave when the last one is released, so
// two views of the same thread do not fight over membership.
func (c *Client) Lease(ctx context.Context, conversationID string) (*Lease, error) {
	if conversationID == "" {
		return nil, rooms.ErrEmptyRoomID
	}

	c.mu.Lock()
	c.leases[conversationID]++
	first := c.leases[conversationID] == 1
	c.mu.Unlock()

	if first {
		if err := c.tracker.Join(ctx, conversationID); err != nil {
			c.mu.Lock()
			c.leases[conversationID]--
			c.mu.Unlock()
			return nil, err
		}
	}
	return &Lease{client: c, conversationID: conversationID}, nil
}

// Lease is a held claim on conversation room membership.
type Lease struct {
	client         *Client
	conversationID string
	once           sync.Once
}

// ConversationID returns the leased conversation.
func (l *Lease) ConversationID() string {
	return l.conversationID
}

// Release ends the lease. Releasing more than once is a no-op; only the
// first call counts against the refcount.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		c := l.client
		c.mu.Lock()
		c.leases[l.conversationID]--
		last := c.leases[l.conversationID] <= 0
		if last {
			delete(c.leases, l.conversationID)
		}
		c.mu.Unlock()

		if last {
			c.tracker.Leave(ctx, l.conversationID)
		}
	})
}
