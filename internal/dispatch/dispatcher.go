// Package dispatch routes decoded feed events to the cache reconciler.
// It is the single writer of the cache and of the sqlite mirror: inbound
// envelopes come off the bus, get classified by event kind, and turn into
// reconciler calls. Handlers never see the transport.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/cache"
	"github.com/nubecrm/chatsync/internal/metrics"
	"github.com/nubecrm/chatsync/internal/store"
	"github.com/nubecrm/chatsync/internal/transport"
	"go.uber.org/zap"
)

// Dispatcher consumes feed events and applies them to the cache and the
// mirror. One instance per daemon; all cache writes happen on its goroutine.
type Dispatcher struct {
	cache  *cache.Cache
	db     *store.DB // nil disables the mirror
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// New creates a dispatcher.
func New(c *cache.Cache, db *store.DB, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		cache:  c,
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to inbound feed events on the bus.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsub := d.bus.Subscribe("feed.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				env, ok := evt.Payload.(transport.Envelope)
				if !ok {
					continue
				}
				d.Handle(env)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the dispatcher.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Handle classifies one envelope and routes it. Exported for tests and for
// callers that already hold a decoded envelope.
func (d *Dispatcher) Handle(env transport.Envelope) {
	metrics.FeedEventsTotal.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case transport.EventMessageNew:
		d.handleMessageNew(env.Payload)
	case transport.EventConversationUpdated:
		d.handleConversationUpdated(env.Payload)
	case transport.EventMessageStatus:
		d.handleMessageStatus(env.Payload)
	case transport.EventTypingUpdate:
		// No cache effect; forwarded for any UI that renders indicators.
		d.bus.Publish(bus.Event{Kind: "typing.update", Timestamp: time.Now(), Payload: env.Payload})
	default:
		metrics.DroppedEventsTotal.WithLabelValues("unknown_kind").Inc()
		d.logger.Debug("ignoring unknown event kind", zap.String("kind", env.Event))
	}
}

func (d *Dispatcher) handleMessageNew(raw json.RawMessage) {
	var p transport.MessageNewPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" || p.Message.ID == "" {
		metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
		d.logger.Debug("dropping malformed message:new", zap.Error(err))
		return
	}

	s := cache.Status(p.Message.Status)
	if !s.Known() {
		s = cache.StatusPending
	}
	msg := cache.Message{
		ID:             p.Message.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.Message.SenderID,
		Body:           p.Message.Body,
		Status:         s,
		Timestamp:      p.Message.Timestamp,
		FromMe:         p.Message.FromMe,
	}

	if !d.cache.InsertMessage(msg) {
		// Optimistic insert or duplicate push already cached it.
		metrics.DroppedEventsTotal.WithLabelValues("duplicate_message").Inc()
		return
	}
	d.mirrorInsert(msg)
}

func (d *Dispatcher) handleConversationUpdated(raw json.RawMessage) {
	var p transport.ConversationUpdatedPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" {
		metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
		d.logger.Debug("dropping malformed conversation:updated", zap.Error(err))
		return
	}
	// The payload is not an authoritative summary; invalidate instead of
	// patching.
	d.cache.MarkStale(p.ConversationID)
}

func (d *Dispatcher) handleMessageStatus(raw json.RawMessage) {
	var p transport.MessageStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ConversationID == "" || p.MessageID == "" {
		metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
		d.logger.Debug("dropping malformed message:status", zap.Error(err))
		return
	}
	s := cache.Status(p.Status)
	if !s.Known() {
		metrics.DroppedEventsTotal.WithLabelValues("malformed").Inc()
		d.logger.Debug("dropping message:status with unrecognized status", zap.String("status", p.Status))
		return
	}

	switch d.cache.ApplyStatus(p.ConversationID, p.MessageID, s, p.FailureReason) {
	case cache.StatusApplied:
		if d.db != nil {
			reason := p.FailureReason
			if s != cache.StatusFailed {
				reason = ""
			}
			if err := d.db.UpdateMessageStatus(p.ConversationID, p.MessageID, p.Status, reason); err != nil {
				d.logger.Error("failed to mirror status update", zap.Error(err), zap.String("msg_id", p.MessageID))
			}
		}
	case cache.StatusUnknownMessage:
		// Expected race: the status event beat the insert, or the
		// conversation was evicted. Not an error.
		metrics.DroppedEventsTotal.WithLabelValues("unknown_message").Inc()
		d.logger.Debug("status for unknown message", zap.String("msg_id", p.MessageID))
	case cache.StatusStale:
		metrics.DroppedEventsTotal.WithLabelValues("stale_status").Inc()
		d.logger.Debug("discarding stale status",
			zap.String("msg_id", p.MessageID),
			zap.String("status", p.Status))
	}
}

func (d *Dispatcher) mirrorInsert(msg cache.Message) {
	if d.db == nil {
		return
	}
	if err := d.db.UpsertConversation(&store.Conversation{
		ID:                 msg.ConversationID,
		LastMessageAt:      msg.Timestamp,
		LastMessagePreview: preview(msg.Body),
	}); err != nil {
		d.logger.Error("failed to mirror conversation", zap.Error(err), zap.String("conversation", msg.ConversationID))
		return
	}
	if err := d.db.InsertMessage(&store.Message{
		ConversationID: msg.ConversationID,
		MsgID:          msg.ID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		Status:         string(msg.Status),
		FailureReason:  msg.FailureReason,
		FromMe:         msg.FromMe,
		Timestamp:      msg.Timestamp,
	}); err != nil {
		d.logger.Error("failed to mirror message", zap.Error(err), zap.String("msg_id", msg.ID))
	}
}

// Seed loads the persisted mirror into the in-memory cache. Called once at
// startup before the transport connects.
func Seed(c *cache.Cache, db *store.DB, logger *zap.Logger) error {
	msgs, err := db.AllMessages()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		c.InsertMessage(cache.Message{
			ID:             m.MsgID,
			ConversationID: m.ConversationID,
			SenderID:       m.SenderID,
			Body:           m.Body,
			Status:         cache.Status(m.Status),
			FailureReason:  m.FailureReason,
			Timestamp:      m.Timestamp,
			FromMe:         m.FromMe,
		})
	}
	if len(msgs) > 0 {
		logger.Info("cache seeded from mirror", zap.Int("messages", len(msgs)))
	}
	return nil
}

func preview(body string) string {
	const max = 100
	if len(body) <= max {
		return body
	}
	return body[:max]
}
