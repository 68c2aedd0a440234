package dispatch

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/cache"
	"github.com/nubecrm/chatsync/internal/store"
	"github.com/nubecrm/chatsync/internal/transport"
	"go.uber.org/zap"
)

func testDispatcher(t *testing.T) (*Dispatcher, *cache.Cache, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	c := cache.New(b)
	return New(c, db, b, zap.NewNop()), c, db, b
}

func envelope(t *testing.T, event string, payload any) transport.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return transport.Envelope{Event: event, Payload: raw}
}

func TestMessageNewCachedAndMirrored(t *testing.T) {
	d, c, db, _ := testDispatcher(t)

	d.Handle(envelope(t, transport.EventMessageNew, transport.MessageNewPayload{
		ConversationID: "conv-a",
		Message: transport.MessagePayload{
			ID: "m1", SenderID: "user-2", Body: "hello", Status: "sent", Timestamp: 1000,
		},
	}))

	msgs := c.Messages("conv-a")
	if len(msgs) != 1 || msgs[0].Status != cache.StatusSent {
		t.Fatalf("cache = %+v, want one sent message", msgs)
	}

	stored, err := db.ListMessages("conv-a", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Body != "hello" {
		t.Fatalf("mirror = %+v, want one row", stored)
	}
	conv, err := db.GetConversation("conv-a")
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.LastMessageAt != 1000 {
		t.Fatalf("conversation rollup = %+v", conv)
	}
}

func TestMessageNewDuplicateNotRemirrored(t *testing.T) {
	d, c, _, _ := testDispatcher(t)

	env := envelope(t, transport.EventMessageNew, transport.MessageNewPayload{
		ConversationID: "conv-a",
		Message:        transport.MessagePayload{ID: "m1", Body: "hello", Status: "sent", Timestamp: 1000},
	})
	d.Handle(env)
	d.Handle(env)

	if got := len(c.Messages("conv-a")); got != 1 {
		t.Fatalf("got %d cached messages, want 1", got)
	}
}

func TestMessageNewUnknownStatusDefaultsPending(t *testing.T) {
	d, c, db, _ := testDispatcher(t)

	d.Handle(envelope(t, transport.EventMessageNew, transport.MessageNewPayload{
		ConversationID: "conv-a",
		Message:        transport.MessagePayload{ID: "m1", Status: "warp-speed", Timestamp: 1000},
	}))

	msgs := c.Messages("conv-a")
	if len(msgs) != 1 || msgs[0].Status != cache.StatusPending {
		t.Fatalf("cache status = %+v, want pending", msgs)
	}
	stored, err := db.ListMessages("conv-a", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Status != "pending" {
		t.Fatalf("mirror status = %+v, want pending", stored)
	}
}

func TestMessageNewMissingIDsDropped(t *testing.T) {
	d, c, _, _ := testDispatcher(t)

	d.Handle(envelope(t, transport.EventMessageNew, transport.MessageNewPayload{
		Message: transport.MessagePayload{ID: "m1"},
	}))
	d.Handle(envelope(t, transport.EventMessageNew, transport.MessageNewPayload{
		ConversationID: "conv-a",
	}))

	if got := len(c.Conversations()); got != 0 {
		t.Fatalf("got %d conversations, want 0", got)
	}
}

func TestConversationUpdatedMarksStale(t *testing.T) {
	d, c, _, _ := testDispatcher(t)

	c.InsertMessage(cache.Message{ID: "m1", ConversationID: "conv-a", Timestamp: 1000})
	d.Handle(envelope(t, transport.EventConversationUpdated, transport.ConversationUpdatedPayload{
		ConversationID: "conv-a",
	}))

	convs := c.Conversations()
	if len(convs) != 1 || !convs[0].Stale {
		t.Fatalf("conversations = %+v, want conv-a stale", convs)
	}
}

func TestMessageStatusAppliedAndMirrored(t *testing.T) {
	d, c, db, _ := testDispatcher(t)

	d.Handle(envelope(t, transport.EventMessageNew, transport.MessageNewPayload{
		ConversationID: "conv-a",
		Message:        transport.MessagePayload{ID: "m1", Status: "sent", Timestamp: 1000},
	}))
	d.Handle(envelope(t, transport.EventMessageStatus, transport.MessageStatusPayload{
		ConversationID: "conv-a", MessageID: "m1", Status: "read",
	}))

	if m, ok := c.Message("conv-a", "m1"); !ok || m.Status != cache.StatusRead {
		t.Fatalf("cache message = %+v", m)
	}
	stored, err := db.ListMessages("conv-a", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Status != "read" {
		t.Fatalf("mirror status = %+v, want read", stored)
	}
}

func TestMessageStatusStaleNotMirrored(t *testing.T) {
	d, _, db, _ := testDispatcher(t)

	d.Handle(envelope(t, transport.EventMessageNew, transport.MessageNewPayload{
		ConversationID: "conv-a",
		Message:        transport.MessagePayload{ID: "m1", Status: "delivered", Timestamp: 1000},
	}))
	d.Handle(envelope(t, transport.EventMessageStatus, transport.MessageStatusPayload{
		ConversationID: "conv-a", MessageID: "m1", Status: "sent",
	}))

	stored, err := db.ListMessages("conv-a", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if stored[0].Status != "delivered" {
		t.Fatalf("mirror status = %q, want delivered", stored[0].Status)
	}
}

func TestMessageStatusUnrecognizedDropped(t *testing.T) {
	d, c, _, _ := testDispatcher(t)

	c.InsertMessage(cache.Message{ID: "m1", ConversationID: "conv-a", Status: cache.StatusSent, Timestamp: 1000})
	d.Handle(envelope(t, transport.EventMessageStatus, transport.MessageStatusPayload{
		ConversationID: "conv-a", MessageID: "m1", Status: "teleported",
	}))

	if m, _ := c.Message("conv-a", "m1"); m.Status != cache.StatusSent {
		t.Fatalf("status = %q, want sent untouched", m.Status)
	}
}

func TestMessageStatusUnknownMessageIgnored(t *testing.T) {
	d, _, _, _ := testDispatcher(t)

	// Must not panic or error; the status raced the insert.
	d.Handle(envelope(t, transport.EventMessageStatus, transport.MessageStatusPayload{
		ConversationID: "conv-a", MessageID: "ghost", Status: "read",
	}))
}

func TestUnknownEventIgnored(t *testing.T) {
	d, c, _, _ := testDispatcher(t)

	d.Handle(transport.Envelope{Event: "presence:update", Payload: json.RawMessage(`{"x":1}`)})

	if got := len(c.Conversations()); got != 0 {
		t.Fatalf("got %d conversations, want 0", got)
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	d, c, _, _ := testDispatcher(t)

	d.Handle(transport.Envelope{Event: transport.EventMessageNew, Payload: json.RawMessage(`{broken`)})
	d.Handle(transport.Envelope{Event: transport.EventMessageStatus, Payload: json.RawMessage(`[]`)})

	if got := len(c.Conversations()); got != 0 {
		t.Fatalf("got %d conversations, want 0", got)
	}
}

func TestTypingUpdateRepublished(t *testing.T) {
	d, _, _, b := testDispatcher(t)

	ch, unsub := b.Subscribe("typing.", 4)
	defer unsub()

	d.Handle(envelope(t, transport.EventTypingUpdate, transport.TypingPayload{ConversationID: "conv-a"}))

	select {
	case evt := <-ch:
		if evt.Kind != "typing.update" {
			t.Fatalf("kind = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no typing event published")
	}
}

func TestSeedRestoresCache(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for _, m := range []*store.Message{
		{ConversationID: "conv-a", MsgID: "m1", Body: "first", Status: "read", Timestamp: 1000},
		{ConversationID: "conv-a", MsgID: "m2", Body: "second", Status: "failed", FailureReason: "blocked", Timestamp: 2000},
		{ConversationID: "conv-b", MsgID: "m3", Body: "other", Status: "sent", Timestamp: 1500},
	} {
		if err := db.InsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	c := cache.New(nil)
	if err := Seed(c, db, zap.NewNop()); err != nil {
		t.Fatal(err)
	}

	if got := len(c.Messages("conv-a")); got != 2 {
		t.Fatalf("conv-a has %d messages, want 2", got)
	}
	m, ok := c.Message("conv-a", "m2")
	if !ok || m.Status != cache.StatusFailed || m.FailureReason != "blocked" {
		t.Fatalf("seeded message = %+v", m)
	}
	if got := len(c.Conversations()); got != 2 {
		t.Fatalf("got %d conversations, want 2", got)
	}
}
