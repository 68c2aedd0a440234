// Package rooms tracks which conversation rooms the client wants to be
// joined to. The membership set is desired state: the transport's actual
// joined rooms are rederived from it by replaying joins after every
// reconnect, because server-side membership does not survive a drop.
package rooms

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/metrics"
	"github.com/nubecrm/chatsync/internal/status"
	"github.com/nubecrm/chatsync/internal/transport"
	"go.uber.org/zap"
)

// ErrEmptyRoomID is returned by Join for a blank room identifier.
var ErrEmptyRoomID = errors.New("rooms: empty room id")

// Emitter sends outbound commands on the live transport.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// Tracker is the membership set plus its reconciliation against the
// transport.
type Tracker struct {
	emitter Emitter
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	mu      sync.Mutex
	members map[string]struct{}

	cancel context.CancelFunc
}

// NewTracker creates an empty tracker.
func NewTracker(emitter Emitter, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		emitter: emitter,
		machine: machine,
		bus:     b,
		logger:  logger,
		members: make(map[string]struct{}),
	}
}

// Start begins replaying the membership set on every connected transition.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("conn.connected", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				t.Replay(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the replay loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Join records the room in the membership set and, if connected, announces
// it immediately. While disconnected only the intent is recorded; the next
// connected transition replays it.
func (t *Tracker) Join(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}

	t.mu.Lock()
	t.members[roomID] = struct{}{}
	t.mu.Unlock()

	if t.machine.Current() != status.Connected {
		return nil
	}
	if err := t.emitter.Emit(ctx, transport.EventJoinConversation, roomID); err != nil {
		// The set still holds the intent; the replay covers it.
		if !errors.Is(err, transport.ErrNotConnected) {
			t.logger.Warn("join announcement failed", zap.String("room", roomID), zap.Error(err))
		}
	}
	return nil
}

// Leave removes the room from the membership set and, if connected,
// announces the departure. Leaving a non-member room is a no-op.
func (t *Tracker) Leave(ctx context.Context, roomID string) {
	t.mu.Lock()
	_, member := t.members[roomID]
	delete(t.members, roomID)
	t.mu.Unlock()

	if !member || t.machine.Current() != status.Connected {
		return
	}
	if err := t.emitter.Emit(ctx, transport.EventLeaveConversation, roomID); err != nil {
		if !errors.Is(err, transport.ErrNotConnected) {
			t.logger.Warn("leave announcement failed", zap.String("room", roomID), zap.Error(err))
		}
	}
}

// Members returns a sorted snapshot of the membership set.
func (t *Tracker) Members() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

// Reset empties the membership set without emitting leaves. Used on
// credential teardown, where the transport is going away regardless.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.members = make(map[string]struct{})
	t.mu.Unlock()
}

// Replay announces one join per member. Called on every connected
// transition; exactly one announcement per room, no duplicates.
func (t *Tracker) Replay(ctx context.Context) {
	members := t.Members()
	for _, id := range members {
		if err := t.emitter.Emit(ctx, transport.EventJoinConversation, id); err != nil {
			t.logger.Warn("join replay failed", zap.String("room", id), zap.Error(err))
		}
	}
	if len(members) > 0 {
		metrics.JoinReplaysTotal.Add(float64(len(members)))
		t.logger.Info("membership replayed", zap.Int("rooms", len(members)))
		t.bus.Publish(bus.Event{Kind: "rooms.replayed", Timestamp: time.Now(), Payload: len(members)})
	}
}
