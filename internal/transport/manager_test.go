package transport

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/credential"
	"github.com/nubecrm/chatsync/internal/status"
	"go.uber.org/zap"
)

type managerFixture struct {
	conn    *Conn
	cred    *credential.Watcher
	machine *status.Machine
	manager *Manager

	mu     sync.Mutex
	dials  int
	resets []string
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{}
	logger := zap.NewNop()
	b := bus.New()
	f.machine = status.NewMachine(b)

	f.conn = NewConn("ws://feed.test", fastPolicy(5), f.machine, b, logger)
	f.conn.dial = func(context.Context, string) (wireConn, error) {
		f.mu.Lock()
		f.dials++
		f.mu.Unlock()
		return newFakeWire(), nil
	}

	f.cred = credential.NewWatcher(filepath.Join(t.TempDir(), "token"), b, logger)
	f.manager = NewManager(f.conn, f.cred, f.machine, b, logger,
		func() { f.record("rooms") },
		func() { f.record("cache") },
	)
	return f
}

func (f *managerFixture) record(name string) {
	f.mu.Lock()
	f.resets = append(f.resets, name)
	f.mu.Unlock()
}

func (f *managerFixture) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *managerFixture) resetOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resets...)
}

// TestManagerCredentialTeardown is the credential-loss property end to end:
// clearing the credential disconnects the transport, runs the reset hooks in
// registration order, lands in NO_CREDENTIAL, and does not reconnect.
func TestManagerCredentialTeardown(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.cred.Set("tok-a"); err != nil {
		t.Fatal(err)
	}
	f.cred.Start(ctx)
	defer f.cred.Stop()
	f.manager.Start(ctx)
	defer f.manager.Stop()

	waitState(t, f.machine, status.Connected)
	if got := f.dialCount(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}

	if err := f.cred.Clear(); err != nil {
		t.Fatal(err)
	}
	waitState(t, f.machine, status.NoCredential)

	if got := f.resetOrder(); len(got) != 2 || got[0] != "rooms" || got[1] != "cache" {
		t.Errorf("resets = %v, want [rooms cache]", got)
	}
	if err := f.conn.Emit(ctx, EventJoinConversation, "conv-a"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit err = %v, want ErrNotConnected after teardown", err)
	}

	// No reconnect on an empty credential.
	time.Sleep(30 * time.Millisecond)
	if got := f.dialCount(); got != 1 {
		t.Errorf("dials = %d after clear, want 1 (no reconnect)", got)
	}
	if got := f.machine.Current(); got != status.NoCredential {
		t.Errorf("state = %s, want NO_CREDENTIAL", got)
	}
}

// TestManagerRebindOnNewCredential: a different token tears the old
// connection down and brings a fresh one up.
func TestManagerRebindOnNewCredential(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	if err := f.cred.Set("tok-a"); err != nil {
		t.Fatal(err)
	}
	f.cred.Start(ctx)
	defer f.cred.Stop()
	f.manager.Start(ctx)
	defer f.manager.Stop()

	waitState(t, f.machine, status.Connected)

	if err := f.cred.Set("tok-b"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.dialCount() >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := f.dialCount(); got != 2 {
		t.Fatalf("dials = %d after credential change, want 2", got)
	}
	waitState(t, f.machine, status.Connected)
	if got := f.resetOrder(); len(got) != 2 {
		t.Errorf("resets = %v, want one full teardown before reconnect", got)
	}
}

// TestManagerWaitsForFirstLogin: no stored credential means no dial until a
// token appears via the poll path.
func TestManagerWaitsForFirstLogin(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	f.cred.Start(ctx)
	defer f.cred.Stop()
	f.manager.Start(ctx)
	defer f.manager.Stop()

	time.Sleep(30 * time.Millisecond)
	if got := f.dialCount(); got != 0 {
		t.Fatalf("dials = %d before any credential, want 0", got)
	}
	if got := f.machine.Current(); got != status.NoCredential {
		t.Fatalf("state = %s, want NO_CREDENTIAL", got)
	}

	if err := f.cred.Set("tok-a"); err != nil {
		t.Fatal(err)
	}
	waitState(t, f.machine, status.Connected)
	if got := f.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}
