package transport

import (
	"context"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/credential"
	"github.com/nubecrm/chatsync/internal/status"
	"go.uber.org/zap"
)

// Manager binds the connection lifecycle to the credential lifecycle:
// exactly one live transport per non-empty credential, full teardown when
// the credential changes or disappears. Teardown runs the registered reset
// hooks (room membership, cache) so a login under a different identity
// never inherits the previous identity's state.
type Manager struct {
	conn    *Conn
	cred    *credential.Watcher
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	resets  []func()

	cancel context.CancelFunc
}

// NewManager creates a connection manager. resets are invoked, in order,
// on every credential change before any new connection is opened.
func NewManager(conn *Conn, cred *credential.Watcher, machine *status.Machine, b *bus.Bus, logger *zap.Logger, resets ...func()) *Manager {
	return &Manager{
		conn:    conn,
		cred:    cred,
		machine: machine,
		bus:     b,
		logger:  logger,
		resets:  resets,
	}
}

// Start connects if a credential is already stored and begins observing
// credential changes.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	ch, unsub := m.bus.Subscribe("credential.", 16)

	if token := m.cred.Current(); token != "" {
		m.conn.Connect(ctx, token)
	} else {
		m.logger.Info("no credential stored, waiting for login")
	}

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(credential.Change)
				if !ok {
					continue
				}
				m.rebind(ctx, change.Token)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop tears the connection down and stops observing.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.conn.Disconnect()
}

// rebind tears down the existing connection and its dependent state, then
// reconnects iff the new credential is non-empty.
func (m *Manager) rebind(ctx context.Context, token string) {
	m.conn.Disconnect()
	for _, reset := range m.resets {
		reset()
	}
	_ = m.machine.Transition(status.NoCredential)

	if token == "" {
		m.logger.Info("credential cleared, transport torn down")
		return
	}
	m.logger.Info("credential changed, reconnecting")
	m.conn.Connect(ctx, token)
}
