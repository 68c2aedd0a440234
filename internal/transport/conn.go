// Package transport owns the persistent websocket connection to the feed
// server. It decodes inbound envelopes onto the bus, emits outbound
// commands, and drives the connection state machine through its bounded
// reconnect loop. Nothing above this package ever touches the socket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
	"github.com/nubecrm/chatsync/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Emit when no live socket exists.
var ErrNotConnected = errors.New("transport: not connected")

// wireConn is the slice of a websocket connection the read/write paths
// need. Tests substitute an in-memory implementation.
type wireConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// DialFunc opens a wire connection to the given URL.
type DialFunc func(ctx context.Context, url string) (wireConn, error)

type nhooyrConn struct {
	ws *websocket.Conn
}

func (c *nhooyrConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *nhooyrConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *nhooyrConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client disconnect")
}

func defaultDial(ctx context.Context, rawURL string) (wireConn, error) {
	ws, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return &nhooyrConn{ws: ws}, nil
}

// Conn is the single live transport for a session. Connect starts a
// supervisor goroutine that dials, reads and reconnects until the attempt
// budget runs out or Disconnect is called.
type Conn struct {
	serverURL string
	policy    Policy
	machine   *status.Machine
	bus       *bus.Bus
	logger    *zap.Logger
	dial      DialFunc

	mu          sync.Mutex
	ws          wireConn
	intentional bool
	cancel      context.CancelFunc
	gen         uint64
}

// NewConn creates a transport for the given feed server URL.
func NewConn(serverURL string, policy Policy, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Conn {
	return &Conn{
		serverURL: serverURL,
		policy:    policy,
		machine:   machine,
		bus:       b,
		logger:    logger,
		dial:      defaultDial,
	}
}

// Connect starts the connection supervisor with the given credential.
// It returns immediately; progress surfaces through the state machine.
// Calling Connect while a supervisor is running is a no-op.
func (c *Conn) Connect(ctx context.Context, token string) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.intentional = false
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	go c.run(ctx, token, gen)
}

// Disconnect tears down the socket and stops the supervisor. Idempotent,
// safe to call when already disconnected.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

// Emit sends an outbound command. Returns ErrNotConnected when no live
// socket exists; callers that queue or drop on disconnect handle that.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return ws.Write(ctx, data)
}

func (c *Conn) run(ctx context.Context, token string, gen uint64) {
	defer func() {
		c.mu.Lock()
		// A Disconnect/Connect pair may already have started a newer
		// supervisor; only the owning run clears the cancel func.
		if c.gen == gen {
			c.cancel = nil
		}
		c.mu.Unlock()
	}()

	recon := newReconnector(c.policy)

	for {
		_ = c.machine.Transition(status.Connecting)

		ws, err := c.dial(ctx, c.feedURL(token))
		if err != nil {
			if c.stopped(ctx) {
				return
			}
			c.logger.Warn("dial failed", zap.Error(err))
			if !c.retry(ctx, recon, err) {
				return
			}
			continue
		}

		// A Disconnect issued while the dial was in flight must win: the
		// late socket is discarded, never installed. Checked under the
		// same lock that installs it so Disconnect cannot slip between.
		c.mu.Lock()
		if c.intentional || ctx.Err() != nil {
			c.mu.Unlock()
			_ = ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()

		_ = c.machine.Transition(status.Connected)
		recon.markConnected()
		c.publish("conn.connected", nil)
		c.logger.Info("feed connected")

		err = c.readLoop(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()

		if c.stopped(ctx) {
			return
		}

		c.logger.Warn("feed disconnected", zap.Error(err))
		c.publish("conn.disconnected", nil)
		if !c.retry(ctx, recon, err) {
			return
		}
	}
}

// retry burns one attempt and sleeps out its backoff delay. Returns false
// when the budget is exhausted, parking the machine in Failed.
func (c *Conn) retry(ctx context.Context, recon *reconnector, cause error) bool {
	if !recon.shouldRetry() {
		_ = c.machine.Fail(cause.Error())
		c.publish("conn.failed", cause.Error())
		c.logger.Error("reconnect attempts exhausted", zap.Error(cause))
		return false
	}

	delay := recon.nextDelay()
	_ = c.machine.Degrade(cause.Error())
	c.publish("conn.reconnecting", delay)
	c.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", recon.attempt))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Conn) readLoop(ctx context.Context, ws wireConn) error {
	for {
		data, err := ws.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.logger.Debug("dropping malformed frame", zap.Int("bytes", len(data)))
			continue
		}

		c.bus.Publish(bus.Event{
			Kind:      "feed." + env.Event,
			Timestamp: time.Now(),
			Payload:   env,
		})
	}
}

func (c *Conn) feedURL(token string) string {
	return c.serverURL + "/feed?token=" + url.QueryEscape(token)
}

func (c *Conn) stopped(ctx context.Context) bool {
	c.mu.Lock()
	intentional := c.intentional
	c.mu.Unlock()
	return intentional || ctx.Err() != nil
}

func (c *Conn) publish(kind string, payload any) {
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
