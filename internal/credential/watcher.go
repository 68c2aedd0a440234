// Package credential tracks the bearer token the transport authenticates
// with. The token lives in the session's token file; the auth flow that
// writes it is a separate process, so the watcher combines a slow poll
// (catches out-of-band file edits) with an explicit push path (Set/Clear
// from the same process). Either route ends in the same change event.
package credential

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nubecrm/chatsync/internal/bus"
	"go.uber.org/zap"
)

// PollInterval is how often the token file is re-read.
const PollInterval = time.Second

// Change is the payload for credential.changed events. Token is the new
// credential, empty on logout.
type Change struct {
	Token string
}

// Claims is what an unverified peek at a JWT credential yields. Opaque
// (non-JWT) tokens produce a zero Claims with OK false; they are still
// perfectly valid credentials, the server is the one that verifies them.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
	OK        bool
}

// Watcher owns the current credential and notifies the bus when it changes.
type Watcher struct {
	path   string
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	current string

	cancel context.CancelFunc
}

// NewWatcher creates a watcher over the given token file path.
func NewWatcher(path string, b *bus.Bus, logger *zap.Logger) *Watcher {
	return &Watcher{
		path:   path,
		bus:    b,
		logger: logger,
	}
}

// Start loads the stored token and begins polling for file changes.
func (w *Watcher) Start(ctx context.Context) {
	w.update(w.read())

	ctx, w.cancel = context.WithCancel(ctx)
	go w.poll(ctx)
}

// Stop stops the poll loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// Current returns the credential as last observed, empty if logged out.
func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Set stores a new credential and notifies immediately, without waiting for
// the next poll tick.
func (w *Watcher) Set(token string) error {
	token = strings.TrimSpace(token)
	if err := os.WriteFile(w.path, []byte(token+"\n"), 0600); err != nil {
		return err
	}
	w.update(token)
	return nil
}

// Clear removes the stored credential (logout) and notifies immediately.
func (w *Watcher) Clear() error {
	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	w.update("")
	return nil
}

// Peek parses the current credential as a JWT without verifying the
// signature, for status display only.
func (w *Watcher) Peek() Claims {
	token := w.Current()
	if token == "" {
		return Claims{}
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return Claims{}
	}
	c := Claims{OK: true}
	if sub, err := parsed.Claims.GetSubject(); err == nil {
		c.Subject = sub
	}
	if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.update(w.read())
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) read() string {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) && w.logger != nil {
			w.logger.Warn("failed to read token file", zap.Error(err))
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (w *Watcher) update(token string) {
	w.mu.Lock()
	changed := token != w.current
	w.current = token
	w.mu.Unlock()

	if !changed {
		return
	}
	if w.logger != nil {
		if token == "" {
			w.logger.Info("credential cleared")
		} else {
			w.logger.Info("credential changed")
		}
	}
	if w.bus != nil {
		w.bus.Publish(bus.Event{
			Kind:      "credential.changed",
			Timestamp: time.Now(),
			Payload:   Change{Token: token},
		})
	}
}
