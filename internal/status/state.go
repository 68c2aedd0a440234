package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nubecrm/chatsync/internal/bus"
)

// State represents the transport connection state.
type State string

const (
	NoCredential State = "NO_CREDENTIAL"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Failed       State = "FAILED"
)

// validTransitions defines allowed state transitions.
// Failed is not terminal: an explicit connect (new or re-set credential)
// moves it back to Connecting.
var validTransitions = map[State][]State{
	NoCredential: {Connecting},
	Connecting:   {Connected, Reconnecting, Failed, NoCredential},
	Connected:    {Reconnecting, NoCredential, Failed},
	Reconnecting: {Connecting, Connected, Failed, NoCredential},
	Failed:       {Connecting, NoCredential},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	lastError string
	bus       *bus.Bus
}

// NewMachine creates a state machine starting in NoCredential.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: NoCredential,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// LastError returns the most recent transport error message, or "" if the
// last transition cleared it. This is the readable string surfaced to
// consumers; transport failures never propagate as panics or raw errors.
func (m *Machine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Entering Connected clears the last error.
func (m *Machine) Transition(to State) error {
	return m.transition(to, "")
}

// Fail moves to Failed and records the reason for display.
func (m *Machine) Fail(reason string) error {
	return m.transition(Failed, reason)
}

// Degrade moves to Reconnecting and records the triggering error.
func (m *Machine) Degrade(reason string) error {
	return m.transition(Reconnecting, reason)
}

func (m *Machine) transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if reason != "" {
		m.lastError = reason
	} else if to == Connected {
		m.lastError = ""
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state_changed",
			Timestamp: time.Now(),
			Payload: Change{
				From:  from,
				To:    to,
				Error: m.lastError,
			},
		})
	}
	return nil
}

// Change is the payload for conn.state_changed events.
type Change struct {
	From  State
	To    State
	Error string
}
