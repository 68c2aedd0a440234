package transport

import (
	"math"
	"math/rand"
	"time"
)

// Policy bounds the reconnection behavior of a Conn.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// StableReset is how long a connection must hold before the attempt
	// counter resets. A link that flaps every few seconds keeps burning
	// through its attempt budget instead of retrying forever.
	StableReset time.Duration
}

// DefaultPolicy is the standard bounded retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		StableReset: 60 * time.Second,
	}
}

// reconnector tracks retry attempts and computes capped exponential delays
// with jitter.
type reconnector struct {
	policy      Policy
	attempt     int
	connectedAt time.Time
}

func newReconnector(p Policy) *reconnector {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = DefaultPolicy().BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = DefaultPolicy().MaxDelay
	}
	if p.StableReset == 0 {
		p.StableReset = DefaultPolicy().StableReset
	}
	return &reconnector{policy: p}
}

// shouldRetry reports whether the attempt budget allows another try.
func (r *reconnector) shouldRetry() bool {
	return r.attempt < r.policy.MaxAttempts
}

// markConnected records a successful connection; a stable one resets the
// attempt counter on the next delay computation.
func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay consumes one attempt and returns how long to wait before it.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > r.policy.StableReset {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.policy.BaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.policy.BaseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.policy.MaxDelay),
	))
	r.attempt++
	return delay
}
