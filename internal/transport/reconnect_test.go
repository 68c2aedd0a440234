package transport

import (
	"testing"
	"time"
)

func TestReconnectorDelayGrowth(t *testing.T) {
	r := newReconnector(Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		StableReset: time.Hour,
	})

	prev := time.Duration(0)
	for i := 0; i < 4; i++ {
		d := r.nextDelay()
		if d < prev {
			t.Errorf("attempt %d: delay %v < previous %v, want non-decreasing growth", i, d, prev)
		}
		// Base 1s doubling plus at most 0.5s jitter.
		max := time.Duration(1<<uint(i))*time.Second + 500*time.Millisecond
		if d > max {
			t.Errorf("attempt %d: delay %v exceeds %v", i, d, max)
		}
		prev = d
	}
}

func TestReconnectorDelayCap(t *testing.T) {
	r := newReconnector(Policy{
		MaxAttempts: 100,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		StableReset: time.Hour,
	})
	for i := 0; i < 20; i++ {
		if d := r.nextDelay(); d > 5*time.Second {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
	}
}

func TestReconnectorAttemptBudget(t *testing.T) {
	r := newReconnector(Policy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, StableReset: time.Hour})

	for i := 0; i < 5; i++ {
		if !r.shouldRetry() {
			t.Fatalf("attempt %d: budget exhausted early", i)
		}
		r.nextDelay()
	}
	if r.shouldRetry() {
		t.Error("budget should be exhausted after 5 attempts")
	}
}

func TestReconnectorStableConnectionResets(t *testing.T) {
	r := newReconnector(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, StableReset: 10 * time.Millisecond})

	r.nextDelay()
	r.nextDelay()
	r.markConnected()
	time.Sleep(20 * time.Millisecond)

	r.nextDelay()
	if r.attempt != 1 {
		t.Errorf("attempt = %d after stable connection, want reset to 1", r.attempt)
	}
}

func TestReconnectorZeroPolicyDefaults(t *testing.T) {
	r := newReconnector(Policy{})
	if r.policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want default 5", r.policy.MaxAttempts)
	}
	if r.policy.BaseDelay != time.Second || r.policy.MaxDelay != 30*time.Second {
		t.Errorf("delays = %v/%v, want 1s/30s", r.policy.BaseDelay, r.policy.MaxDelay)
	}
}
