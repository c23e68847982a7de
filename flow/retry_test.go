package flow

import (
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicy_Validate(t *testing.T) {
	if err := DefaultRetryPolicy().Validate(); err != nil {
		t.Errorf("default policy invalid: %v", err)
	}
	if err := (RetryPolicy{MaxAttempts: 0}).Validate(); err == nil {
		t.Error("accepted zero attempts")
	}
	bad := RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Second}
	if err := bad.Validate(); err == nil {
		t.Error("accepted max delay below base delay")
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	rng := rand.New(rand.NewSource(1))

	// Exponential until the cap, jitter bounded by the base delay.
	for attempt, wantFloor := range []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second, // capped
	} {
		got := p.backoff(attempt, rng)
		if got < wantFloor || got >= wantFloor+time.Second {
			t.Errorf("backoff(%d) = %v, want [%v, %v)", attempt, got, wantFloor, wantFloor+time.Second)
		}
	}
}

func TestRetryPolicy_BackoffZeroBase(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 2}
	got := p.backoff(0, rand.New(rand.NewSource(1)))
	if got < time.Second || got >= 2*time.Second {
		t.Errorf("backoff with zero base = %v, want [1s, 2s)", got)
	}
}
