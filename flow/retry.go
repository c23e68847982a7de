package flow

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds automatic retries of retryable node failures
// (rate limits, transient provider errors). The delay before attempt n
// is min(BaseDelay * 2^n, MaxDelay) plus jitter in [0, BaseDelay), to
// keep concurrent nodes from retrying in lockstep.
type RetryPolicy struct {
	// MaxAttempts counts invocations including the first. 1 disables
	// retries.
	MaxAttempts int `json:"max_attempts"`

	BaseDelay time.Duration `json:"base_delay"`
	MaxDelay  time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy is the engine default: three attempts, backoff
// starting at one second, capped at thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Validate rejects nonsensical bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// backoff computes the delay before the given zero-based retry attempt.
func (p RetryPolicy) backoff(attempt int, rng *rand.Rand) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	delay := base << attempt
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	}
	return delay + jitter
}
