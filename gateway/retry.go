package gateway

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default retry settings.
const (
	DefaultRetries   = 2
	DefaultBaseDelay = 200 * time.Millisecond
	DefaultMaxDelay  = 2 * time.Second
)

// Backoff computes the delay before each retry: exponential from BaseDelay,
// with ±25% jitter when enabled, capped at MaxDelay.
//
// Backoff is an immutable value and safe for concurrent use.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
}

// DefaultBackoff returns the backoff used when none is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay: DefaultBaseDelay,
		MaxDelay:  DefaultMaxDelay,
		Jitter:    true,
	}
}

// Delay returns the wait before retry number retry (1 for the first retry).
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}

	// BaseDelay * 2^(retry-1), stopping early once past the cap
	delay := b.BaseDelay
	for i := 1; i < retry && delay < b.MaxDelay; i++ {
		delay *= 2
	}

	if b.Jitter {
		jitterRange := int64(float64(delay) * 0.25)
		if jitterRange > 0 {
			delay += time.Duration(rand.Int64N(2*jitterRange) - jitterRange)
		}
	}

	// Cap after jitter
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
