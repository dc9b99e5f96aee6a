// Package backoff computes capped exponential reconnect delays.
package backoff

import (
	"context"
	"time"
)

// Policy describes a capped exponential backoff with a bounded number of
// attempts. The delay before attempt n (0-based) is min(Max, Base*2^n).
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultPolicy is base 1s, cap 5s, 5 attempts.
var DefaultPolicy = Policy{
	Base:        time.Second,
	Max:         5 * time.Second,
	MaxAttempts: 5,
}

// Delay returns the wait before the given 0-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		// Stop doubling once the cap is reached so large attempt numbers
		// cannot overflow.
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Exhausted reports whether attempt (0-based) is past the attempt budget.
// A non-positive MaxAttempts means unlimited.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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
