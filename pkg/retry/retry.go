package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultAttempts bounds how many times an operation runs in total.
	DefaultAttempts = 3
	// DefaultInitialInterval seeds the exponential backoff schedule.
	DefaultInitialInterval = 50 * time.Millisecond
)

// Policy describes a bounded retry schedule.
type Policy struct {
	Attempts        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy returns the schedule used for transient storage conflicts.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        DefaultAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     500 * time.Millisecond,
	}
}

// Permanent marks err as non-retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op under the supplied policy, sleeping between attempts according to
// an exponential schedule. The context cancels waits between attempts. The
// error from the final attempt is returned when the budget is exhausted.
func Do(ctx context.Context, policy Policy, op func() error) error {
	attempts := policy.Attempts
	if attempts == 0 {
		attempts = DefaultAttempts
	}

	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	// MaxRetries counts re-runs, not runs.
	schedule := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.Retry(op, schedule)
}
