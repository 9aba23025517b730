package credits

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LockRetryPolicy bounds the retries applied when the per-account critical
// section cannot be entered. The zero value is replaced by DefaultLockRetryPolicy.
type LockRetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     uint64
}

// DefaultLockRetryPolicy retries a contended account lock five times with
// exponential backoff (10ms, 20ms, 40ms, 80ms, 160ms) before surfacing
// ErrLockTimeout to the caller.
func DefaultLockRetryPolicy() LockRetryPolicy {
	return LockRetryPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     160 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

func (policy LockRetryPolicy) normalized() LockRetryPolicy {
	defaults := DefaultLockRetryPolicy()
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = defaults.InitialInterval
	}
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = defaults.MaxInterval
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = defaults.Multiplier
	}
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = defaults.MaxAttempts
	}
	return policy
}

// withLockRetry runs op, retrying only on ErrLockTimeout per the policy.
// Any other error is permanent and returned as-is.
func withLockRetry(ctx context.Context, policy LockRetryPolicy, op func() error) error {
	policy = policy.normalized()
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialInterval
	exponential.MaxInterval = policy.MaxInterval
	exponential.Multiplier = policy.Multiplier
	exponential.RandomizationFactor = 0

	schedule := backoff.WithContext(backoff.WithMaxRetries(exponential, policy.MaxAttempts), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrLockTimeout) {
			return err
		}
		return backoff.Permanent(err)
	}, schedule)
}
