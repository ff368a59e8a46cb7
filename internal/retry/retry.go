// Package retry re-runs calls that failed with transient service errors.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"handbook/internal/domain"
	"handbook/internal/logger"
)

const (
	DefaultAttempts = 3
	DefaultBase     = 200 * time.Millisecond
	DefaultMax      = 5 * time.Second
)

// Policy is an exponential backoff bounded by Attempts total tries.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Base: DefaultBase, Max: DefaultMax}
}

func (p Policy) backoff() goretry.Backoff {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	b := goretry.NewExponential(base)
	b = goretry.WithCappedDuration(maxDelay, b)
	return goretry.WithMaxRetries(uint64(attempts-1), b) // #nosec G115 -- attempts is positive
}

// Do calls fn until it succeeds, fails permanently, or the policy is spent.
// Only errors for which domain.IsTransient holds are retried.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if domain.IsTransient(err) {
			logger.FromContext(ctx).Warn("Transient failure, retrying", "op", op, "attempt", attempt, "error", err)
			return goretry.RetryableError(err)
		}
		return err
	})
}
