// Package retry runs idempotent operations with a bounded number of attempts
// and a backoff between them. Waits honour context cancellation, so a caller
// that gives up never leaves a goroutine sleeping on its behalf.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Strategy selects how the delay grows between attempts.
type Strategy int

const (
	Constant Strategy = iota
	Linear
	Exponential
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	Strategy Strategy

	// Retryable reports whether err is worth another attempt. A nil
	// Retryable retries every error.
	Retryable func(err error) bool
}

// DefaultPolicy is used for optimistic version conflicts: five attempts with
// a linear 20ms step.
var DefaultPolicy = Policy{
	Attempts: 5,
	Delay:    20 * time.Millisecond,
	MaxDelay: 200 * time.Millisecond,
	Strategy: Linear,
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.Attempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return v, backoff.Permanent(err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
	)
}

func (p Policy) backOff() backoff.BackOff {
	switch p.Strategy {
	case Linear:
		return &linearBackOff{step: p.Delay, max: p.MaxDelay}
	case Exponential:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.Delay
		if p.MaxDelay > 0 {
			b.MaxInterval = p.MaxDelay
		}
		return b
	default:
		return backoff.NewConstantBackOff(p.Delay)
	}
}

// linearBackOff waits step, 2*step, 3*step... capped at max.
type linearBackOff struct {
	step time.Duration
	max  time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	d := time.Duration(b.n) * b.step
	if b.max > 0 && d > b.max {
		return b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.n = 0 }
