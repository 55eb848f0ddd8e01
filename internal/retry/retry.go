// Package retry runs remote operations with a fixed delay between attempts.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Policy bounds a retried call.
type Policy struct {
	Delay    time.Duration
	Attempts int
}

// DefaultPolicy is used for chat sends and other fire-and-forget calls.
func DefaultPolicy() Policy {
	return Policy{Delay: 10 * time.Second, Attempts: 3}
}

// Callbacks observe the outcome of a retried call. Any of them may be nil.
type Callbacks[T any] struct {
	OnSuccess func(result T)
	OnRetry   func(err error, delay time.Duration)
	OnFailure func(err error)
}

// Op is a remote operation producing a result of type T.
type Op[T any] func(ctx context.Context) (T, error)

// Do invokes op until it succeeds or the policy's attempts are used up.
// OnRetry fires once before every wait; OnFailure fires once with the last error.
func Do[T any](ctx context.Context, p Policy, op Op[T], cb Callbacks[T]) (T, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Nanosecond
	}

	var (
		result T
		tried  int
	)
	backoff := goretry.WithMaxRetries(uint64(attempts-1), goretry.NewConstant(delay))
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		tried++
		v, err := op(ctx)
		if err == nil {
			result = v
			return nil
		}
		if tried >= attempts {
			return err
		}
		if cb.OnRetry != nil {
			cb.OnRetry(err, delay)
		}
		return goretry.RetryableError(err)
	})
	if err != nil {
		if cb.OnFailure != nil {
			cb.OnFailure(err)
		}
		var zero T
		return zero, err
	}

	if cb.OnSuccess != nil {
		cb.OnSuccess(result)
	}
	return result, nil
}

// Forever retries op every delay until it succeeds or ctx is cancelled.
// onRetry, when set, observes every failed attempt.
func Forever(ctx context.Context, delay time.Duration, op func(ctx context.Context) error, onRetry func(err error)) error {
	if delay <= 0 {
		delay = time.Nanosecond
	}
	return goretry.Do(ctx, goretry.NewConstant(delay), func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			if onRetry != nil {
				onRetry(err)
			}
			return goretry.RetryableError(err)
		}
		return nil
	})
}
