// Package retry runs storage operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop. Retryable decides which errors are worth
// another attempt; a nil Retryable retries every error.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Retryable       func(error) bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// WithRetryable returns a copy of p using fn as the classifier.
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// Do calls op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The last error from op is returned.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	return DoNotify(ctx, p, op, nil)
}

// DoNotify is Do with a callback invoked before each retry.
func DoNotify(ctx context.Context, p Policy, op func(context.Context) error, notify func(err error, wait time.Duration)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(exp, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
}
