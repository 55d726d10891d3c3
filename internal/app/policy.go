package app

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dkeye/Rendezvous/internal/core"
)

// RetryPolicy decides how often a failed send is attempted again.
type RetryPolicy interface {
	BackOff(ctx context.Context) backoff.BackOff
}

// ExponentialRetry retries only core.ErrDisconnected, doubling the wait from
// Base, for at most MaxAttempts attempts in total.
type ExponentialRetry struct {
	MaxAttempts int
	Base        time.Duration
}

func (p ExponentialRetry) BackOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts <= 1 {
		// WithMaxRetries treats zero as unlimited.
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	if p.Base > 0 {
		b.InitialInterval = p.Base
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// SendWithRetry runs send under policy. Errors other than ErrDisconnected stop
// the retries immediately.
func SendWithRetry(ctx context.Context, policy RetryPolicy, send func() error, onRetry func(error, time.Duration)) error {
	op := func() error {
		err := send()
		if err != nil && !errors.Is(err, core.ErrDisconnected) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, policy.BackOff(ctx), onRetry)
}
