package cache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures the bounded exponential retry policy shared by Sync and
// Run. Attempts <= 0 retries until the context ends.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 5 * time.Second, Attempts: 5}
}

// policy builds a fresh jittered schedule that stops after Attempts tries or
// when ctx ends.
func (b Backoff) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Base
	exp.MaxInterval = b.Max
	exp.RandomizationFactor = 0.5
	exp.MaxElapsedTime = 0
	exp.Reset()

	var policy backoff.BackOff = exp
	if b.Attempts > 0 {
		policy = backoff.WithMaxRetries(exp, uint64(b.Attempts-1))
	}
	return backoff.WithContext(policy, ctx)
}

// Retry runs fn until it succeeds, returns an error wrapped by
// backoff.Permanent, the attempts run out or ctx ends. The last error is
// returned.
func (b Backoff) Retry(ctx context.Context, fn func(context.Context) error) error {
	return backoff.Retry(func() error { return fn(ctx) }, b.policy(ctx))
}
