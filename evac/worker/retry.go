package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/evac-planner/evac-planner/evac"
)

// RetryPolicy is the explicit retry schedule for transient simulation failures.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// AttemptTimeout bounds a single attempt; a timed-out attempt is treated
	// as transient while the caller's context is still alive. 0 disables it.
	AttemptTimeout time.Duration
}

// NewRetryPolicy converts the config section.
func NewRetryPolicy(cfg evac.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      cfg.Multiplier,
		AttemptTimeout:  cfg.AttemptTimeout,
	}
}

// backOff builds the schedule for one scenario. Elapsed time is unbounded:
// the run deadline arrives through ctx.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
