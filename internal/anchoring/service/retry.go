package service

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds the attempts made for one write.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64 // fraction of the delay randomised, 0..1
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		Jitter:         0.2,
		AttemptTimeout: 30 * time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = d.Jitter
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = d.AttemptTimeout
	}
	return p
}

// Backoff returns the wait before retry number n (1 = first retry).
// rnd is a uniform sample in [0,1); the result lies within ±Jitter of
// BaseDelay·2^(n-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(n int, rnd float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(n-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	d *= 1 + p.Jitter*(2*rnd-1)
	return time.Duration(d)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
