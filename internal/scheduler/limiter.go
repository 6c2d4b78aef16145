// Package scheduler dispatches page tasks over a bounded worker pool,
// gated by one global rate limiter and a loop-based retry combinator.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/wikivault/wikivault/internal/metrics"
)

// Limiter is the single token bucket shared by every outbound request in
// a run, across all workers. It is not per-worker: the politeness budget
// is global.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter builds a bucket for the given requests-per-second budget.
// A non-positive rps disables limiting.
func NewLimiter(rps float64, burst int) *Limiter {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available, respecting the context.
func (l *Limiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := l.bucket.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if delay := time.Since(start); delay > time.Millisecond {
		metrics.ObserveRateLimitDelay(delay)
	}
	return nil
}
