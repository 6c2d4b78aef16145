package scheduler

import (
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/wikivault/wikivault/internal/wiki"
)

// RetryPolicy implements jittered exponential backoff over retryable
// fetch errors.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy; zero values fall back to defaults.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// DefaultRetryPolicy returns the policy with stock settings.
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(0, 0, 0)
}

// MaxAttempts returns the attempt cap.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether another attempt is warranted. attempt is
// zero-based (the attempt that just failed).
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts-1 {
		return false
	}
	// A classified error carries its own verdict; a fetch timeout is
	// transient even though it wraps context.DeadlineExceeded.
	var fe *wiki.FetchError
	if errors.As(err, &fe) {
		return wiki.IsRetryable(err)
	}
	return false
}

// Backoff returns the wait before the next attempt: base doubling per
// attempt, capped, with random jitter in the upper half.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *RetryPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
