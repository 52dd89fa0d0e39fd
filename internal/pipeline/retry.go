package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

// ExponentialRetryPolicy implements RetryPolicy with exponential backoff and
// jitter. The zero value is not usable; construct with
// NewExponentialRetryPolicy.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewExponentialRetryPolicy creates a retry policy allowing maxAttempts total
// attempts. Non-positive arguments fall back to defaults.
func NewExponentialRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed with err. Cancellation and errors classified as permanent
// or fatal never retry.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsPermanentFetch(err) || IsFatalPersistence(err) {
		return false
	}
	return true
}

// Backoff returns the delay before retry attempt (0-based). The delay grows
// exponentially up to maxDelay, with half of it randomized to spread load.
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := p.baseDelay << uint(attempt)
	if backoff > p.maxDelay || backoff <= 0 {
		backoff = p.maxDelay
	}
	half := backoff / 2
	jitter, err := randDuration(half)
	if err != nil {
		jitter = half / 2
	}
	return half + jitter
}

func randDuration(limit time.Duration) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return 0, err
	}
	return time.Duration(n.Int64()), nil
}
