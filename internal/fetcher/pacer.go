package fetcher

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Pacer is a token-bucket gate over fetch attempts. All workers share one
// Pacer so the site sees one polite request stream no matter how many
// workers run.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a Pacer allowing rps requests per second. A non-positive
// rate disables pacing.
func NewPacer(rps float64, burst int) *Pacer {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(limit, burst)}
}

// Wait blocks until a token is available or ctx ends.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}
