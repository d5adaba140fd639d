package reasoner

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Reasoner with a token-bucket limiter so a burst of
// concurrent cases cannot flood the backing model endpoint. Waiting
// respects the caller's context, so cancellation and stage timeouts
// still apply while queued.
type RateLimited struct {
	inner   Reasoner
	limiter *rate.Limiter
}

// NewRateLimited allows up to callsPerSecond sustained with the given burst.
func NewRateLimited(inner Reasoner, callsPerSecond float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(callsPerSecond), burst),
	}
}

func (r *RateLimited) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("reasoner: rate limit wait: %w", err)
	}
	return r.inner.Evaluate(ctx, req)
}
