package tool

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedRegistry wraps a Registry with a shared invocation rate limit.
// Contract lookups are never limited; only Invoke waits on the limiter, so
// validation against a rate-limited registry stays fast.
type RateLimitedRegistry struct {
	inner   Registry
	limiter *rate.Limiter
}

// NewRateLimited wraps a registry with a limiter admitting rps invocations
// per second with the given burst.
func NewRateLimited(inner Registry, rps float64, burst int) *RateLimitedRegistry {
	return &RateLimitedRegistry{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Get retrieves the contract for a tool.
func (r *RateLimitedRegistry) Get(name string) (Contract, bool) {
	return r.inner.Get(name)
}

// List returns all known contracts sorted by name.
func (r *RateLimitedRegistry) List() []Contract {
	return r.inner.List()
}

// Invoke blocks until the limiter admits the call, then delegates.
// A cancelled context aborts the wait with the context's error.
func (r *RateLimitedRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Invoke(ctx, name, args)
}
