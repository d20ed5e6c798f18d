package gateway

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// limiterPool manages per-model rate limiters.
type limiterPool struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

func newLimiterPool() *limiterPool {
	return &limiterPool{limiters: make(map[string]*rate.Limiter)}
}

// getOrCreate returns the limiter for a model, creating it on first use.
// The rate seen at creation wins for the life of the pool.
func (p *limiterPool) getOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[modelID]; exists {
		return limiter
	}

	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 5
	if burst < 5 {
		burst = 5
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelID] = limiter
	return limiter
}

// wait blocks until the limiter admits the next request.
func (p *limiterPool) wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	return p.getOrCreate(modelID, requestsPerMinute).Wait(ctx)
}
