// File: internal/llmclient/ratelimit.go
package llmclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimited spaces out calls to an inner client.
type RateLimited struct {
	inner   Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Client = (*RateLimited)(nil)

// NewRateLimited allows perMinute calls per minute with a burst of one.
// A non-positive rate disables limiting.
func NewRateLimited(inner Client, perMinute float64, logger *zap.Logger) *RateLimited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Duration(float64(time.Minute) / perMinute))
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("llm_rate_limiter"),
	}
}

// Generate waits for a token, then delegates.
func (r *RateLimited) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait aborted: %w", err)
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		r.logger.Debug("Waited for LLM rate limit.", zap.Duration("waited", waited))
	}
	return r.inner.Generate(ctx, req)
}

func (r *RateLimited) Close() error { return r.inner.Close() }
