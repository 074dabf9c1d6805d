package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedClient throttles calls to an underlying Client so a single process never
// bursts past the provider's request quota.
type RateLimitedClient struct {
	Client
	limiter *rate.Limiter
}

// NewRateLimitedClient wraps inner with a token bucket of perMinute requests and the given burst.
// A non-positive perMinute disables throttling.
func NewRateLimitedClient(inner Client, perMinute float64, burst int) *RateLimitedClient {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(perMinute / 60)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{Client: inner, limiter: rate.NewLimiter(limit, burst)}
}

// GenerateContent waits for a token then delegates
func (c *RateLimitedClient) GenerateContent(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindCanceled, Op: "rate limit wait", Cause: err}
	}
	return c.Client.GenerateContent(ctx, prompt, tier)
}

// GenerateJSON waits for a token then delegates
func (c *RateLimitedClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", &Error{Kind: KindCanceled, Op: "rate limit wait", Cause: err}
	}
	return c.Client.GenerateJSON(ctx, prompt, tier)
}
