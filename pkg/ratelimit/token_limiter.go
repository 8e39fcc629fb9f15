package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// TokenLimiter limits LLM usage by tokens per minute.
type TokenLimiter struct {
	limiter *rate.Limiter
	max     int
}

// NewTokenLimiter creates a limiter that admits up to maxTokensPerMinute tokens
// per minute with a burst of the full minute budget.
func NewTokenLimiter(maxTokensPerMinute int) *TokenLimiter {
	return &TokenLimiter{
		limiter: rate.NewLimiter(rate.Limit(float64(maxTokensPerMinute)/60.0), maxTokensPerMinute),
		max:     maxTokensPerMinute,
	}
}

// Wait blocks until n tokens are available or the context is cancelled.
func (t *TokenLimiter) Wait(ctx context.Context, n int) error {
	if n > t.max {
		n = t.max
	}
	return t.limiter.WaitN(ctx, n)
}

// GetRemaining reports the tokens currently available without reserving them.
func (t *TokenLimiter) GetRemaining() int {
	return int(t.limiter.Tokens())
}
