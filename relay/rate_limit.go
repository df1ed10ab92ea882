package relay

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures client-level rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the maximum sustained request rate.
	RequestsPerSecond float64

	// Burst is the maximum number of requests allowed in a burst.
	// This allows brief spikes above the rate limit.
	Burst int

	// WaitOnLimit determines behavior when rate limit is hit.
	// If true, requests wait for a token (respecting context deadline).
	// If false, requests immediately return ErrRateLimited.
	WaitOnLimit bool
}

// DefaultRateLimitConfig returns a sensible default rate limit configuration.
// 100 requests per second with a burst of 10.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 100,
		Burst:             10,
		WaitOnLimit:       true,
	}
}

// rateGate applies client-wide rate limiting ahead of pool acquisition, so a
// throttled request never ties up a connection slot while it waits.
type rateGate struct {
	limiter *rate.Limiter
	wait    bool
}

func newRateGate(cfg RateLimitConfig) *rateGate {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateGate{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		wait:    cfg.WaitOnLimit,
	}
}

// admit blocks or fails fast according to the configuration.
func (g *rateGate) admit(ctx context.Context) error {
	if g == nil {
		return nil
	}

	if g.wait {
		if err := g.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return err
			}
			return ErrRateLimited
		}
		return nil
	}

	if !g.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// RateLimiterStats provides visibility into rate limiter state.
type RateLimiterStats struct {
	// Limit is the maximum rate per second.
	Limit float64
	// Burst is the maximum burst size.
	Burst int
	// TokensAvailable is the current number of tokens.
	TokensAvailable float64
}

func (g *rateGate) stats() RateLimiterStats {
	if g == nil {
		return RateLimiterStats{}
	}
	return RateLimiterStats{
		Limit:           float64(g.limiter.Limit()),
		Burst:           g.limiter.Burst(),
		TokensAvailable: g.limiter.Tokens(),
	}
}
