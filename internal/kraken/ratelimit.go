// ratelimit.go implements token-bucket pacing for the Kraken REST API.
//
// Kraken enforces a call counter on private endpoints (orders and account
// queries decay the counter over time) and a per-IP limit on public ones.
// Rather than mirroring the counter exactly, two smooth token buckets keep
// the bot comfortably under both limits:
//
//   - Public:  burst 5, refill 1 per sec
//   - Private: burst 3, refill 0.5 per sec
package kraken

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups the public and private REST buckets. Every REST call
// waits on the matching bucket before the HTTP request goes out.
type RateLimiter struct {
	Public  *TokenBucket
	Private *TokenBucket
}

// NewRateLimiter creates buckets tuned to Kraken's starter-tier limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Public:  NewTokenBucket(5, 1),
		Private: NewTokenBucket(3, 0.5),
	}
}
