// ratelimit.go implements the process-wide request gate for the KIS API.
//
// The broker allows 20 requests per second measured over a sliding
// one-second window. A single continuously-refilling token bucket covers
// every outbound call (quotes, rankings, orders alike); callers block in
// Wait() until a token is available or their context is cancelled.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
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

// NewRateLimiter creates the shared 20 req/s bucket. Capacity equals the
// per-second allowance so a full second of burst is absorbed without
// exceeding the sliding window.
func NewRateLimiter(ratePerSecond float64) *TokenBucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 20
	}
	return NewTokenBucket(ratePerSecond, ratePerSecond)
}
