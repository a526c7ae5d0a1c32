// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Binance publishes order-rate and request-weight limits per rolling window.
// Buckets refill continuously (rather than in window-sized bursts) so
// sustained trading never slams into the hard limit.
//
// Two buckets are maintained:
//   - Order: 100 burst / 10 per sec (order placement, cancel, modify)
//   - Data:  240 burst / 20 per sec (klines, account, exchange info)
package exchange

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

// RateLimiter groups token buckets by venue endpoint category. Every REST
// call must Wait() on its category's bucket before the HTTP request.
type RateLimiter struct {
	Order *TokenBucket // order placement, cancelation, modification
	Data  *TokenBucket // market data, account, exchange info
}

// NewRateLimiter creates buckets tuned under Binance's published limits,
// with headroom left for reconciliation bursts.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(100, 10),
		Data:  NewTokenBucket(240, 20),
	}
}
