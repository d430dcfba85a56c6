package adapters

import (
	"context"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/visual-stepcache/stepcache/generation/harness/ports"
)

// TokenBucket paces generator calls per key. Acquire waits for a token
// instead of failing, so a burst of cache misses queues up behind the model's
// quota rather than burning retry attempts.
type TokenBucket struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	capacity   int           // max tokens per bucket
	refillRate time.Duration // time between token refills
	now        func() time.Time
}

// bucket represents a single token bucket for a key.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket rate limiter.
func NewTokenBucket(capacity int, refillRate time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = time.Second
	}
	return &TokenBucket{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillRate: refillRate,
		now:        time.Now,
	}
}

// Acquire takes a token for key, waiting for a refill when the bucket is
// empty. Tokens only come back through refill; release is a no-op.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (release func(), err error) {
	for {
		wait := tb.take(key)
		if wait == 0 {
			return func() {}, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token and returns 0, or returns how long until the next one.
func (tb *TokenBucket) take(key string) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	b, exists := tb.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     tb.capacity,
			lastRefill: now,
		}
		tb.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	tokensToAdd := int(now.Sub(b.lastRefill) / tb.refillRate)
	if tokensToAdd > 0 {
		b.tokens = min(b.tokens+tokensToAdd, tb.capacity)
		b.lastRefill = b.lastRefill.Add(time.Duration(tokensToAdd) * tb.refillRate)
	}

	if b.tokens > 0 {
		b.tokens--
		return 0
	}
	return b.lastRefill.Add(tb.refillRate).Sub(now)
}

// Available returns the tokens currently left for key.
func (tb *TokenBucket) Available(key string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if b, ok := tb.buckets[key]; ok {
		return b.tokens
	}
	return tb.capacity
}

var _ ports.RateLimiter = (*TokenBucket)(nil)
