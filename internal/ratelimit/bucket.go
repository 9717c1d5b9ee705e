// Package ratelimit provides per-key token-bucket throttling and an adaptive
// delay controller driven by recent fetch outcomes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// secondsPerMinute converts per-minute refill rates to per-second.
const secondsPerMinute = 60.0

// TokenBucket is a lazily refilled token bucket. Mutated only under the
// owning Limiter's per-bucket lock.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per minute
	lastRefill time.Time
	nowFunc    func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillPerMinute float64) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillPerMinute,
		lastRefill: time.Now(),
		nowFunc:    time.Now,
	}
}

// Consume attempts to deduct n tokens after a lazy refill. When the bucket has
// too few tokens it does not block: it returns ok=false and the wait in
// seconds until n tokens will be available, leaving the caller to decide
// whether to sleep or skip.
func (b *TokenBucket) Consume(n float64) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}

	deficit := n - b.tokens
	waitSeconds := deficit / b.refillRate * secondsPerMinute
	return false, waitSeconds
}

// refillLocked credits tokens for the time elapsed since the last refill.
func (b *TokenBucket) refillLocked() {
	now := b.nowFunc()
	elapsed := now.Sub(b.lastRefill).Minutes()
	if elapsed <= 0 {
		return
	}

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Limiter manages one token bucket per rate-limited key (domain or tier).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	tiers   *TierTable
}

// NewLimiter creates a limiter that sizes new buckets from the tier table.
func NewLimiter(tiers *TierTable) *Limiter {
	return &Limiter{
		buckets: make(map[string]*TokenBucket),
		tiers:   tiers,
	}
}

// Consume deducts n tokens from key's bucket, creating it on first use.
func (l *Limiter) Consume(key string, n float64) (bool, float64) {
	return l.bucket(key).Consume(n)
}

// WaitAndConsume sleeps in a loop until key's bucket yields n tokens, the
// context is cancelled, or maxWait elapses (maxWait <= 0 means no cap).
func (l *Limiter) WaitAndConsume(ctx context.Context, key string, n float64, maxWait time.Duration) error {
	deadline := time.Time{}
	if maxWait > 0 {
		deadline = time.Now().Add(maxWait)
	}

	for {
		ok, waitSeconds := l.Consume(key, n)
		if ok {
			return nil
		}

		wait := time.Duration(waitSeconds * float64(time.Second))
		if !deadline.IsZero() && time.Now().Add(wait).After(deadline) {
			return fmt.Errorf("rate limit wait for %q exceeds max wait %s", key, maxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// bucket returns key's bucket, creating it from the tier table if needed.
func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		tier := l.tiers.For(key)
		b = NewTokenBucket(tier.BucketSize, tier.TokensPerMinute)
		l.buckets[key] = b
	}
	return b
}
