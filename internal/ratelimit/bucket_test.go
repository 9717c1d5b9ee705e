package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Conservation(t *testing.T) {
	b := NewTokenBucket(5, 60)
	now := time.Now()
	b.nowFunc = func() time.Time { return now }

	// Exactly capacity consumes succeed immediately on a fresh bucket.
	for i := range 5 {
		ok, wait := b.Consume(1)
		require.True(t, ok, "consume %d", i+1)
		assert.Zero(t, wait)
	}

	// The sixth waits ~1s: 60 tokens/min refills one token per second.
	ok, wait := b.Consume(1)
	require.False(t, ok)
	assert.InDelta(t, 1.0, wait, 0.01)
}

func TestTokenBucket_LazyRefill(t *testing.T) {
	b := NewTokenBucket(5, 60)
	now := time.Now()
	b.nowFunc = func() time.Time { return now }

	for range 5 {
		b.Consume(1)
	}

	// Two seconds later, two tokens have refilled.
	now = now.Add(2 * time.Second)
	ok, _ := b.Consume(2)
	assert.True(t, ok)

	ok, wait := b.Consume(1)
	assert.False(t, ok)
	assert.Greater(t, wait, 0.0)
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	b := NewTokenBucket(3, 60)
	now := time.Now()
	b.nowFunc = func() time.Time { return now }

	// A long idle period must not bank more than capacity.
	now = now.Add(time.Hour)
	for range 3 {
		ok, _ := b.Consume(1)
		require.True(t, ok)
	}
	ok, _ := b.Consume(1)
	assert.False(t, ok)
}

func TestLimiter_PerKeyBuckets(t *testing.T) {
	tiers := NewTierTable(map[string]Tier{
		"yellowpages.com": {TokensPerMinute: 60, BucketSize: 1, MinDelay: time.Second, MaxDelay: 2 * time.Second},
	}, Tier{TokensPerMinute: 60, BucketSize: 10, MinDelay: time.Second, MaxDelay: 2 * time.Second})
	l := NewLimiter(tiers)

	ok, _ := l.Consume("yellowpages.com", 1)
	require.True(t, ok)
	ok, _ = l.Consume("yellowpages.com", 1)
	assert.False(t, ok, "tiered bucket size 1 exhausts after one consume")

	// Draining one key leaves other keys untouched.
	ok, _ = l.Consume("bing.com", 1)
	assert.True(t, ok)
}

func TestLimiter_WaitAndConsume_MaxWaitExceeded(t *testing.T) {
	tiers := NewTierTable(nil, Tier{TokensPerMinute: 1, BucketSize: 1})
	l := NewLimiter(tiers)

	ok, _ := l.Consume("slow.example", 1)
	require.True(t, ok)

	// Refill is one token per minute; a 10ms cap cannot be met.
	err := l.WaitAndConsume(context.Background(), "slow.example", 1, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestLimiter_WaitAndConsume_ContextCancelled(t *testing.T) {
	tiers := NewTierTable(nil, Tier{TokensPerMinute: 1, BucketSize: 1})
	l := NewLimiter(tiers)

	ok, _ := l.Consume("slow.example", 1)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.WaitAndConsume(ctx, "slow.example", 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTier_JitteredDelay(t *testing.T) {
	tier := Tier{MinDelay: time.Second, MaxDelay: 3 * time.Second}

	for range 50 {
		d := tier.JitteredDelay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}

	fixed := Tier{MinDelay: 2 * time.Second, MaxDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, fixed.JitteredDelay())
}
