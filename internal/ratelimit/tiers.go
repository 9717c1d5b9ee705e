package ratelimit

import (
	"math/rand"
	"time"
)

// Tier holds the static rate configuration for one domain or source category.
type Tier struct {
	MinDelay        time.Duration
	MaxDelay        time.Duration
	TokensPerMinute float64
	BucketSize      float64
}

// DefaultTier applies when a key has no explicit tier.
var DefaultTier = Tier{
	MinDelay:        2 * time.Second,
	MaxDelay:        6 * time.Second,
	TokensPerMinute: 12,
	BucketSize:      4,
}

// TierTable maps keys to tiers, with a fallback default.
type TierTable struct {
	tiers       map[string]Tier
	defaultTier Tier
}

// NewTierTable creates a tier table. A zero defaultTier falls back to
// DefaultTier.
func NewTierTable(tiers map[string]Tier, defaultTier Tier) *TierTable {
	if defaultTier == (Tier{}) {
		defaultTier = DefaultTier
	}
	if tiers == nil {
		tiers = map[string]Tier{}
	}
	return &TierTable{tiers: tiers, defaultTier: defaultTier}
}

// For returns the tier for key, or the default tier.
func (t *TierTable) For(key string) Tier {
	if tier, ok := t.tiers[key]; ok {
		return tier
	}
	return t.defaultTier
}

// JitteredDelay returns a random delay in [MinDelay, MaxDelay] for pacing
// between targets.
func (tier Tier) JitteredDelay() time.Duration {
	if tier.MaxDelay <= tier.MinDelay {
		return tier.MinDelay
	}
	span := tier.MaxDelay - tier.MinDelay
	return tier.MinDelay + time.Duration(rand.Int63n(int64(span)))
}
