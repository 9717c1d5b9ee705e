// Package proxy provides the egress proxy pool with health tracking and
// failure-streak blacklisting.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
)

// Selection strategies.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyHealthBased = "health_based"
)

const (
	// DefaultBlacklistThreshold is the consecutive-failure count that
	// blacklists a proxy.
	DefaultBlacklistThreshold = 3

	// DefaultBlacklistDuration is how long a blacklisted proxy stays out
	// of rotation.
	DefaultBlacklistDuration = 10 * time.Minute

	// DefaultMinUsableFraction is the usable-pool floor below which callers
	// should treat proxy exhaustion as fatal for their worker.
	DefaultMinUsableFraction = 0.2

	// healthTierWidth is the success-rate band below the best proxy that
	// still counts as top tier for randomized tie-breaking.
	healthTierWidth = 0.1

	// probeTimeout bounds the startup health probe.
	probeTimeout = 10 * time.Second
)

// ErrNoProxiesAvailable is returned when every proxy is blacklisted. Callers
// should treat this as a hard stop for their worker, not a busy-retry loop.
var ErrNoProxiesAvailable = errors.New("no usable proxies available")

// Config holds proxy pool configuration.
type Config struct {
	BlacklistThreshold int
	BlacklistDuration  time.Duration
	MinUsableFraction  float64
	ProbeURL           string
}

// WithDefaults fills zero values with defaults.
func (c Config) WithDefaults() Config {
	if c.BlacklistThreshold <= 0 {
		c.BlacklistThreshold = DefaultBlacklistThreshold
	}
	if c.BlacklistDuration <= 0 {
		c.BlacklistDuration = DefaultBlacklistDuration
	}
	if c.MinUsableFraction <= 0 {
		c.MinUsableFraction = DefaultMinUsableFraction
	}
	if c.ProbeURL == "" {
		c.ProbeURL = "https://www.google.com/generate_204"
	}
	return c
}

// Pool tracks a fixed set of proxies, their rolling health, and blacklist
// state. Safe for concurrent use by multiple workers; all state is guarded by
// one mutex scoped to single method calls.
type Pool struct {
	mu      sync.Mutex
	proxies []*domain.ProxyInfo
	next    int
	cfg     Config
	log     logger.Interface
	nowFunc func() time.Time
}

// NewPool creates a pool over a fixed proxy set.
func NewPool(proxies []*domain.ProxyInfo, cfg Config, log logger.Interface) (*Pool, error) {
	if len(proxies) == 0 {
		return nil, errors.New("proxy pool requires at least one proxy")
	}

	return &Pool{
		proxies: proxies,
		cfg:     cfg.WithDefaults(),
		log:     log,
		nowFunc: time.Now,
	}, nil
}

// GetProxy returns a proxy chosen by the given strategy. health_based ranks
// non-blacklisted proxies by success rate and picks randomly among the top
// tier so workers do not herd onto a single best proxy.
func (p *Pool) GetProxy(strategy string) (*domain.ProxyInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	usable := p.usableLocked()
	if len(usable) == 0 {
		return nil, ErrNoProxiesAvailable
	}

	switch strategy {
	case StrategyHealthBased:
		return copyOf(pickHealthBased(usable)), nil
	case StrategyRoundRobin, "":
		return copyOf(p.pickRoundRobinLocked()), nil
	default:
		return nil, fmt.Errorf("unknown proxy strategy: %q", strategy)
	}
}

// usableLocked returns proxies not currently blacklisted.
func (p *Pool) usableLocked() []*domain.ProxyInfo {
	now := p.nowFunc()
	usable := make([]*domain.ProxyInfo, 0, len(p.proxies))
	for _, proxy := range p.proxies {
		if !proxy.Blacklisted(now) {
			usable = append(usable, proxy)
		}
	}
	return usable
}

// pickRoundRobinLocked advances the rotation cursor past blacklisted entries.
func (p *Pool) pickRoundRobinLocked() *domain.ProxyInfo {
	now := p.nowFunc()
	for range p.proxies {
		proxy := p.proxies[p.next%len(p.proxies)]
		p.next++
		if !proxy.Blacklisted(now) {
			return proxy
		}
	}
	// usableLocked already guaranteed at least one candidate.
	return p.proxies[0]
}

// pickHealthBased selects randomly among proxies whose success rate is within
// healthTierWidth of the best candidate.
func pickHealthBased(usable []*domain.ProxyInfo) *domain.ProxyInfo {
	sorted := make([]*domain.ProxyInfo, len(usable))
	copy(sorted, usable)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SuccessRate() > sorted[j].SuccessRate()
	})

	best := sorted[0].SuccessRate()
	tier := 1
	for tier < len(sorted) && best-sorted[tier].SuccessRate() <= healthTierWidth {
		tier++
	}

	return sorted[rand.Intn(tier)]
}

// ReportSuccess records a successful use and clears the failure streak.
func (p *Pool) ReportSuccess(proxy *domain.ProxyInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.findLocked(proxy)
	if entry == nil {
		return
	}

	entry.SuccessCount++
	entry.FailureStreak = 0
}

// ReportFailure records a failed use. Once the failure streak crosses the
// blacklist threshold the proxy is benched for the blacklist duration.
func (p *Pool) ReportFailure(proxy *domain.ProxyInfo, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.findLocked(proxy)
	if entry == nil {
		return
	}

	entry.FailureCount++
	entry.FailureStreak++

	if entry.FailureStreak >= p.cfg.BlacklistThreshold {
		until := p.nowFunc().Add(p.cfg.BlacklistDuration)
		entry.BlacklistedUntil = &until
		entry.FailureStreak = 0
		p.log.Warn("proxy blacklisted",
			"proxy", entry.Addr(),
			"reason", reason,
			"until", until,
		)
	}
}

// TestProxy synchronously probes a proxy. Startup validation only, not the
// hot path.
func (p *Pool) TestProxy(ctx context.Context, proxy *domain.ProxyInfo) bool {
	proxyURL, err := url.Parse(proxy.URL())
	if err != nil {
		return false
	}

	client := &http.Client{
		Timeout:   probeTimeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.ProbeURL, http.NoBody)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusBadRequest
}

// UsableCount returns the number of proxies currently in rotation.
func (p *Pool) UsableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.usableLocked())
}

// Size returns the total pool size.
func (p *Pool) Size() int {
	return len(p.proxies)
}

// BelowMinimum reports whether the usable pool has fallen under the configured
// floor. Workers seeing this alongside GetProxy failures should stop rather
// than spin.
func (p *Pool) BelowMinimum() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(len(p.usableLocked())) < p.cfg.MinUsableFraction*float64(len(p.proxies))
}

// Snapshot returns a copy of every proxy's current state for the status API.
func (p *Pool) Snapshot() []domain.ProxyInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.ProxyInfo, len(p.proxies))
	for i, proxy := range p.proxies {
		out[i] = *proxy
	}
	return out
}

// findLocked matches a caller-held copy back to the pool's entry by address.
func (p *Pool) findLocked(proxy *domain.ProxyInfo) *domain.ProxyInfo {
	for _, entry := range p.proxies {
		if entry.Host == proxy.Host && entry.Port == proxy.Port {
			return entry
		}
	}
	return nil
}

// copyOf returns a value copy so workers never mutate pool-owned state.
func copyOf(proxy *domain.ProxyInfo) *domain.ProxyInfo {
	c := *proxy
	return &c
}
