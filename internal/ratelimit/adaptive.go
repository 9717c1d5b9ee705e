package ratelimit

import (
	"sync"
	"time"
)

// Fetch outcome kinds recorded into the adaptive window.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeCaptcha = "captcha"
)

// Adaptive controller defaults.
const (
	DefaultBaseDelay      = 2 * time.Second
	DefaultMaxAdaptive    = 60 * time.Second
	DefaultWindow         = 10 * time.Minute
	DefaultAdjustInterval = 60 * time.Second

	// defaultErrorThreshold is the recent error rate that raises the delay.
	defaultErrorThreshold = 0.3
	// defaultCaptchaThreshold is the recent CAPTCHA rate that raises the delay.
	defaultCaptchaThreshold = 0.1
	// defaultSuccessThreshold is the recent success rate that relaxes the delay.
	defaultSuccessThreshold = 0.9

	// raiseFactor multiplies the delay on a bad window.
	raiseFactor = 2.0
	// relaxFactor multiplies the delay on a healthy window.
	relaxFactor = 0.75

	// minSamples is the smallest window that can trigger an adjustment.
	minSamples = 5
)

// sample is one recorded fetch outcome.
type sample struct {
	at   time.Time
	kind string
}

// AdaptiveConfig tunes the adaptive controller. Zero values take defaults.
type AdaptiveConfig struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	Window           time.Duration
	AdjustInterval   time.Duration
	ErrorThreshold   float64
	CaptchaThreshold float64
	SuccessThreshold float64
}

// WithDefaults fills zero values with defaults.
func (c AdaptiveConfig) WithDefaults() AdaptiveConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxAdaptive
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = DefaultAdjustInterval
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = defaultErrorThreshold
	}
	if c.CaptchaThreshold <= 0 {
		c.CaptchaThreshold = defaultCaptchaThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaultSuccessThreshold
	}
	return c
}

// AdaptiveRateLimiter derives the inter-request delay from a rolling window of
// recent outcomes. Adjustments happen at most once per AdjustInterval so a
// handful of fresh samples cannot make the delay oscillate.
type AdaptiveRateLimiter struct {
	mu           sync.Mutex
	cfg          AdaptiveConfig
	samples      []sample
	currentDelay time.Duration
	lastAdjust   time.Time
	nowFunc      func() time.Time
}

// NewAdaptive creates an adaptive limiter starting at the base delay.
func NewAdaptive(cfg AdaptiveConfig) *AdaptiveRateLimiter {
	cfg = cfg.WithDefaults()
	return &AdaptiveRateLimiter{
		cfg:          cfg,
		currentDelay: cfg.BaseDelay,
		nowFunc:      time.Now,
	}
}

// Record appends one fetch outcome to the rolling window.
func (a *AdaptiveRateLimiter) Record(kind string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowFunc()
	a.samples = append(a.samples, sample{at: now, kind: kind})
	a.pruneLocked(now)
}

// GetDelay returns the current delay, re-evaluating the window first when the
// adjustment interval has elapsed.
func (a *AdaptiveRateLimiter) GetDelay() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.nowFunc()
	a.pruneLocked(now)

	if now.Sub(a.lastAdjust) >= a.cfg.AdjustInterval {
		a.adjustLocked(now)
	}

	return a.currentDelay
}

// adjustLocked recomputes the delay from the window's outcome rates.
func (a *AdaptiveRateLimiter) adjustLocked(now time.Time) {
	a.lastAdjust = now

	total := len(a.samples)
	if total < minSamples {
		return
	}

	var errCount, captchaCount, successCount int
	for _, s := range a.samples {
		switch s.kind {
		case OutcomeError:
			errCount++
		case OutcomeCaptcha:
			captchaCount++
		case OutcomeSuccess:
			successCount++
		}
	}

	errorRate := float64(errCount) / float64(total)
	captchaRate := float64(captchaCount) / float64(total)
	successRate := float64(successCount) / float64(total)

	switch {
	case captchaRate >= a.cfg.CaptchaThreshold || errorRate >= a.cfg.ErrorThreshold:
		raised := time.Duration(float64(a.currentDelay) * raiseFactor)
		if raised > a.cfg.MaxDelay {
			raised = a.cfg.MaxDelay
		}
		a.currentDelay = raised
	case successRate >= a.cfg.SuccessThreshold:
		relaxed := time.Duration(float64(a.currentDelay) * relaxFactor)
		if relaxed < a.cfg.BaseDelay {
			relaxed = a.cfg.BaseDelay
		}
		a.currentDelay = relaxed
	}
}

// pruneLocked drops samples older than the window.
func (a *AdaptiveRateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.Window)
	i := 0
	for i < len(a.samples) && a.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.samples = a.samples[i:]
	}
}
