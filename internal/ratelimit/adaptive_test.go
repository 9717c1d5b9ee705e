package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestAdaptive(cfg AdaptiveConfig) (*AdaptiveRateLimiter, *time.Time) {
	a := NewAdaptive(cfg)
	now := time.Now()
	a.nowFunc = func() time.Time { return now }
	return a, &now
}

func TestAdaptive_RaisesOnCaptchaRate(t *testing.T) {
	a, now := newTestAdaptive(AdaptiveConfig{BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second})

	for range 8 {
		a.Record(OutcomeSuccess)
	}
	a.Record(OutcomeCaptcha)
	a.Record(OutcomeCaptcha)

	*now = now.Add(61 * time.Second)
	assert.Equal(t, 4*time.Second, a.GetDelay(), "20%% CAPTCHA rate doubles the delay")
}

func TestAdaptive_CapsAtMaxDelay(t *testing.T) {
	a, now := newTestAdaptive(AdaptiveConfig{BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second})

	for range 10 {
		a.Record(OutcomeError)
	}

	*now = now.Add(61 * time.Second)
	assert.Equal(t, 5*time.Second, a.GetDelay())

	*now = now.Add(61 * time.Second)
	assert.Equal(t, 5*time.Second, a.GetDelay(), "delay never exceeds the ceiling")
}

func TestAdaptive_RelaxesTowardBase(t *testing.T) {
	a, now := newTestAdaptive(AdaptiveConfig{BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second})
	a.currentDelay = 8 * time.Second

	for range 20 {
		a.Record(OutcomeSuccess)
	}

	*now = now.Add(61 * time.Second)
	assert.Equal(t, 6*time.Second, a.GetDelay())

	*now = now.Add(61 * time.Second)
	assert.Equal(t, 4500*time.Millisecond, a.GetDelay())
}

func TestAdaptive_AdjustmentRateLimited(t *testing.T) {
	a, now := newTestAdaptive(AdaptiveConfig{BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second})

	for range 10 {
		a.Record(OutcomeError)
	}

	*now = now.Add(61 * time.Second)
	first := a.GetDelay()

	// Seconds later the window is just as bad, but no re-adjustment happens
	// inside the interval.
	*now = now.Add(5 * time.Second)
	assert.Equal(t, first, a.GetDelay())
}

func TestAdaptive_TooFewSamplesNoAdjust(t *testing.T) {
	a, now := newTestAdaptive(AdaptiveConfig{BaseDelay: 2 * time.Second})

	a.Record(OutcomeError)
	a.Record(OutcomeError)

	*now = now.Add(61 * time.Second)
	assert.Equal(t, 2*time.Second, a.GetDelay())
}

func TestAdaptive_OldSamplesExpire(t *testing.T) {
	a, now := newTestAdaptive(AdaptiveConfig{
		BaseDelay: 2 * time.Second,
		Window:    time.Minute,
	})

	for range 10 {
		a.Record(OutcomeError)
	}

	// The bad samples age out of the window before the next evaluation.
	*now = now.Add(5 * time.Minute)
	assert.Equal(t, 2*time.Second, a.GetDelay())
}
