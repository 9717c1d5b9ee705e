// Package quarantine tracks per-domain backoff state triggered by HTTP error
// patterns and bot-detection signals.
package quarantine

import (
	"sync"
	"time"

	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
)

// Default quarantine durations by reason.
const (
	durationForbidden   = 60 * time.Minute
	durationRateLimited = 60 * time.Minute
	durationCaptcha     = 60 * time.Minute
	durationBotDetected = 60 * time.Minute
	durationServerError = 30 * time.Minute
	durationManual      = 120 * time.Minute
)

// Implicit trigger thresholds for RecordErrorEvent.
const (
	rateLimitTriggerCount  = 3
	rateLimitTriggerWindow = time.Hour

	serverErrTriggerCount  = 3
	serverErrTriggerWindow = 10 * time.Minute
)

// backoffSchedule is the fixed, discrete retry delay table. Intentionally
// small and exact so behavior is predictable and testable; jitter, where
// wanted, is applied by callers.
var backoffSchedule = []time.Duration{
	0,
	5 * time.Second,
	30 * time.Second,
	300 * time.Second,
	3600 * time.Second,
}

// reasonDurations maps quarantine reasons to default durations.
var reasonDurations = map[string]time.Duration{
	domain.QuarantineReasonForbidden403:   durationForbidden,
	domain.QuarantineReasonRateLimited429: durationRateLimited,
	domain.QuarantineReasonCaptcha:        durationCaptcha,
	domain.QuarantineReasonBotDetected:    durationBotDetected,
	domain.QuarantineReasonServerError5xx: durationServerError,
	domain.QuarantineReasonManual:         durationManual,
}

// errorEvent is one recorded HTTP error for implicit trigger evaluation.
type errorEvent struct {
	at         time.Time
	reasonCode int
}

// DomainQuarantine owns all quarantine state. Safe for concurrent use; one
// mutex scoped to single method calls.
type DomainQuarantine struct {
	mu      sync.Mutex
	entries map[string]*domain.QuarantineEntry
	// retryAttempts is the domain's position in the backoff schedule. Entry
	// expiry resets it; only a new quarantine climbs it again.
	retryAttempts map[string]int
	events        map[string][]errorEvent
	log           logger.Interface
	nowFunc       func() time.Time
}

// New creates an empty quarantine registry.
func New(log logger.Interface) *DomainQuarantine {
	return &DomainQuarantine{
		entries:       make(map[string]*domain.QuarantineEntry),
		retryAttempts: make(map[string]int),
		events:        make(map[string][]errorEvent),
		log:           log,
		nowFunc:       time.Now,
	}
}

// IsQuarantined reports whether the domain is currently banned. Expired
// entries are pruned on read.
func (q *DomainQuarantine) IsQuarantined(dom string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeEntryLocked(dom) != nil
}

// GetQuarantineEnd returns when the domain's quarantine expires, or nil when
// it is not quarantined.
func (q *DomainQuarantine) GetQuarantineEnd(dom string) *time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.activeEntryLocked(dom)
	if entry == nil {
		return nil
	}
	end := entry.ExpiresAt
	return &end
}

// QuarantineDomain bans a domain. A zero durationMinutes derives the duration
// from the reason table; a Retry-After hint wins when it implies a longer
// wait. The per-domain retry attempt counter increments on every quarantine.
func (q *DomainQuarantine) QuarantineDomain(
	dom, reason string,
	durationMinutes int,
	retryAfterSeconds int,
	metadata map[string]string,
) {
	q.mu.Lock()
	defer q.mu.Unlock()

	duration := time.Duration(durationMinutes) * time.Minute
	if durationMinutes <= 0 {
		duration = reasonDuration(reason)
	}
	if retryAfter := time.Duration(retryAfterSeconds) * time.Second; retryAfter > duration {
		duration = retryAfter
	}

	q.retryAttempts[dom]++
	now := q.nowFunc()
	q.entries[dom] = &domain.QuarantineEntry{
		Domain:        dom,
		Reason:        reason,
		RetryAttempt:  q.retryAttempts[dom],
		RetryAfterSec: retryAfterSeconds,
		QuarantinedAt: now,
		ExpiresAt:     now.Add(duration),
		Metadata:      metadata,
	}

	q.log.Warn("domain quarantined",
		"domain", dom,
		"reason", reason,
		"duration", duration,
		"retry_attempt", q.retryAttempts[dom],
	)
}

// GetBackoffDelay returns the fixed schedule delay for a retry attempt:
// 0, 5s, 30s, 300s, then 3600s for every later attempt.
func GetBackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		return 0
	}
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// RecordErrorEvent appends one HTTP error to the domain's rolling event log
// and quarantines implicitly when the 429 or 5xx trigger threshold is reached
// inside its window.
func (q *DomainQuarantine) RecordErrorEvent(dom string, reasonCode int) {
	q.mu.Lock()

	now := q.nowFunc()
	events := append(q.events[dom], errorEvent{at: now, reasonCode: reasonCode})

	// Keep only events still inside the widest trigger window.
	cutoff := now.Add(-rateLimitTriggerWindow)
	for len(events) > 0 && events[0].at.Before(cutoff) {
		events = events[1:]
	}
	q.events[dom] = events

	trigger := ""
	switch {
	case countSince(events, 429, now.Add(-rateLimitTriggerWindow)) >= rateLimitTriggerCount:
		trigger = domain.QuarantineReasonRateLimited429
	case countServerErrSince(events, now.Add(-serverErrTriggerWindow)) >= serverErrTriggerCount:
		trigger = domain.QuarantineReasonServerError5xx
	}
	q.mu.Unlock()

	if trigger != "" {
		q.QuarantineDomain(dom, trigger, 0, 0, nil)
		q.clearEvents(dom)
	}
}

// ReleaseQuarantine lifts a ban immediately.
func (q *DomainQuarantine) ReleaseQuarantine(dom string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.entries, dom)
	q.log.Info("quarantine released", "domain", dom)
}

// ResetRetryAttempts zeroes the domain's backoff position, typically after a
// successful fetch.
func (q *DomainQuarantine) ResetRetryAttempts(dom string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.retryAttempts, dom)
}

// RetryAttempt returns the domain's current position in the backoff schedule.
func (q *DomainQuarantine) RetryAttempt(dom string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retryAttempts[dom]
}

// Snapshot returns all active entries for the status API.
func (q *DomainQuarantine) Snapshot() []domain.QuarantineEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowFunc()
	out := make([]domain.QuarantineEntry, 0, len(q.entries))
	for dom, entry := range q.entries {
		if entry.Expired(now) {
			// Same pruning as activeEntryLocked: expiry also resets the
			// backoff schedule position.
			delete(q.entries, dom)
			delete(q.retryAttempts, dom)
			continue
		}
		out = append(out, *entry)
	}
	return out
}

// activeEntryLocked returns the domain's entry, pruning it if expired.
func (q *DomainQuarantine) activeEntryLocked(dom string) *domain.QuarantineEntry {
	entry, ok := q.entries[dom]
	if !ok {
		return nil
	}
	if entry.Expired(q.nowFunc()) {
		delete(q.entries, dom)
		// Expiry resets the schedule position per the data model.
		delete(q.retryAttempts, dom)
		return nil
	}
	return entry
}

// clearEvents drops the domain's event log after an implicit trigger fired.
func (q *DomainQuarantine) clearEvents(dom string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.events, dom)
}

// countSince counts events with the given code at or after cutoff.
func countSince(events []errorEvent, code int, cutoff time.Time) int {
	n := 0
	for _, e := range events {
		if e.reasonCode == code && !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// countServerErrSince counts 5xx events at or after cutoff.
func countServerErrSince(events []errorEvent, cutoff time.Time) int {
	n := 0
	for _, e := range events {
		if e.reasonCode >= 500 && e.reasonCode <= 599 && !e.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// reasonDuration maps a reason to its default duration.
func reasonDuration(reason string) time.Duration {
	if d, ok := reasonDurations[reason]; ok {
		return d
	}
	return durationServerError
}
