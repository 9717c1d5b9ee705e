package domain

import "time"

// Quarantine reason constants.
const (
	QuarantineReasonForbidden403   = "FORBIDDEN_403"
	QuarantineReasonRateLimited429 = "RATE_LIMITED_429"
	QuarantineReasonServerError5xx = "SERVER_ERROR_5XX"
	QuarantineReasonCaptcha        = "CAPTCHA_DETECTED"
	QuarantineReasonBotDetected    = "BOT_DETECTED"
	QuarantineReasonManual         = "MANUAL"
)

// QuarantineEntry records a temporary ban on contacting a domain.
type QuarantineEntry struct {
	Domain        string `json:"domain"`
	Reason        string `json:"reason"`
	RetryAttempt  int    `json:"retry_attempt"`
	RetryAfterSec int    `json:"retry_after_seconds,omitempty"`

	QuarantinedAt time.Time `json:"quarantined_at"`
	ExpiresAt     time.Time `json:"expires_at"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the quarantine has lapsed at the given time.
func (e *QuarantineEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
