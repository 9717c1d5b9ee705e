// Package blockdetect classifies fetch responses into outcomes the worker
// loop acts on. Classification is pure: status code plus body markers in,
// outcome out.
package blockdetect

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Outcome of classifying one fetch response.
type Outcome string

const (
	// OutcomeOK means the page is usable.
	OutcomeOK Outcome = "ok"
	// OutcomeBlocked means the site refused us (403, bot wall, access denied).
	OutcomeBlocked Outcome = "blocked"
	// OutcomeCaptcha means a CAPTCHA challenge was served.
	OutcomeCaptcha Outcome = "captcha"
	// OutcomeRateLimited means a 429 was returned.
	OutcomeRateLimited Outcome = "rate_limited"
	// OutcomeTransient means a retryable server or network condition.
	OutcomeTransient Outcome = "transient"
)

// Result carries the outcome plus hints extracted from the response.
type Result struct {
	Outcome    Outcome
	StatusCode int
	// RetryAfter is the parsed Retry-After hint, zero when absent.
	RetryAfter time.Duration
	// Marker names which body signature matched, empty for status-only
	// classifications.
	Marker string
}

// Body signatures checked case-insensitively. Kept short on purpose; every
// marker here has shown up in real blocked responses.
var captchaMarkers = []string{
	"g-recaptcha",
	"recaptcha",
	"h-captcha",
	"captcha-delivery",
	"are you a robot",
	"verify you are human",
}

var blockMarkers = []string{
	"access denied",
	"attention required",
	"request blocked",
	"unusual traffic",
	"automated queries",
	"perimeterx",
	"px-captcha",
}

// maxScanBytes bounds how much of the body is scanned for markers.
const maxScanBytes = 64 * 1024

// Classify maps a response to an outcome. Body may be nil; header may be nil.
func Classify(statusCode int, body []byte, header http.Header) Result {
	result := Result{StatusCode: statusCode}
	if header != nil {
		result.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}

	if len(body) > maxScanBytes {
		body = body[:maxScanBytes]
	}
	lower := bytes.ToLower(body)

	// CAPTCHA markers win regardless of status: challenge pages often come
	// back as 200.
	if marker := firstMarker(lower, captchaMarkers); marker != "" {
		result.Outcome = OutcomeCaptcha
		result.Marker = marker
		return result
	}

	switch {
	case statusCode == http.StatusForbidden:
		result.Outcome = OutcomeBlocked
	case statusCode == http.StatusTooManyRequests:
		result.Outcome = OutcomeRateLimited
	case statusCode >= 500 && statusCode <= 599:
		result.Outcome = OutcomeTransient
	case statusCode >= 200 && statusCode <= 299:
		if marker := firstMarker(lower, blockMarkers); marker != "" {
			result.Outcome = OutcomeBlocked
			result.Marker = marker
		} else {
			result.Outcome = OutcomeOK
		}
	default:
		result.Outcome = OutcomeTransient
	}
	return result
}

// AntiBot reports whether the outcome should pause the domain rather than be
// charged against the target's retry budget.
func (o Outcome) AntiBot() bool {
	return o == OutcomeBlocked || o == OutcomeCaptcha || o == OutcomeRateLimited
}

func firstMarker(lowerBody []byte, markers []string) string {
	for _, m := range markers {
		if bytes.Contains(lowerBody, []byte(m)) {
			return m
		}
	}
	return ""
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
