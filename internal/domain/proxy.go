package domain

import (
	"fmt"
	"time"
)

// ProxyInfo describes one egress proxy and its rolling health counters.
// The pool owns all mutation; workers hold a copy for the duration of a fetch.
type ProxyInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`

	// FailureStreak counts consecutive failures since the last success.
	FailureStreak int `json:"failure_streak"`

	BlacklistedUntil *time.Time `json:"blacklisted_until,omitempty"`
}

// Addr returns the host:port address of the proxy.
func (p *ProxyInfo) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// URL returns the proxy URL including credentials when present.
func (p *ProxyInfo) URL() string {
	if p.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s:%d", p.Username, p.Password, p.Host, p.Port)
	}
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// SuccessRate returns the fraction of successful uses, or zero when unused.
func (p *ProxyInfo) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// Blacklisted reports whether the proxy is blacklisted at the given time.
func (p *ProxyInfo) Blacklisted(now time.Time) bool {
	return p.BlacklistedUntil != nil && now.Before(*p.BlacklistedUntil)
}
