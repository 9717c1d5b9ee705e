// Package fetcher fetches and parses result pages through the proxy pool.
package fetcher

import "time"

// Default configuration values.
const (
	defaultRequestTimeout = 30 * time.Second
	defaultMaxRedirects   = 5
	defaultPageParam      = "page"

	// defaultMaxBodyBytes limits the size of fetched page responses.
	defaultMaxBodyBytes = 10 * 1024 * 1024 // 10 MB
)

// defaultUserAgents rotates per request when the config supplies none.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// Config holds fetcher configuration.
type Config struct {
	UserAgents     []string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	MaxRedirects   int

	// PageParam is the query parameter carrying the page number when a
	// target has no explicit next-page URL.
	PageParam string
}

// WithDefaults returns a copy of the config with default values applied for
// zero-value fields.
func (c Config) WithDefaults() Config {
	if len(c.UserAgents) == 0 {
		c.UserAgents = defaultUserAgents
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = defaultMaxRedirects
	}
	if c.PageParam == "" {
		c.PageParam = defaultPageParam
	}
	return c
}
