package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/leadharvest/bizcrawl/internal/domain"
	"github.com/leadharvest/bizcrawl/internal/logger"
	"github.com/leadharvest/bizcrawl/internal/worker"
)

// ErrTooManyRedirects is returned when the redirect hop limit is exceeded.
var ErrTooManyRedirects = errors.New("too many redirects")

// Parser turns one raw result page into listing records plus pagination
// hints. Parsers are source-specific; the fetcher only moves bytes.
type Parser interface {
	ParsePage(target *domain.Target, page int, body []byte) ([]domain.Listing, *string, bool, error)
}

// HTTPFetcher fetches result pages over HTTP through a per-target proxy and
// hands the body to its Parser. It implements worker.PageFetcher.
type HTTPFetcher struct {
	cfg    Config
	parser Parser
	log    logger.Interface

	uaCounter atomic.Int64

	// One client per proxy so connection pools are not rebuilt per page.
	mu      sync.Mutex
	clients map[string]*http.Client
}

// New creates a fetcher.
func New(cfg Config, parser Parser, log logger.Interface) *HTTPFetcher {
	return &HTTPFetcher{
		cfg:     cfg.WithDefaults(),
		parser:  parser,
		log:     log,
		clients: make(map[string]*http.Client),
	}
}

// FetchPage retrieves one page of a target. Non-2xx responses are returned
// with their body for classification, not as errors; only transport failures
// error out.
func (f *HTTPFetcher) FetchPage(
	ctx context.Context,
	target *domain.Target,
	page int,
	proxy *domain.ProxyInfo,
) (*worker.PageResult, error) {
	pageURL, err := f.pageURL(target, page)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", pageURL, err)
	}
	req.Header.Set("User-Agent", f.nextUserAgent())
	req.Header.Set("Accept", "text/html,application/json;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client(proxy).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body for %s: %w", pageURL, err)
	}

	result := &worker.PageResult{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return result, nil
	}

	records, nextPageURL, hasMore, parseErr := f.parser.ParsePage(target, page, body)
	if parseErr != nil {
		// A body that fetched fine but will not parse is a data problem, not
		// a transport one; the typed wrapper keeps the two apart upstream.
		return nil, &worker.DataError{
			Page: page,
			Err:  fmt.Errorf("failed to parse %s: %w", pageURL, parseErr),
		}
	}

	for i := range records {
		records[i].TargetID = target.ID
		records[i].PageNumber = page
	}

	result.Records = records
	result.NextPageURL = nextPageURL
	result.HasMore = hasMore
	return result, nil
}

// pageURL resolves the URL for a page: the checkpointed next-page URL when
// resuming exactly there, otherwise the primary URL with the page parameter.
func (f *HTTPFetcher) pageURL(target *domain.Target, page int) (string, error) {
	if target.NextPageURL != nil && page == target.ResumePage() {
		return *target.NextPageURL, nil
	}

	u, err := url.Parse(target.PrimaryURL)
	if err != nil {
		return "", fmt.Errorf("invalid target URL %q: %w", target.PrimaryURL, err)
	}
	if page > 1 {
		q := u.Query()
		q.Set(f.cfg.PageParam, strconv.Itoa(page))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// client returns the cached HTTP client for a proxy, creating it on first
// use.
func (f *HTTPFetcher) client(proxy *domain.ProxyInfo) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.Addr()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c
	}

	transport := &http.Transport{}
	if proxy != nil {
		if proxyURL, err := url.Parse(proxy.URL()); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		} else {
			f.log.Warn("invalid proxy url, fetching direct", "proxy", proxy.Addr())
		}
	}

	c := &http.Client{
		Timeout:       f.cfg.RequestTimeout,
		Transport:     transport,
		CheckRedirect: redirectPolicy(f.cfg.MaxRedirects),
	}
	f.clients[key] = c
	return c
}

func (f *HTTPFetcher) nextUserAgent() string {
	n := f.uaCounter.Add(1)
	return f.cfg.UserAgents[int(n)%len(f.cfg.UserAgents)]
}

// redirectPolicy follows redirects until maxHops, then stops with
// ErrTooManyRedirects. Block walls that redirect in a loop hit this instead
// of the default limit of 10.
func redirectPolicy(maxHops int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if maxHops > 0 && len(via) >= maxHops {
			return ErrTooManyRedirects
		}
		return nil
	}
}
