package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultMaxBody caps a fetched page (10 MiB).
const DefaultMaxBody int64 = 10 << 20

// Fetcher loads pages with a single HTTP GET. No scripts run, so there is
// no computed visibility and no in-memory frame content beyond srcdoc.
type Fetcher struct {
	client       *http.Client
	ua           string
	maxBody      int64
	allowPrivate bool
	logger       *slog.Logger
}

// FetchOption configures a Fetcher.
type FetchOption func(*Fetcher)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) FetchOption { return func(f *Fetcher) { f.client = c } }

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetchOption { return func(f *Fetcher) { f.ua = ua } }

// WithMaxBody caps the response size.
func WithMaxBody(n int64) FetchOption { return func(f *Fetcher) { f.maxBody = n } }

// WithAllowPrivate disables the private-address guard (tests, intranets).
func WithAllowPrivate(allow bool) FetchOption { return func(f *Fetcher) { f.allowPrivate = allow } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FetchOption { return func(f *Fetcher) { f.logger = l } }

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetchOption) *Fetcher {
	f := &Fetcher{
		client:  &http.Client{Timeout: 30 * time.Second},
		ua:      "Mozilla/5.0 (compatible; docreplace/1.0)",
		maxBody: DefaultMaxBody,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Load GETs pageURL.
func (f *Fetcher) Load(ctx context.Context, pageURL string) (*Page, error) {
	if !f.allowPrivate {
		if err := ValidateURL(pageURL); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("source: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: get %s: %w", pageURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("source: get %s: status %d", pageURL, resp.StatusCode)
	}
	body, err := LimitedReadAll(resp.Body, f.maxBody)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", pageURL, err)
	}

	final := pageURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	f.logger.Debug("source: fetched", "url", final, "status", resp.StatusCode, "size", len(body))
	return &Page{URL: final, HTML: string(body)}, nil
}
