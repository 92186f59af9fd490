// Package fetch downloads web pages (framework docs, issue threads,
// changelogs) and reduces them to readable text for the agent.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/tracewise/internal/httpkit"
)

const (
	// DefaultTimeout bounds one page download.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes caps the response body read (5 MB).
	DefaultMaxBytes int64 = 5 << 20

	// DefaultMaxChars caps the extracted text returned to the model.
	DefaultMaxChars = 20000
)

// Page is the readable form of one fetched URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code"`
	Chars       int    `json:"chars"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads and extracts pages. Safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes sets the body read limit.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{maxBytes: DefaultMaxBytes}
	for _, o := range opts {
		o(f)
	}
	if f.client == nil {
		f.client = httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout))
	}
	return f
}

// normalizeURL adds a scheme to bare hosts and rejects anything that
// is not http or https.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}

// Fetch downloads rawURL and extracts its text, keeping at most
// maxChars runes (0 selects DefaultMaxChars). Non-2xx responses are
// errors carrying a short body excerpt.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("fetch %s: status %d: %s", target, resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	ct := resp.Header.Get("Content-Type")
	page := &Page{URL: target, ContentType: ct, StatusCode: resp.StatusCode}

	switch mediaType(ct) {
	case "text/html", "application/xhtml+xml":
		page.Title, page.Content = extract(body)
	default:
		if !utf8.Valid(body) {
			page.Content = fmt.Sprintf("[binary content: %s, %d bytes]", ct, len(body))
			page.Chars = utf8.RuneCountInString(page.Content)
			return page, nil
		}
		page.Content = string(body)
	}

	page.Content, page.Truncated = clip(page.Content, maxChars)
	page.Chars = utf8.RuneCountInString(page.Content)
	return page, nil
}

func mediaType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	}
	return mt
}

// clip cuts s to at most n runes.
func clip(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
