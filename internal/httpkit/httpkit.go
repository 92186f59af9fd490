// Package httpkit builds the HTTP clients used for outbound calls. There
// are two profiles: NewClient for tool traffic (web pages, the GitHub
// API), where a slow server should fail fast, and NewModelClient for
// model providers, where a non-streaming reply can take minutes before
// the first header byte and the caller's context is the real bound.
//
// Clients built here never retry. Model calls are not retried inside the
// agent core; retry policy belongs to whoever hosts it.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/tracewise/internal/buildinfo"
)

// Transport defaults.
const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second

	// DefaultResponseHeader bounds the wait for response headers on
	// tool traffic.
	DefaultResponseHeader = 15 * time.Second

	// DefaultClientTimeout bounds a whole tool request.
	DefaultClientTimeout = 30 * time.Second

	DefaultMaxIdleConns        = 20
	DefaultMaxIdleConnsPerHost = 5
)

// ClientOption configures a client built by NewClient or NewModelClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout        time.Duration
	headerTimeout  time.Duration
	userAgent      string
	skipUserAgent  bool
	transport      *http.Transport
	maxIdlePerHost int
}

// WithTimeout sets the overall request timeout. Zero disables it.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithHeaderTimeout sets the response header timeout on the built
// transport. Zero disables it. Ignored with WithTransport.
func WithHeaderTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.headerTimeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithoutUserAgent leaves the User-Agent header to the caller.
func WithoutUserAgent() ClientOption {
	return func(c *clientConfig) { c.skipUserAgent = true }
}

// WithTransport replaces the built transport, e.g. in tests.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// NewTransport creates a transport with the package defaults and the
// given response header timeout.
func NewTransport(headerTimeout time.Duration, maxIdlePerHost int) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client for tool traffic: a 30s overall timeout
// and a 15s header timeout.
func NewClient(opts ...ClientOption) *http.Client {
	return build(&clientConfig{
		timeout:        DefaultClientTimeout,
		headerTimeout:  DefaultResponseHeader,
		userAgent:      buildinfo.UserAgent(),
		maxIdlePerHost: DefaultMaxIdleConnsPerHost,
	}, opts)
}

// NewModelClient builds a client for model providers. It has no
// overall or header timeout, so callers must pass a context with a
// deadline. Tool rounds send several calls to one host back to back,
// so more idle connections are kept per host.
func NewModelClient(opts ...ClientOption) *http.Client {
	return build(&clientConfig{
		userAgent:      buildinfo.UserAgent(),
		maxIdlePerHost: DefaultMaxIdleConns,
	}, opts)
}

func build(cfg *clientConfig, opts []ClientOption) *http.Client {
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport(cfg.headerTimeout, cfg.maxIdlePerHost)
	}

	var rt http.RoundTripper = t
	if !cfg.skipUserAgent {
		rt = &userAgentTransport{base: t, ua: cfg.userAgent}
	}
	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

// userAgentTransport sets User-Agent on requests that lack one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body for
// messages, then drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
