// Package fetch implements a resilient single-resource HTTP GET with bounded
// redirects, retries before the first body byte, ranged reconnects after it,
// and an idle timeout per attempt.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Client issues resilient GET requests. A Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	policy     Policy
	header     http.Header
	logger     *slog.Logger
	observer   Observer
	proxy      *url.URL
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient uses hc for transport. Its redirect handling is replaced so
// that redirects are counted by the fetch policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			cp := *hc
			c.httpClient = &cp
		}
	}
}

// WithLogger sets the logger used for lifecycle debug logs.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(c *Client) {
		c.observer = o
	}
}

// WithHeader adds default headers sent with every request.
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

// WithProxy routes requests through the given proxy URL.
func WithProxy(proxy *url.URL) Option {
	return func(c *Client) {
		c.proxy = proxy
	}
}

// NewClient creates a client with the given recovery policy.
func NewClient(policy Policy, opts ...Option) (*Client, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch policy: %w", err)
	}

	c := &Client{
		policy: policy,
		header: make(http.Header),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		}
	}
	if c.proxy != nil {
		var tr *http.Transport
		switch t := c.httpClient.Transport.(type) {
		case nil:
			tr = http.DefaultTransport.(*http.Transport).Clone()
		case *http.Transport:
			tr = t.Clone()
		default:
			return nil, fmt.Errorf("proxy requires an *http.Transport, got %T", t)
		}
		tr.Proxy = http.ProxyURL(c.proxy)
		c.httpClient.Transport = tr
	}
	c.httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return c, nil
}

// Policy returns the client's recovery policy.
func (c *Client) Policy() Policy {
	return c.policy
}

// Fetch starts a GET for rawURL and returns once the first successful response
// headers arrived. The returned Response streams the body; it must be closed.
// A Range header in header is honored and preserved across reconnects.
func (c *Client) Fetch(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &Response{
		client:   c,
		id:       uuid.New(),
		ctx:      ctx,
		cancel:   cancel,
		header:   make(http.Header),
		expected: -1,
		rangeEnd: -1,
	}
	r.loc.Store(u)
	for k, vs := range header {
		if http.CanonicalHeaderKey(k) == "Range" {
			continue
		}
		r.header[k] = append([]string(nil), vs...)
	}
	if rng := header.Get("Range"); rng != "" {
		start, end, err := parseRange(rng)
		if err != nil {
			cancel()
			return nil, err
		}
		r.hasRange = true
		r.rangeStart, r.rangeEnd = start, end
	}

	if err := r.connect(); err != nil {
		r.settle()
		cancel()
		return nil, err
	}
	return r, nil
}

func (c *Client) emit(e Event) {
	c.logger.Debug("fetch "+e.Kind.String(),
		"id", e.RequestID,
		"url", e.URL,
		"attempt", e.Attempt,
		"status", e.Status,
		"delay", e.Delay,
		"received", e.Received,
		"error", e.Err)
	if c.observer != nil {
		c.observer(e)
	}
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q in %s", ErrInvalidURL, u.Scheme, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", ErrInvalidURL, rawURL)
	}
	return u, nil
}

// parseRange accepts the single-range forms "bytes=a-b" and "bytes=a-".
func parseRange(v string) (start, end int64, err error) {
	var s, e int64 = 0, -1
	n, scanErr := fmt.Sscanf(v, "bytes=%d-%d", &s, &e)
	if n == 0 {
		return 0, 0, fmt.Errorf("malformed range header %q", v)
	}
	if n == 1 {
		e = -1
	} else if scanErr != nil || e < s {
		return 0, 0, fmt.Errorf("malformed range header %q", v)
	}
	return s, e, nil
}
