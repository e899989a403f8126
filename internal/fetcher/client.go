// Package fetcher provides the HTTP client used for sitemap and detail-page
// retrieval: bounded timeouts, retry with exponential backoff and jitter,
// and batched fetching with inter-batch pacing.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carsight/worker/internal/config"
	"github.com/carsight/worker/internal/logger"
)

// Error kinds carried by RequestError.
const (
	ErrKindTimeout    = "timeout"
	ErrKindConnection = "connection"
	ErrKindDNS        = "dns"
	ErrKindHTTP4xx    = "http_4xx"
	ErrKindHTTP429    = "http_429"
	ErrKindHTTP5xx    = "http_5xx"
)

// HTTP status boundaries used by the retry policy.
const (
	statusTooManyReqs  = 429
	statusClientErrLow = 400
	statusServerErrLow = 500
)

// maxResponseBodyBytes limits the size of fetched responses.
const maxResponseBodyBytes = 10 * 1024 * 1024 // 10 MB

// RequestError describes a failed HTTP request after the retry policy has
// been exhausted (or for errors that are never retried).
type RequestError struct {
	URL        string
	StatusCode int
	Kind       string
	Retryable  bool
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("request %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("request %s: %s: %v", e.URL, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *RequestError) Unwrap() error { return e.Err }

// Response is a fully read HTTP response.
type Response struct {
	Body       []byte
	StatusCode int
	// FinalURL is the URL after redirects; detail pages that redirect to
	// the search page indicate a removed listing.
	FinalURL string
}

// Client fetches URLs with retries. Safe for concurrent use.
type Client struct {
	httpClient   *http.Client
	log          logger.Interface
	userAgent    string
	maxRetries   int
	backoff      time.Duration
	jitter       time.Duration
	requestDelay time.Duration
}

// NewClient creates a fetch client from scraper configuration. Connect and
// read timeouts are enforced separately via the dialer and the response
// header timeout rather than a single end-to-end timeout.
func NewClient(cfg config.ScraperConfig, log logger.Interface) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   cfg.Concurrency,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			// Hard ceiling covering redirects and body reads.
			Timeout: cfg.ConnectTimeout + 2*cfg.ReadTimeout,
		},
		log:          log,
		userAgent:    cfg.UserAgent,
		maxRetries:   cfg.MaxRetries,
		backoff:      cfg.Backoff,
		jitter:       cfg.BackoffJitter,
		requestDelay: cfg.RequestDelay,
	}
}

// GetOptions tweaks the behavior of a single Get call.
type GetOptions struct {
	// Allow404 returns the 404 response instead of an error, so callers
	// can treat a vanished page as a signal rather than a failure.
	Allow404 bool
}

// Get fetches a URL with the retry policy. On DNS resolution failure the
// request is re-issued once against the www-toggled host, which works
// around stale records the source site occasionally serves.
func (c *Client) Get(ctx context.Context, rawURL string, opts GetOptions) (*Response, error) {
	resp, err := c.getWithRetries(ctx, rawURL, opts)
	if err == nil {
		return resp, nil
	}

	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Kind != ErrKindDNS {
		return nil, err
	}

	fallback := toggleWWWHost(rawURL)
	if fallback == "" {
		return nil, err
	}

	c.log.Warn("DNS resolution failed, retrying with fallback host",
		"url", rawURL, "fallback_url", fallback)
	return c.getWithRetries(ctx, fallback, opts)
}

func (c *Client) getWithRetries(ctx context.Context, rawURL string, opts GetOptions) (*Response, error) {
	var lastErr *RequestError

	// Callers building a Client by hand may leave maxRetries at zero;
	// always issue at least one attempt.
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.doRequest(ctx, rawURL, opts)
		if err == nil {
			if c.requestDelay > 0 {
				sleepCtx(ctx, c.requestDelay)
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}

		if !errors.As(err, &lastErr) {
			return nil, err
		}
		if !lastErr.Retryable || attempt == attempts {
			break
		}

		wait := c.backoffFor(attempt)
		c.log.Warn("request failed, retrying",
			"url", rawURL,
			"attempt", attempt,
			"max_retries", c.maxRetries,
			"error", lastErr.Error(),
			"wait", wait,
		)
		if !sleepCtx(ctx, wait) {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
	}

	return nil, lastErr
}

// doRequest issues a single HTTP GET and classifies any failure.
func (c *Client) doRequest(ctx context.Context, rawURL string, opts GetOptions) (*Response, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if reqErr != nil {
		return nil, fmt.Errorf("create request: %w", reqErr)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, classifyTransportError(rawURL, doErr)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if readErr != nil {
		return nil, &RequestError{URL: rawURL, Kind: ErrKindConnection, Retryable: true, Err: readErr}
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && opts.Allow404:
		return &Response{Body: body, StatusCode: resp.StatusCode, FinalURL: finalURL}, nil
	case resp.StatusCode >= statusServerErrLow:
		return nil, &RequestError{URL: rawURL, StatusCode: resp.StatusCode, Kind: ErrKindHTTP5xx, Retryable: true}
	case resp.StatusCode == statusTooManyReqs:
		return nil, &RequestError{URL: rawURL, StatusCode: resp.StatusCode, Kind: ErrKindHTTP429, Retryable: true}
	case resp.StatusCode >= statusClientErrLow:
		return nil, &RequestError{URL: rawURL, StatusCode: resp.StatusCode, Kind: ErrKindHTTP4xx, Retryable: false}
	}

	return &Response{Body: body, StatusCode: resp.StatusCode, FinalURL: finalURL}, nil
}

// backoffFor returns base * 2^(attempt-1) plus uniform jitter.
func (c *Client) backoffFor(attempt int) time.Duration {
	wait := c.backoff << (attempt - 1)
	if c.jitter > 0 {
		wait += time.Duration(rand.Int63n(int64(c.jitter)))
	}
	return wait
}

func classifyTransportError(rawURL string, err error) *RequestError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &RequestError{URL: rawURL, Kind: ErrKindDNS, Retryable: false, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RequestError{URL: rawURL, Kind: ErrKindTimeout, Retryable: true, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RequestError{URL: rawURL, Kind: ErrKindTimeout, Retryable: true, Err: err}
	}

	return &RequestError{URL: rawURL, Kind: ErrKindConnection, Retryable: true, Err: err}
}

// toggleWWWHost returns the URL with a www. prefix added or removed, or ""
// when the host cannot be toggled.
func toggleWWWHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}

	host := parsed.Host
	if strings.HasPrefix(strings.ToLower(host), "www.") {
		parsed.Host = host[4:]
	} else {
		parsed.Host = "www." + host
	}
	return parsed.String()
}

// sleepCtx sleeps for d or until ctx is done. Returns false when cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
