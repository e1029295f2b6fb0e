// Package transport issues HTTP requests against resolved service endpoints
// and reports every failure as a *TransportError.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/BadgerOps/localconsole/internal/safety"
)

// ErrTransport is matched by every *TransportError
var ErrTransport = errors.New("transport failure")

// DefaultMaxBodySize caps response bodies read by Do
const DefaultMaxBodySize = 10 << 20

// Options configures a Client.
type Options struct {
	Timeout     time.Duration // per attempt, 0 uses the hardened client default
	RetryCount  int           // extra attempts after the first; 0 disables retries
	MaxBodySize int64         // 0 uses DefaultMaxBodySize
	UserAgent   string
}

// Response is a successful (2xx) response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Duration   time.Duration
}

// Client performs HTTP requests with optional retry and bounded body reads.
type Client struct {
	httpClient  *http.Client
	logger      *slog.Logger
	userAgent   string
	retryCount  int
	maxBodySize int64
	backoffFunc func(attempt int) time.Duration
}

// NewClient creates a new transport client
func NewClient(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "localconsole/1.0"
	}
	return &Client{
		httpClient:  safety.NewHTTPClient(opts.Timeout),
		logger:      logger,
		userAgent:   opts.UserAgent,
		retryCount:  opts.RetryCount,
		maxBodySize: opts.MaxBodySize,
		backoffFunc: calculateBackoffDelay,
	}
}

// Get issues a GET request
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil)
}

// Post issues a POST request with a JSON body
func (c *Client) Post(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, body)
}

// Put issues a PUT request with a JSON body
func (c *Client) Put(ctx context.Context, url string, body []byte) (*Response, error) {
	return c.Do(ctx, http.MethodPut, url, body)
}

// Delete issues a DELETE request
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, url, nil)
}

// Do sends a request and returns the response body for any 2xx status.
// Connection failures, timeouts and non-2xx statuses come back as
// *TransportError. Idempotent methods are retried with exponential backoff
// when the client was built with a RetryCount.
func (c *Client) Do(ctx context.Context, method, url string, body []byte) (*Response, error) {
	startTime := time.Now()

	attempts := 1
	if isIdempotent(method) {
		attempts += c.retryCount
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.attempt(ctx, method, url, body)
		if err == nil {
			resp.Attempts = attempt
			resp.Duration = time.Since(startTime)
			return resp, nil
		}

		lastErr = err
		if attempt == attempts || !retryable(ctx, err) {
			break
		}

		delay := c.backoffFunc(attempt)
		c.logger.Debug("retrying request", "method", method, "url", url, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &TransportError{Method: method, URL: url, Err: ctx.Err()}
		}
	}

	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte) (*Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, Err: err}
	}
	defer resp.Body.Close()

	data, err := safety.ReadLimited(resp.Body, c.maxBodySize)
	if err != nil {
		return nil, &TransportError{Method: method, URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{
			Method:     method,
			URL:        url,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// retryable reports whether a failed attempt is worth repeating.
// 4xx responses other than 429 are final.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode >= 400 && te.StatusCode < 500 && te.StatusCode != http.StatusTooManyRequests {
		return false
	}
	return true
}

// calculateBackoffDelay calculates exponential backoff with jitter.
// Base delay is 500ms, doubles each attempt, plus random jitter up to half the delay.
func calculateBackoffDelay(attempt int) time.Duration {
	baseDelay := 500 * time.Millisecond
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * baseDelay
	maxJitter := exponentialDelay / 2
	jitter := time.Duration(rand.Int63n(int64(maxJitter)))
	return exponentialDelay + jitter
}

// TransportError is a network-level or HTTP-status failure
type TransportError struct {
	Method     string
	URL        string
	StatusCode int // 0 when no response was received
	Status     string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: http error %d: %s", e.Method, e.URL, e.StatusCode, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }
