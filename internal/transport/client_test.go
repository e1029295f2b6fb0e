package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient creates a client with zero-delay backoff for fast tests.
func newTestClient(opts Options) *Client {
	c := NewClient(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.backoffFunc = func(attempt int) time.Duration { return 0 }
	return c
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Options{}, nil)

	if c.httpClient == nil {
		t.Fatal("expected httpClient to be initialized")
	}
	if c.userAgent != "localconsole/1.0" {
		t.Errorf("userAgent = %q", c.userAgent)
	}
	if c.maxBodySize != DefaultMaxBodySize {
		t.Errorf("maxBodySize = %d", c.maxBodySize)
	}
	if c.retryCount != 0 {
		t.Errorf("retryCount = %d, want 0", c.retryCount)
	}
}

func TestMethods(t *testing.T) {
	var gotMethod, gotBody, gotContentType, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotContentType = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := newTestClient(Options{UserAgent: "test-agent"})
	ctx := context.Background()

	tests := []struct {
		name   string
		call   func() (*Response, error)
		method string
		body   string
	}{
		{"get", func() (*Response, error) { return c.Get(ctx, server.URL) }, http.MethodGet, ""},
		{"post", func() (*Response, error) { return c.Post(ctx, server.URL, []byte(`{"a":1}`)) }, http.MethodPost, `{"a":1}`},
		{"put", func() (*Response, error) { return c.Put(ctx, server.URL, []byte(`{"b":2}`)) }, http.MethodPut, `{"b":2}`},
		{"delete", func() (*Response, error) { return c.Delete(ctx, server.URL) }, http.MethodDelete, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.call()
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			if resp.StatusCode != http.StatusOK || string(resp.Body) != `{"ok":true}` {
				t.Errorf("response = %d %q", resp.StatusCode, resp.Body)
			}
			if gotMethod != tt.method {
				t.Errorf("method = %s, want %s", gotMethod, tt.method)
			}
			if gotBody != tt.body {
				t.Errorf("body = %q, want %q", gotBody, tt.body)
			}
			if tt.body != "" && gotContentType != "application/json" {
				t.Errorf("Content-Type = %q", gotContentType)
			}
			if gotUA != "test-agent" {
				t.Errorf("User-Agent = %q", gotUA)
			}
		})
	}
}

func TestHTTPErrorIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(Options{}).Get(context.Background(), server.URL)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}

	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("error %T is not *TransportError", err)
	}
	if te.StatusCode != http.StatusServiceUnavailable || te.Method != http.MethodGet {
		t.Errorf("TransportError = %+v", te)
	}
	if !strings.Contains(err.Error(), "503") {
		t.Errorf("error message %q should mention status", err.Error())
	}
}

func TestConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(Options{}).Get(context.Background(), url)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
	var te *TransportError
	if errors.As(err, &te) && te.StatusCode != 0 {
		t.Errorf("StatusCode = %d, want 0 for connection failure", te.StatusCode)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	resp, err := newTestClient(Options{RetryCount: 3}).Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if resp.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", resp.Attempts)
	}
}

func TestNoRetryByDefault(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	if _, err := newTestClient(Options{}).Get(context.Background(), server.URL); err == nil {
		t.Fatal("Get() succeeded, want error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestNoRetryOnClientErrorOrPost(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := newTestClient(Options{RetryCount: 5})

	if _, err := c.Get(context.Background(), server.URL); err == nil {
		t.Fatal("Get() succeeded, want 404 error")
	}
	if calls.Load() != 1 {
		t.Errorf("404 calls = %d, want 1", calls.Load())
	}

	calls.Store(0)
	if _, err := c.Post(context.Background(), server.URL, []byte(`{}`)); err == nil {
		t.Fatal("Post() succeeded, want error")
	}
	if calls.Load() != 1 {
		t.Errorf("POST calls = %d, want 1", calls.Load())
	}
}

func TestBodyLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	_, err := newTestClient(Options{MaxBodySize: 16}).Get(context.Background(), server.URL)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
}

func TestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	_, err := newTestClient(Options{Timeout: 50 * time.Millisecond}).Get(context.Background(), server.URL)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want ErrTransport", err)
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		base := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
		d := calculateBackoffDelay(attempt)
		if d < base || d > base+base/2 {
			t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, base, base+base/2)
		}
	}
}
