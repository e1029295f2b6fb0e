package safety

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestJoinUnder(t *testing.T) {
	root := t.TempDir()

	got, err := JoinUnder(root, "exports/backup.json.zst")
	if err != nil {
		t.Fatalf("JoinUnder returned error: %v", err)
	}
	if got != filepath.Join(root, "exports", "backup.json.zst") {
		t.Fatalf("JoinUnder = %q", got)
	}

	for _, bad := range []string{"", ".", "../escape.json", "a/../../escape.json", "/abs/backup.json"} {
		if _, err := JoinUnder(root, bad); err == nil {
			t.Errorf("JoinUnder(%q) succeeded, want error", bad)
		}
	}
}

func TestReadLimited(t *testing.T) {
	_, err := ReadLimited(strings.NewReader("abc"), 2)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	data, err := ReadLimited(strings.NewReader("abc"), 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "abc" {
		t.Fatalf("unexpected data: %q", string(data))
	}

	if _, err := ReadLimited(strings.NewReader("abc"), 0); err == nil {
		t.Fatal("expected error for zero limit")
	}
}

func TestParseBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://127.0.0.1:3000", want: "http://127.0.0.1:3000"},
		{in: " https://api.example.com/ ", want: "https://api.example.com"},
		{in: "https://api.example.com/v1//", want: "https://api.example.com/v1"},
		{in: "ftp://host", wantErr: true},
		{in: "not a url", wantErr: true},
		{in: "http://", wantErr: true},
		{in: "https://user:pw@host", wantErr: true},
		{in: "https://host/?debug=1", wantErr: true},
		{in: "https://host/#top", wantErr: true},
	}

	for _, tt := range tests {
		u, err := ParseBaseURL(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseBaseURL(%q) = %v, want error", tt.in, u)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseBaseURL(%q) error: %v", tt.in, err)
			continue
		}
		if u.String() != tt.want {
			t.Errorf("ParseBaseURL(%q) = %q, want %q", tt.in, u.String(), tt.want)
		}
	}
}

func TestIsLoopbackHost(t *testing.T) {
	tests := map[string]bool{
		"http://localhost:3000":      true,
		"http://api.localhost":       true,
		"http://127.0.0.1:8080":      true,
		"http://[::1]:8080":          true,
		"http://10.0.0.5:3000":       false,
		"https://console.example.io": false,
	}
	for raw, want := range tests {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := IsLoopbackHost(u); got != want {
			t.Errorf("IsLoopbackHost(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestHTTPClientStopsRedirectLoops(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	client := NewHTTPClient(2 * time.Second)
	resp, err := client.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected redirect loop to fail")
	}
	if got := hits.Load(); got != maxRedirects {
		t.Fatalf("server saw %d requests, want %d", got, maxRedirects)
	}
}

func TestCheckRedirectRefusesDowngrade(t *testing.T) {
	prev, _ := http.NewRequest(http.MethodGet, "https://secure.example.com/health", nil)
	next, _ := http.NewRequest(http.MethodGet, "http://secure.example.com/health", nil)

	if err := checkRedirect(next, []*http.Request{prev}); err == nil {
		t.Fatal("expected https to http redirect to be refused")
	}

	same, _ := http.NewRequest(http.MethodGet, "https://other.example.com/health", nil)
	if err := checkRedirect(same, []*http.Request{prev}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
