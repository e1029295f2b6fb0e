package endpoint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/BadgerOps/localconsole/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:", testLogger())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// brokenStore fails every call, like a store that is unavailable
type brokenStore struct{}

func (brokenStore) GetAPIConfiguration(string) (*store.APIConfiguration, error) {
	return nil, errors.New("database is locked")
}
func (brokenStore) ListAPIConfigurations() ([]store.APIConfiguration, error) {
	return nil, errors.New("database is locked")
}
func (brokenStore) SetAPIConfiguration(string, string) error { return errors.New("database is locked") }
func (brokenStore) DeleteAPIConfiguration(string) error      { return errors.New("database is locked") }

var static = map[string]string{
	"api":  "http://127.0.0.1:3000/",
	"auth": "http://127.0.0.1:3001",
}

func TestResolveLocalWinsOverStatic(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetAPIConfiguration("api", "https://api.example.com/"); err != nil {
		t.Fatalf("SetAPIConfiguration() failed: %v", err)
	}

	r := NewResolver(s, static, testLogger())

	url, source, err := r.ResolveSource(context.Background(), "api")
	if err != nil {
		t.Fatalf("ResolveSource() failed: %v", err)
	}
	if url != "https://api.example.com" || source != SourceLocal {
		t.Errorf("ResolveSource() = %q, %q; want local override", url, source)
	}
}

func TestResolveFallsBackToStatic(t *testing.T) {
	tests := []struct {
		name  string
		local LocalStore
		setup func(*store.Store)
	}{
		{"absent locally", nil, nil},
		{"empty local value", nil, func(s *store.Store) { _ = s.SetAPIConfiguration("api", "  ") }},
		{"local store failing", brokenStore{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := tt.local
			if local == nil {
				s := newTestStore(t)
				if tt.setup != nil {
					tt.setup(s)
				}
				local = s
			}

			r := NewResolver(local, static, testLogger())
			url, err := r.Resolve(context.Background(), "api")
			if err != nil {
				t.Fatalf("Resolve() failed: %v", err)
			}
			if url != "http://127.0.0.1:3000" {
				t.Errorf("Resolve() = %q, want static value without trailing slash", url)
			}
		})
	}
}

func TestResolveNotConfigured(t *testing.T) {
	for _, local := range []LocalStore{nil, brokenStore{}, newTestStore(t)} {
		r := NewResolver(local, static, testLogger())

		_, err := r.Resolve(context.Background(), "billing")
		if !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("Resolve() error = %v, want ErrNotConfigured", err)
		}

		var nc *NotConfiguredError
		if !errors.As(err, &nc) || nc.Key != "billing" {
			t.Errorf("error = %#v, want NotConfiguredError naming billing", err)
		}
	}
}

func TestResolverCopiesStaticTable(t *testing.T) {
	table := map[string]string{"api": "http://a"}
	r := NewResolver(nil, table, testLogger())
	table["api"] = "http://b"

	url, err := r.Resolve(context.Background(), "api")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if url != "http://a" {
		t.Errorf("Resolve() = %q, want http://a", url)
	}
}

func TestKeysAndTable(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s, static, testLogger())

	if err := r.Set("crm", "https://crm.example.com/"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	keys := r.Keys()
	want := []string{"api", "auth", "crm"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("Keys() = %v, want %v", keys, want)
		}
	}

	table := r.Table(context.Background())
	if table[2].Source != SourceLocal || table[2].URL != "https://crm.example.com" {
		t.Errorf("crm entry = %+v", table[2])
	}
	if table[0].Source != SourceStatic {
		t.Errorf("api entry = %+v", table[0])
	}

	if r.Keys()[0] != "api" {
		t.Error("Keys() not sorted")
	}
}

func TestSetValidatesURL(t *testing.T) {
	r := NewResolver(newTestStore(t), static, testLogger())

	for _, bad := range []string{"ftp://host", "not a url", "https://user:pw@host", "http://"} {
		if err := r.Set("api", bad); err == nil {
			t.Errorf("Set(%q) succeeded, want error", bad)
		}
	}
	if err := r.Set("", "http://host"); err == nil {
		t.Error("Set() with empty key succeeded")
	}
}

func TestUnsetRestoresStatic(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s, static, testLogger())

	if err := r.Set("auth", "https://auth.example.com"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := r.Unset("auth"); err != nil {
		t.Fatalf("Unset() failed: %v", err)
	}
	if err := r.Unset("auth"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Unset() error = %v, want ErrNotFound", err)
	}

	url, err := r.Resolve(context.Background(), "auth")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if url != "http://127.0.0.1:3001" {
		t.Errorf("Resolve() = %q, want static value", url)
	}
}
