// Package endpoint resolves logical service keys to base URLs.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/BadgerOps/localconsole/internal/metrics"
	"github.com/BadgerOps/localconsole/internal/safety"
	"github.com/BadgerOps/localconsole/internal/store"
)

// Resolution sources, also used as metric labels
const (
	SourceLocal  = "local"
	SourceStatic = "static"
	SourceNone   = "none"
)

// ErrNotConfigured is matched by every *NotConfiguredError
var ErrNotConfigured = errors.New("endpoint not configured")

// NotConfiguredError names a key found in neither tier
type NotConfiguredError struct {
	Key string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("no endpoint configured for %q", e.Key)
}

func (e *NotConfiguredError) Is(target error) bool { return target == ErrNotConfigured }

// LocalStore is the mutable configuration tier
type LocalStore interface {
	GetAPIConfiguration(serviceName string) (*store.APIConfiguration, error)
	ListAPIConfigurations() ([]store.APIConfiguration, error)
	SetAPIConfiguration(serviceName, baseURL string) error
	DeleteAPIConfiguration(serviceName string) error
}

// Resolver consults the local store first and the static table second
type Resolver struct {
	local  LocalStore
	static map[string]string
	logger *slog.Logger
}

// NewResolver creates a Resolver. local may be nil, in which case only the
// static table is consulted.
func NewResolver(local LocalStore, static map[string]string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[string]string, len(static))
	for k, v := range static {
		table[k] = v
	}
	return &Resolver{local: local, static: table, logger: logger}
}

// Resolve returns the base URL for key without a trailing slash
func (r *Resolver) Resolve(ctx context.Context, key string) (string, error) {
	url, source, err := r.ResolveSource(ctx, key)
	if err != nil {
		return "", err
	}
	r.logger.Debug("endpoint resolved", "key", key, "source", source, "url", url)
	return url, nil
}

// ResolveSource is Resolve that also reports which tier answered
func (r *Resolver) ResolveSource(ctx context.Context, key string) (string, string, error) {
	if url, ok := r.lookupLocal(ctx, key); ok {
		metrics.EndpointResolutions.WithLabelValues(SourceLocal).Inc()
		return url, SourceLocal, nil
	}

	if url := strings.TrimRight(r.static[key], "/"); url != "" {
		r.logger.Debug("endpoint falling back to static configuration", "key", key)
		metrics.EndpointResolutions.WithLabelValues(SourceStatic).Inc()
		return url, SourceStatic, nil
	}

	metrics.EndpointResolutions.WithLabelValues(SourceNone).Inc()
	r.logger.Debug("endpoint not configured", "key", key)
	return "", SourceNone, &NotConfiguredError{Key: key}
}

// lookupLocal never fails: any store error counts as a miss
func (r *Resolver) lookupLocal(ctx context.Context, key string) (string, bool) {
	if r.local == nil {
		return "", false
	}
	if ctx.Err() != nil {
		r.logger.Debug("local endpoint lookup skipped", "key", key, "error", ctx.Err())
		return "", false
	}

	ac, err := r.local.GetAPIConfiguration(key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Debug("local endpoint lookup failed", "key", key, "error", err)
		}
		return "", false
	}

	url := strings.TrimRight(strings.TrimSpace(ac.BaseURL), "/")
	return url, url != ""
}

// Keys returns the union of static and local keys, sorted
func (r *Resolver) Keys() []string {
	seen := make(map[string]bool, len(r.static))
	for k := range r.static {
		seen[k] = true
	}
	if r.local != nil {
		configs, err := r.local.ListAPIConfigurations()
		if err != nil {
			r.logger.Debug("listing local endpoints failed", "error", err)
		}
		for _, c := range configs {
			seen[c.ServiceName] = true
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry is one row of the resolution table
type Entry struct {
	Key       string `json:"key"`
	URL       string `json:"url,omitempty"`
	Source    string `json:"source"`
	StaticURL string `json:"static_url,omitempty"`
}

// Table resolves every known key
func (r *Resolver) Table(ctx context.Context) []Entry {
	keys := r.Keys()
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		url, source, _ := r.ResolveSource(ctx, k)
		entries = append(entries, Entry{Key: k, URL: url, Source: source, StaticURL: r.static[k]})
	}
	return entries
}

// Set stores a local override after validating it as an http(s) URL
func (r *Resolver) Set(key, baseURL string) error {
	if r.local == nil {
		return fmt.Errorf("no local configuration store")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("service key is required")
	}
	u, err := safety.ParseBaseURL(baseURL)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", key, err)
	}
	if u.Scheme == "http" && !safety.IsLoopbackHost(u) {
		r.logger.Warn("endpoint override uses plain http on a non-loopback host", "key", key, "host", u.Host)
	}
	return r.local.SetAPIConfiguration(key, u.String())
}

// Unset removes a local override so the static value applies again
func (r *Resolver) Unset(key string) error {
	if r.local == nil {
		return fmt.Errorf("no local configuration store")
	}
	return r.local.DeleteAPIConfiguration(key)
}
