// Package health probes the configured services' /health endpoints.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BadgerOps/localconsole/internal/metrics"
	"github.com/BadgerOps/localconsole/internal/transport"
	"golang.org/x/sync/singleflight"
)

// Status of a monitored service
type Status string

const (
	StatusOnline   Status = "ONLINE"
	StatusOffline  Status = "OFFLINE"
	StatusChecking Status = "CHECKING"
)

// ServiceStatus is the latest known state of one service
type ServiceStatus struct {
	Name      string         `json:"name"`
	URL       string         `json:"url,omitempty"`
	Status    Status         `json:"status"`
	Latency   *time.Duration `json:"-"`
	LatencyMs *int64         `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at,omitempty"`
}

// Resolver maps a service key to its base URL
type Resolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// Getter issues the probe request
type Getter interface {
	Get(ctx context.Context, url string) (*transport.Response, error)
}

// Monitor tracks one ServiceStatus per configured service. At most one probe
// per service is in flight; overlapping CheckAll calls share it.
type Monitor struct {
	services []string
	resolver Resolver
	client   Getter
	timeout  time.Duration
	logger   *slog.Logger

	mu       sync.RWMutex
	statuses map[string]ServiceStatus

	inflight singleflight.Group
}

// NewMonitor creates a monitor for the given service keys
func NewMonitor(services []string, resolver Resolver, client Getter, timeout time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	keys := make([]string, len(services))
	copy(keys, services)
	return &Monitor{
		services: keys,
		resolver: resolver,
		client:   client,
		timeout:  timeout,
		logger:   logger,
		statuses: make(map[string]ServiceStatus, len(keys)),
	}
}

// Services returns the monitored service keys
func (m *Monitor) Services() []string {
	out := make([]string, len(m.services))
	copy(out, m.services)
	return out
}

// CheckAll probes every service concurrently and returns the resulting
// statuses. Probe failures are recorded as OFFLINE, never returned.
func (m *Monitor) CheckAll(ctx context.Context) []ServiceStatus {
	var wg sync.WaitGroup
	for _, name := range m.services {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			m.Check(ctx, name)
		}(name)
	}
	wg.Wait()

	return m.Statuses()
}

// Check probes a single service, joining an in-flight probe if there is one.
// The probe is shared, so it runs detached from ctx's cancellation and is
// bounded by the monitor timeout only.
func (m *Monitor) Check(ctx context.Context, name string) ServiceStatus {
	v, _, shared := m.inflight.Do(name, func() (interface{}, error) {
		return m.probe(context.WithoutCancel(ctx), name), nil
	})
	if shared {
		m.logger.Debug("joined in-flight health probe", "service", name)
	}
	return v.(ServiceStatus)
}

func (m *Monitor) probe(ctx context.Context, name string) ServiceStatus {
	m.set(ServiceStatus{Name: name, Status: StatusChecking})

	base, err := m.resolver.Resolve(ctx, name)
	if err != nil {
		st := ServiceStatus{Name: name, Status: StatusOffline, Error: err.Error(), CheckedAt: time.Now()}
		m.set(st)
		metrics.ServiceUp.WithLabelValues(name).Set(0)
		m.logger.Warn("health check skipped", "service", name, "error", err)
		return st
	}

	url := base + "/health"
	m.set(ServiceStatus{Name: name, URL: url, Status: StatusChecking})

	reqCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	_, err = m.client.Get(reqCtx, url)
	elapsed := time.Since(start)
	ms := elapsed.Milliseconds()

	st := ServiceStatus{
		Name:      name,
		URL:       url,
		Status:    StatusOnline,
		Latency:   &elapsed,
		LatencyMs: &ms,
		CheckedAt: time.Now(),
	}
	if err != nil {
		st.Status = StatusOffline
		st.Error = err.Error()
	}
	m.set(st)

	metrics.ServiceUp.WithLabelValues(name).Set(metrics.BoolGauge(err == nil))
	metrics.HealthProbeDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		m.logger.Warn("service unhealthy", "service", name, "url", url, "latency", elapsed, "error", err)
	} else {
		m.logger.Debug("service healthy", "service", name, "url", url, "latency", elapsed)
	}
	return st
}

func (m *Monitor) set(st ServiceStatus) {
	m.mu.Lock()
	m.statuses[st.Name] = st
	m.mu.Unlock()
}

// Statuses returns a copy of every known status, sorted by name
func (m *Monitor) Statuses() []ServiceStatus {
	m.mu.RLock()
	out := make([]ServiceStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Status returns the latest status of one service
func (m *Monitor) Status(name string) (ServiceStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	return st, ok
}

// Run calls CheckAll immediately and then on every interval until ctx is done
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.logger.Info("health monitor started", "services", len(m.services), "interval", interval)

	m.CheckAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.CheckAll(ctx)
		}
	}
}
