// Package metrics holds the Prometheus collectors shared by the services.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EndpointResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "localconsole_endpoint_resolutions_total",
			Help: "Endpoint resolutions by the tier that answered (local, static, none)",
		},
		[]string{"source"},
	)

	ServiceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "localconsole_service_up",
			Help: "1 if the last health probe of the service succeeded",
		},
		[]string{"service"},
	)

	HealthProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "localconsole_health_probe_seconds",
			Help:    "Health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	ConnectivityOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "localconsole_connectivity_online",
			Help: "1 while the host reports network reachability",
		},
	)

	BackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "localconsole_backups_total",
			Help: "Backup engine operations by kind and outcome",
		},
		[]string{"operation", "status"},
	)

	BackupBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "localconsole_backup_size_bytes",
			Help:    "Size of produced snapshot artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "localconsole_sync_passes_total",
			Help: "Reconciliation passes by outcome",
		},
		[]string{"status"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "localconsole_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "localconsole_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}

// RegisterDBStats exposes database/sql pool statistics as gauges
func RegisterDBStats(stats func() sql.DBStats) {
	prometheus.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "localconsole_db_open_connections",
			Help: "Number of established database connections",
		}, func() float64 {
			return float64(stats().OpenConnections)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "localconsole_db_in_use_connections",
			Help: "Number of database connections currently in use",
		}, func() float64 {
			return float64(stats().InUse)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "localconsole_db_wait_count",
			Help: "Total number of waits for a database connection",
		}, func() float64 {
			return float64(stats().WaitCount)
		}),
	)
}

// Middleware records request counts and latencies. pattern maps a request to
// a low-cardinality route label.
func Middleware(pattern func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if pattern != nil {
			if p := pattern(r); p != "" {
				path = p
			}
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// BoolGauge converts a flag to a gauge value
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
