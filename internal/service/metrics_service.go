package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the token
// subsystem and the HTTP surface in front of it.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	tokensIssued    prometheus.Counter
	tokensRotated   prometheus.Counter
	tokensRevoked   prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_cache_hits_total",
		Help: "Total live-session probes that found a session",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_cache_misses_total",
		Help: "Total live-session probes that found no session",
	})

	tokensIssued := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_issued_total",
		Help: "Total access/refresh pairs issued",
	})

	tokensRotated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_rotated_total",
		Help: "Total successful refresh-token rotations",
	})

	tokensRevoked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tokens_revoked_total",
		Help: "Total refresh tokens force-revoked",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheHits, cacheMisses, tokensIssued, tokensRotated, tokensRevoked, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		tokensIssued:    tokensIssued,
		tokensRotated:   tokensRotated,
		tokensRevoked:   tokensRevoked,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordSessionProbe records the outcome of one live-session check.
func (m *MetricsService) RecordSessionProbe(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// RecordTokenIssued counts one issued access/refresh pair.
func (m *MetricsService) RecordTokenIssued() {
	if m == nil {
		return
	}
	m.tokensIssued.Inc()
}

// RecordTokenRotated counts one successful rotation.
func (m *MetricsService) RecordTokenRotated() {
	if m == nil {
		return
	}
	m.tokensRotated.Inc()
}

// RecordTokensRevoked counts force-revoked refresh tokens.
func (m *MetricsService) RecordTokensRevoked(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensRevoked.Add(float64(n))
}
