package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Authorization metrics
	DecisionsTotal        *prometheus.CounterVec
	DecisionDuration      *prometheus.HistogramVec
	GrantRowsWritten      prometheus.Counter
	DelegationChecksTotal *prometheus.CounterVec
	RoleApplicationsTotal *prometheus.CounterVec
	StoreErrorsTotal      *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grantline_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grantline_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "route"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_authz_decisions_total",
				Help: "Total number of enforcement decisions",
			},
			[]string{"outcome", "reason"},
		),
		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grantline_authz_decision_duration_seconds",
				Help:    "Time spent deciding a request",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
			[]string{"outcome"},
		),
		GrantRowsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "grantline_grant_rows_written_total",
				Help: "Total number of access type rows written by grants",
			},
		),
		DelegationChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_delegation_checks_total",
				Help: "Total number of delegation eligibility checks",
			},
			[]string{"result"},
		),
		RoleApplicationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_role_applications_total",
				Help: "Total number of role template applications",
			},
			[]string{"role", "status"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_store_errors_total",
				Help: "Total number of permission store failures",
			},
			[]string{"operation"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_cache_hits_total",
				Help: "Total number of decision cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_cache_misses_total",
				Help: "Total number of decision cache misses",
			},
			[]string{"cache_type"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grantline_cache_invalidations_total",
				Help: "Total number of per-user cache invalidations",
			},
			[]string{"cache_type"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grantline_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grantline_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "grantline_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.DecisionsTotal,
		m.DecisionDuration,
		m.GrantRowsWritten,
		m.DelegationChecksTotal,
		m.RoleApplicationsTotal,
		m.StoreErrorsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
	)

	return m
}

// RecordDecision counts one enforcement decision
func (m *Metrics) RecordDecision(outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(outcome, reason).Inc()
	m.DecisionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordGrantRows adds n to the written grant row counter
func (m *Metrics) RecordGrantRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GrantRowsWritten.Add(float64(n))
}

// RecordDelegationCheck counts one delegation eligibility result
func (m *Metrics) RecordDelegationCheck(allowed bool) {
	if m == nil {
		return
	}
	result := "denied"
	if allowed {
		result = "allowed"
	}
	m.DelegationChecksTotal.WithLabelValues(result).Inc()
}

// RecordRoleApplication counts one role application
func (m *Metrics) RecordRoleApplication(role string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.RoleApplicationsTotal.WithLabelValues(role, status).Inc()
}

// RecordStoreError counts one failed store operation
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(op).Inc()
}

// RecordCacheHit counts a cache hit or miss for the given cache type
func (m *Metrics) RecordCacheHit(cacheType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		return
	}
	m.CacheMissesTotal.WithLabelValues(cacheType).Inc()
}

// RecordCacheInvalidation counts one per-user invalidation
func (m *Metrics) RecordCacheInvalidation(cacheType string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(cacheType).Inc()
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the matched mux path template so that labels stay bounded
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler returns the /metrics handler for the registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
