package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the console
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	GuardDecisionsTotal *prometheus.CounterVec

	// Feature flag metrics
	FlagEvaluationsTotal    *prometheus.CounterVec
	FlagEvaluationErrors    *prometheus.CounterVec
	FlagMutationsTotal      *prometheus.CounterVec
	FlagLookupPath          *prometheus.GaugeVec
	FlagCacheResultsTotal   *prometheus.CounterVec
	StoreOperationsTotal    *prometheus.CounterVec
	StoreOperationDuration  *prometheus.HistogramVec
	StoreConflictRetryTotal *prometheus.CounterVec

	// Audit metrics
	AuditWritesTotal        *prometheus.CounterVec
	AuditWriteFailuresTotal *prometheus.CounterVec

	// Rate limiting metrics
	RateLimitDecisionsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "console_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		GuardDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_guard_decisions_total",
				Help: "Authorization guard decisions by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),
		FlagEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_flag_evaluations_total",
				Help: "Feature flag evaluations by result",
			},
			[]string{"result"},
		),
		FlagEvaluationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_flag_evaluation_errors_total",
				Help: "Feature flag evaluations that failed closed",
			},
			[]string{"reason"},
		),
		FlagMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_flag_mutations_total",
				Help: "Feature flag administrative mutations",
			},
			[]string{"operation", "status"},
		),
		FlagLookupPath: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "console_flag_lookup_path",
				Help: "Selected flag evaluation path (1 = active)",
			},
			[]string{"path"},
		),
		FlagCacheResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_flag_cache_results_total",
				Help: "Flag cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_store_operations_total",
				Help: "Flag store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "console_store_operation_duration_seconds",
				Help:    "Flag store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		StoreConflictRetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_store_conflict_retries_total",
				Help: "Transaction retries caused by serialization or lock failures",
			},
			[]string{"operation"},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_audit_writes_total",
				Help: "Audit log entries appended",
			},
			[]string{"action"},
		),
		AuditWriteFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_audit_write_failures_total",
				Help: "Audit log entries that could not be appended",
			},
			[]string{"action"},
		),
		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "console_rate_limit_decisions_total",
				Help: "Rate limiter decisions by scope and result",
			},
			[]string{"scope", "result"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GuardDecisionsTotal,
		m.FlagEvaluationsTotal,
		m.FlagEvaluationErrors,
		m.FlagMutationsTotal,
		m.FlagLookupPath,
		m.FlagCacheResultsTotal,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.StoreConflictRetryTotal,
		m.AuditWritesTotal,
		m.AuditWriteFailuresTotal,
		m.RateLimitDecisionsTotal,
	)

	return m
}

// NewTestMetrics returns metrics bound to a fresh private registry
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStoreOperation records a store call and its latency
func (m *Metrics) RecordStoreOperation(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordGuardDecision records an authorization outcome
func (m *Metrics) RecordGuardDecision(capability, outcome string) {
	if m == nil {
		return
	}
	m.GuardDecisionsTotal.WithLabelValues(capability, outcome).Inc()
}

// RecordEvaluation records the boolean outcome of a flag evaluation
func (m *Metrics) RecordEvaluation(result bool) {
	if m == nil {
		return
	}
	m.FlagEvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// RecordEvaluationError records an evaluation that failed closed
func (m *Metrics) RecordEvaluationError(reason string) {
	if m == nil {
		return
	}
	m.FlagEvaluationErrors.WithLabelValues(reason).Inc()
}

// RecordMutation records an administrative flag mutation
func (m *Metrics) RecordMutation(operation string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.FlagMutationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordCacheResult records a cache hit or miss for a tier
func (m *Metrics) RecordCacheResult(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.FlagCacheResultsTotal.WithLabelValues(tier, result).Inc()
}

// RecordConflictRetry records a retried transaction
func (m *Metrics) RecordConflictRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreConflictRetryTotal.WithLabelValues(operation).Inc()
}

// SetLookupPath marks the active evaluation path
func (m *Metrics) SetLookupPath(active string, paths ...string) {
	if m == nil {
		return
	}
	for _, p := range paths {
		v := 0.0
		if p == active {
			v = 1
		}
		m.FlagLookupPath.WithLabelValues(p).Set(v)
	}
}

// RecordAuditWrite records an audit append outcome
func (m *Metrics) RecordAuditWrite(action string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.AuditWriteFailuresTotal.WithLabelValues(action).Inc()
		return
	}
	m.AuditWritesTotal.WithLabelValues(action).Inc()
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware records request count and latency. routeName maps a request
// to a low-cardinality route label.
func (m *Metrics) HTTPMiddleware(routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RecordRateLimit records a limiter decision: allowed, limited or error
func (m *Metrics) RecordRateLimit(scope, result string) {
	if m == nil {
		return
	}
	m.RateLimitDecisionsTotal.WithLabelValues(scope, result).Inc()
}
