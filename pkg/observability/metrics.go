package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Audit writer metrics
	RecordsAppendedTotal    *prometheus.CounterVec
	AppendFailuresTotal     *prometheus.CounterVec
	AppendRetriesTotal      prometheus.Counter
	AppendDuration          prometheus.Histogram
	RedactionFallbacksTotal *prometheus.CounterVec
	DeadLettersTotal        *prometheus.CounterVec
	DeadLetterErrorsTotal   *prometheus.CounterVec
	DispatchQueueDepth      prometheus.Gauge

	// Event source metrics
	ChangeEventsTotal *prometheus.CounterVec

	// Retention metrics
	RetentionRunsTotal    *prometheus.CounterVec
	RetentionDeletedTotal prometheus.Counter
	RetentionBatchesTotal prometheus.Counter

	// Backup metrics
	BackupRunsTotal *prometheus.CounterVec
	BackupState     prometheus.Gauge

	// Identity lifecycle metrics
	IdentityHooksTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auditd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		RecordsAppendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_records_appended_total",
				Help: "Total number of audit records appended to the store",
			},
			[]string{"collection", "operation"},
		),
		AppendFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_append_failures_total",
				Help: "Total number of audit records that could not be appended after all attempts",
			},
			[]string{"collection"},
		),
		AppendRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auditd_append_retries_total",
				Help: "Total number of append retries",
			},
		),
		AppendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditd_append_duration_seconds",
				Help:    "Audit append duration in seconds, including retries",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		RedactionFallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_redaction_fallbacks_total",
				Help: "Total number of records degraded to a minimal record",
			},
			[]string{"collection", "reason"},
		),
		DeadLettersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_dead_letters_total",
				Help: "Total number of audit records handed to the dead-letter sink",
			},
			[]string{"sink", "reason"},
		),
		DeadLetterErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_dead_letter_errors_total",
				Help: "Total number of dead-letter writes that failed",
			},
			[]string{"sink"},
		),
		DispatchQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditd_dispatch_queue_depth",
				Help: "Number of notifications waiting for a dispatch worker",
			},
		),

		ChangeEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_change_events_total",
				Help: "Total number of change notifications received from the document store",
			},
			[]string{"collection", "kind"},
		),

		RetentionRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_retention_runs_total",
				Help: "Total number of retention sweep runs",
			},
			[]string{"status"},
		),
		RetentionDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auditd_retention_deleted_total",
				Help: "Total number of audit records deleted by the retention sweeper",
			},
		),
		RetentionBatchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "auditd_retention_batches_total",
				Help: "Total number of retention delete batches",
			},
		),

		BackupRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_backup_runs_total",
				Help: "Total number of backup trigger runs",
			},
			[]string{"status"},
		),
		BackupState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditd_backup_state",
				Help: "Backup trigger state (0 idle, 1 requesting, 2 started, 3 failed)",
			},
		),

		IdentityHooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditd_identity_hooks_total",
				Help: "Total number of identity lifecycle hook invocations",
			},
			[]string{"hook", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RecordsAppendedTotal,
		m.AppendFailuresTotal,
		m.AppendRetriesTotal,
		m.AppendDuration,
		m.RedactionFallbacksTotal,
		m.DeadLettersTotal,
		m.DeadLetterErrorsTotal,
		m.DispatchQueueDepth,
		m.ChangeEventsTotal,
		m.RetentionRunsTotal,
		m.RetentionDeletedTotal,
		m.RetentionBatchesTotal,
		m.BackupRunsTotal,
		m.BackupState,
		m.IdentityHooksTotal,
	)

	return m
}

func (m *Metrics) RecordAppended(collection, operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.RecordsAppendedTotal.WithLabelValues(collection, operation).Inc()
	m.AppendDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordAppendFailure(collection string) {
	if m == nil {
		return
	}
	m.AppendFailuresTotal.WithLabelValues(collection).Inc()
}

func (m *Metrics) RecordAppendRetry() {
	if m == nil {
		return
	}
	m.AppendRetriesTotal.Inc()
}

func (m *Metrics) RecordRedactionFallback(collection, reason string) {
	if m == nil {
		return
	}
	m.RedactionFallbacksTotal.WithLabelValues(collection, reason).Inc()
}

func (m *Metrics) RecordDeadLetter(sink, reason string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.DeadLetterErrorsTotal.WithLabelValues(sink).Inc()
		return
	}
	m.DeadLettersTotal.WithLabelValues(sink, reason).Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.DispatchQueueDepth.Set(float64(n))
}

func (m *Metrics) RecordChangeEvent(collection, kind string) {
	if m == nil {
		return
	}
	m.ChangeEventsTotal.WithLabelValues(collection, kind).Inc()
}

func (m *Metrics) RecordRetentionRun(status string, deleted int64, batches int) {
	if m == nil {
		return
	}
	m.RetentionRunsTotal.WithLabelValues(status).Inc()
	m.RetentionDeletedTotal.Add(float64(deleted))
	m.RetentionBatchesTotal.Add(float64(batches))
}

func (m *Metrics) RecordBackupRun(status string) {
	if m == nil {
		return
	}
	m.BackupRunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SetBackupState(state int) {
	if m == nil {
		return
	}
	m.BackupState.Set(float64(state))
}

func (m *Metrics) RecordIdentityHook(hook, status string) {
	if m == nil {
		return
	}
	m.IdentityHooksTotal.WithLabelValues(hook, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
