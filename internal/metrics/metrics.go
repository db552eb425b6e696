package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. All methods are
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	LogsIngested      *prometheus.CounterVec
	LogsRejected      *prometheus.CounterVec
	AnalysisRuns      *prometheus.CounterVec
	AnalysisDuration  prometheus.Histogram
	ThreatsDetected   *prometheus.CounterVec
	FailedPartitions  prometheus.Counter
	DuplicatesSkipped prometheus.Counter
	NotifyErrors      *prometheus.CounterVec
	HTTPRequests      *prometheus.CounterVec
}

// NewMetrics registers every collector on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		LogsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_logs_ingested_total",
			Help: "Total number of log events stored, by source",
		}, []string{"source"}),
		LogsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_logs_rejected_total",
			Help: "Total number of log events rejected at ingestion, by source",
		}, []string{"source"}),
		AnalysisRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_analysis_runs_total",
			Help: "Total number of analysis runs, by mode and outcome",
		}, []string{"mode", "outcome"}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatwatch_analysis_duration_seconds",
			Help:    "Wall time of analysis runs",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ThreatsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_threats_detected_total",
			Help: "Total number of newly stored threats, by type and severity",
		}, []string{"threat_type", "severity"}),
		FailedPartitions: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_failed_partitions_total",
			Help: "Total number of user partitions skipped after a rule failure",
		}),
		DuplicatesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatwatch_duplicate_verdicts_total",
			Help: "Total number of verdicts whose fingerprint was already stored",
		}),
		NotifyErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_notify_errors_total",
			Help: "Total number of failed threat notifications, by sink",
		}, []string{"sink"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "threatwatch_http_requests_total",
			Help: "Total number of API requests, by method, route and status",
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncLogsIngested(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LogsIngested.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) IncLogsRejected(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LogsRejected.WithLabelValues(source).Add(float64(n))
}

func (m *Metrics) ObserveRun(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisRuns.WithLabelValues(mode, outcome).Inc()
	m.AnalysisDuration.Observe(d.Seconds())
}

func (m *Metrics) IncThreat(threatType, severity string) {
	if m == nil {
		return
	}
	m.ThreatsDetected.WithLabelValues(threatType, severity).Inc()
}

func (m *Metrics) IncFailedPartitions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FailedPartitions.Add(float64(n))
}

func (m *Metrics) IncDuplicates(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.DuplicatesSkipped.Add(float64(n))
}

func (m *Metrics) IncNotifyErrors(sink string) {
	if m == nil {
		return
	}
	m.NotifyErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncHTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
