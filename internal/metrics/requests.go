package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
)

// Operation labels a façade operation.
type Operation string

const (
	OpCreate      Operation = "create"
	OpGet         Operation = "get"
	OpRecordEvent Operation = "record_event"
	OpRecompute   Operation = "recompute"
	OpRemove      Operation = "remove"
	OpListIDs     Operation = "list_ids"
)

// RequestMetrics counts façade operations by outcome.
type RequestMetrics struct {
	// RequestsTotal labels: operation, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// ErrorsTotal labels: operation, kind (registry error kind)
	ErrorsTotal *prometheus.CounterVec

	// RequestDuration labels: operation
	RequestDuration *prometheus.HistogramVec

	// SchedulerRuns labels: result (recomputed, conflict, missing, timeout, failed)
	SchedulerRuns *prometheus.CounterVec
}

// NewRequestMetrics registers the request metrics with reg.
func NewRequestMetrics(reg prometheus.Registerer) *RequestMetrics {
	f := promauto.With(reg)
	return &RequestMetrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Registry operations by operation and status.",
			},
			[]string{"operation", "status"},
		),
		ErrorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Failed registry operations by operation and error kind.",
			},
			[]string{"operation", "kind"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency of registry operations including write-through persistence.",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		SchedulerRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "recomputes_total",
				Help:      "Background recompute attempts by result.",
			},
			[]string{"result"},
		),
	}
}

// Observe records one finished operation.
func (m *RequestMetrics) Observe(op Operation, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
		m.ErrorsTotal.WithLabelValues(string(op), string(registry.KindOf(err))).Inc()
	}
	m.RequestsTotal.WithLabelValues(string(op), status).Inc()
	m.RequestDuration.WithLabelValues(string(op)).Observe(d.Seconds())
}

// RecordSchedulerRun adds the outcome counts of one scheduler pass.
func (m *RequestMetrics) RecordSchedulerRun(stats registry.RunStats) {
	m.SchedulerRuns.WithLabelValues("recomputed").Add(float64(stats.Recomputed))
	m.SchedulerRuns.WithLabelValues("conflict").Add(float64(stats.Conflicts))
	m.SchedulerRuns.WithLabelValues("missing").Add(float64(stats.Missing))
	m.SchedulerRuns.WithLabelValues("timeout").Add(float64(stats.TimedOut))
	m.SchedulerRuns.WithLabelValues("failed").Add(float64(stats.Failed))
}
