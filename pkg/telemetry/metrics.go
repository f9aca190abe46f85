package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the realmbridge kernel. All record
// methods are no-ops when metrics are disabled.
type Metrics struct {
	config MetricsConfig

	// Router metrics
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec

	// Saga metrics
	sagasStarted    prometheus.Counter
	sagasCompleted  *prometheus.CounterVec
	sagaDuration    *prometheus.HistogramVec
	sagaTransitions *prometheus.CounterVec
	compensations   *prometheus.CounterVec

	// WAL metrics
	walWrites *prometheus.CounterVec

	// Registry metrics
	liveCapabilities *prometheus.GaugeVec

	// Trace store metrics
	traceWriteFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_total",
				Help:      "Total number of routed capability invocations",
			},
			[]string{"realm", "capability", "outcome"},
		),
		invocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_seconds",
				Help:      "Duration of routed capability invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"realm", "capability"},
		),

		sagasStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_started_total",
				Help:      "Total number of sagas started",
			},
		),
		sagasCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sagas_completed_total",
				Help:      "Total number of sagas reaching a terminal status",
			},
			[]string{"status"},
		),
		sagaDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "saga_duration_seconds",
				Help:      "Duration of saga execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		sagaTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_transitions_total",
				Help:      "Total number of saga status transitions",
			},
			[]string{"from", "to"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compensations_total",
				Help:      "Total number of compensating invocations",
			},
			[]string{"outcome"},
		),

		walWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wal_writes_total",
				Help:      "Total number of WAL writes by kind",
			},
			[]string{"kind"},
		),

		liveCapabilities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_capabilities",
				Help:      "Current number of live registered capabilities per realm",
			},
			[]string{"realm"},
		),

		traceWriteFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trace_write_failures_total",
				Help:      "Total number of execution trace events that failed to persist",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.invocations, m.invocationDuration,
		m.sagasStarted, m.sagasCompleted, m.sagaDuration, m.sagaTransitions,
		m.compensations, m.walWrites, m.liveCapabilities, m.traceWriteFailures,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordInvocation records one routed invocation with its outcome
// ("ok" or an error kind) and duration.
func (m *Metrics) RecordInvocation(realm, capability, outcome string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.invocations.WithLabelValues(realm, capability, outcome).Inc()
	m.invocationDuration.WithLabelValues(realm, capability).Observe(d.Seconds())
}

// RecordSagaStarted records the start of a saga.
func (m *Metrics) RecordSagaStarted() {
	if m.registry == nil {
		return
	}
	m.sagasStarted.Inc()
}

// RecordSagaCompleted records a saga reaching a terminal status.
func (m *Metrics) RecordSagaCompleted(status string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.sagasCompleted.WithLabelValues(status).Inc()
	m.sagaDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordSagaTransition records one saga status transition.
func (m *Metrics) RecordSagaTransition(from, to string) {
	if m.registry == nil {
		return
	}
	m.sagaTransitions.WithLabelValues(from, to).Inc()
}

// RecordCompensation records one compensating invocation outcome
// ("ok", "failed" or "skipped").
func (m *Metrics) RecordCompensation(outcome string) {
	if m.registry == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

// RecordWALWrite records one WAL write ("append", "commit" or "rollback").
func (m *Metrics) RecordWALWrite(kind string) {
	if m.registry == nil {
		return
	}
	m.walWrites.WithLabelValues(kind).Inc()
}

// SetLiveCapabilities sets the live capability gauge for a realm.
func (m *Metrics) SetLiveCapabilities(realm string, n float64) {
	if m.registry == nil {
		return
	}
	m.liveCapabilities.WithLabelValues(realm).Set(n)
}

// RecordTraceWriteFailure records a trace event that could not be persisted.
func (m *Metrics) RecordTraceWriteFailure() {
	if m.registry == nil {
		return
	}
	m.traceWriteFailures.Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// It returns immediately; the server runs until the process exits.
func (m *Metrics) StartMetricsServer() error {
	if m.registry == nil {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	go func() {
		_ = http.ListenAndServe(m.config.ListenAddress, mux)
	}()

	return nil
}
