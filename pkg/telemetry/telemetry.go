// Package telemetry provides the observability stack for the realmbridge
// kernel: zerolog structured logging, OpenTelemetry tracing, and Prometheus
// metrics, wired together behind one Telemetry value.
package telemetry

import (
	"context"
	"time"
)

// Telemetry combines logging, tracing, and metrics for injection into kernel
// components.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// New creates a telemetry instance from configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}, nil
}

// Nop returns a telemetry instance that records nothing. Used as the default
// when a component is constructed without telemetry.
func Nop() *Telemetry {
	tracer, _ := NewTracer(TracingConfig{Enabled: false}, "realmbridge", "dev", "test")
	metrics, _ := NewMetrics(MetricsConfig{Enabled: false})
	return &Telemetry{
		Logger:  NewNopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Config:  &Config{},
	}
}

// Shutdown flushes and stops telemetry exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Timer measures elapsed time for recording durations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
