package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer wraps the OpenTelemetry tracer with realmbridge-specific span
// helpers. The kernel's own TraceContext remains the wire-level envelope;
// these spans mirror it for export to tracing backends.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer with the given configuration.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion, environment string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{
			provider: sdktrace.NewTracerProvider(),
			tracer:   otel.Tracer(serviceName),
			config:   cfg,
		}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		exporter = nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.SamplingRate),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(
			exporter,
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}, nil
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}

	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	opts = append(opts, otlptracegrpc.WithDialOption(
		grpc.WithBlock(),
	))

	return otlptracegrpc.New(context.Background(), opts...)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartSagaSpan starts a span covering a whole saga execution.
func (t *Tracer) StartSagaSpan(ctx context.Context, operationID, traceID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "saga.execute",
		AttrOperationID.String(operationID),
		AttrTraceID.String(traceID),
		attribute.String("span.kind", "saga"),
	)
}

// StartStepSpan starts a span for one saga step.
func (t *Tracer) StartStepSpan(ctx context.Context, operationID, stepName, capability string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "saga.step",
		AttrOperationID.String(operationID),
		AttrStepName.String(stepName),
		AttrCapabilityRef.String(capability),
		attribute.String("span.kind", "step"),
	)
}

// StartRouteSpan starts a span for one routed capability invocation.
func (t *Tracer) StartRouteSpan(ctx context.Context, capabilityRef, traceID string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "route.invoke",
		AttrCapabilityRef.String(capabilityRef),
		AttrTraceID.String(traceID),
		attribute.String("span.kind", "route"),
	)
}

// StartCompensationSpan starts a span for one compensating invocation.
func (t *Tracer) StartCompensationSpan(ctx context.Context, operationID, stepName string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "saga.compensate",
		AttrOperationID.String(operationID),
		AttrStepName.String(stepName),
		attribute.String("span.kind", "compensation"),
	)
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// ForceFlush forces all pending spans to be exported immediately.
func (t *Tracer) ForceFlush(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// Common attribute keys for realmbridge tracing.
var (
	AttrOperationID   = attribute.Key("operation.id")
	AttrTraceID       = attribute.Key("bridge.trace_id")
	AttrSpanID        = attribute.Key("bridge.span_id")
	AttrStepName      = attribute.Key("step.name")
	AttrCapabilityRef = attribute.Key("capability.ref")
	AttrRealm         = attribute.Key("realm")
	AttrErrorKind     = attribute.Key("error.kind")
	AttrSagaStatus    = attribute.Key("saga.status")
)
