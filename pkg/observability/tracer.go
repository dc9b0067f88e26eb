// Package observability provides request tracing for pipeline operations.
//
// A Tracer wraps an OpenTelemetry tracer provider and hands out lightweight
// Span values whose attributes are batched until End. Tracers are constructed
// per system instance and shut down with it; there is no process-global state.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cascade-io/cascade/pkg/config"
)

// Tracer creates spans for pipeline operations. A disabled Tracer hands out
// non-recording spans, so callers never need to branch on tracing state.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	enabled  bool
}

// NewTracer creates a Tracer for the named service. When tracing is disabled
// in the configuration the returned Tracer is a cheap no-op.
func NewTracer(serviceName string, cfg config.ObservabilityConfig) (*Tracer, error) {
	if !cfg.EnableTracing {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	if cfg.TracingSampleRate <= 0 {
		sampler = sdktrace.NeverSample()
	} else if cfg.TracingSampleRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else {
		sampler = sdktrace.TraceIDRatioBased(cfg.TracingSampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
		sdktrace.WithBatcher(exporter),
	)

	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer(serviceName),
		enabled:  true,
	}, nil
}

// Enabled reports whether spans are recorded.
func (t *Tracer) Enabled() bool {
	return t.enabled
}

// Start begins a span for the named operation.
func (t *Tracer) Start(ctx context.Context, operation string) (context.Context, *Span) {
	ctx, span := t.tracer.Start(ctx, operation)

	return ctx, &Span{
		span:      span,
		startTime: time.Now(),
	}
}

// TraceOperation runs fn inside a span, recording its outcome and duration.
func (t *Tracer) TraceOperation(ctx context.Context, operation string, fn func(context.Context) error) error {
	ctx, span := t.Start(ctx, operation)
	defer span.End()

	err := fn(ctx)
	span.SetAttribute("duration_ms", time.Since(span.startTime).Milliseconds())
	span.RecordOutcome(err)

	return err
}

// Shutdown flushes buffered spans and releases the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Span represents a tracing span with performance optimizations.
type Span struct {
	span       trace.Span
	startTime  time.Time
	attributes []attribute.KeyValue
}

// SetAttribute adds an attribute to the span (batched for performance).
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent adds an event to the span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetStatus sets the span status.
func (s *Span) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

// RecordOutcome marks the span failed or successful based on err.
func (s *Span) RecordOutcome(err error) {
	if err != nil {
		s.span.SetStatus(codes.Error, err.Error())
		s.SetAttribute("error", true)
		s.SetAttribute("error.message", err.Error())
		return
	}
	s.span.SetStatus(codes.Ok, "")
}

// End flushes batched attributes and ends the span.
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}
