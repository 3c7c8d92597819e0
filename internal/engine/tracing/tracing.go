// Package tracing defines the narrow span contract the dispatch engine
// depends on: start a span, end it, inject trace context into an outbound
// envelope, extract it from an inbound one. The engine never touches the
// tracing SDK beyond these four calls.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer is the collaborator consumed by the traced dispatch path. When no
// tracer is supplied the traced path degrades to no-op spans.
type Tracer interface {
	// StartSpan opens a span as a child of whatever context ctx carries.
	// The returned span must be ended by the caller.
	StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span)

	// Inject writes the trace context from ctx into the carrier headers.
	Inject(ctx context.Context, carrier propagation.TextMapCarrier)

	// Extract returns a context carrying the trace context found in the
	// carrier headers, or ctx unchanged when none is present.
	Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context
}

type otelTracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewOTelTracer returns a Tracer backed by the global OpenTelemetry tracer
// provider, propagating W3C traceparent/tracestate headers.
func NewOTelTracer(instrumentationName string) Tracer {
	return &otelTracer{
		tracer: otel.Tracer(instrumentationName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
}

// NewNoopTracer returns a Tracer whose spans record nothing. Context
// propagation still round-trips headers so correlation survives even with
// tracing compiled out.
func NewNoopTracer() Tracer {
	return &otelTracer{
		tracer:     noop.NewTracerProvider().Tracer("msgflow"),
		propagator: propagation.TraceContext{},
	}
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (t *otelTracer) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	t.propagator.Inject(ctx, carrier)
}

func (t *otelTracer) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return t.propagator.Extract(ctx, carrier)
}
