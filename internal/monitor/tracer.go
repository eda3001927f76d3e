package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "sandbox-broker"

// Tracer wraps OpenTelemetry tracing for the broker.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider when enabled, so spans reach
// whatever exporter the process installed. Disabled tracing never touches
// the global provider.
func NewTracer(enabled bool) *Tracer {
	if !enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(tracerName)}
	}
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "broker."+name, trace.WithAttributes(attrs...))
}

var (
	AttrJobID     = attribute.Key("broker.job.id")
	AttrChannel   = attribute.Key("broker.channel")
	AttrProcessID = attribute.Key("broker.process.id")
	AttrOutcome   = attribute.Key("broker.outcome")
	AttrQuotaMem  = attribute.Key("broker.quota.memory_bytes")
)
