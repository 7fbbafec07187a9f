package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/beacon"

// Tracer provides OpenTelemetry tracing for submission cycles.
// A nil *Tracer starts no-op spans.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer from the global provider.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{
		tracer: tp.Tracer(tracerName),
	}
}

// StartSubmissionSpan starts a span for one batch submission.
func (t *Tracer) StartSubmissionSpan(ctx context.Context, endpoint string, batchSize int) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, "beacon.submit_batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("beacon.endpoint", endpoint),
			attribute.Int("beacon.batch_size", batchSize),
		),
	)
}

// EndSubmissionSpan ends a submission span with result attributes.
func (t *Tracer) EndSubmissionSpan(span trace.Span, accepted, rejected int, latencyMs int64, errMsg string) {
	if t == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("beacon.accepted", accepted),
		attribute.Int("beacon.rejected", rejected),
		attribute.Int64("beacon.latency_ms", latencyMs),
	)
	if errMsg != "" {
		span.SetAttributes(attribute.String("beacon.error", errMsg))
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}
