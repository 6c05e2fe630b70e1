package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the OpenTelemetry instrumentation scope name used for every
// span the orchestrator creates.
const TracerName = "github.com/lopution/mika-chat-core"

// Tracer returns the package-scoped tracer. Export wiring (OTLP exporter,
// sampler) is the embedding binary's responsibility — this package only
// creates spans against whatever global TracerProvider is installed,
// mirroring the boundary the teacher draws between internal/observability
// and its cmd-level OTLP exporter flags.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a span named for one orchestrator pipeline phase.
func StartSpan(ctx context.Context, name string, attrs ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, attrs...)
}
