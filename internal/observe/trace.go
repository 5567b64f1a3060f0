package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/ideaflow"

// Span attributes of an extraction round.
const (
	KeyIdeasKnown    = attribute.Key("ideas.known")
	KeyIdeasAccepted = attribute.Key("ideas.accepted")
	KeyIdeasRejected = attribute.Key("ideas.rejected")
)

// StartSpan starts a span on the global tracer provider.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartRound starts the span of one extraction round over known committed
// ideas. End it with [EndRound].
func StartRound(ctx context.Context, known int) (context.Context, trace.Span) {
	return StartSpan(ctx, "extract.round",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(KeyIdeasKnown.Int(known)),
	)
}

// EndRound records how many candidates the store took and ends span. A
// non-nil err marks the round failed.
func EndRound(span trace.Span, accepted, rejected int, err error) {
	span.SetAttributes(
		KeyIdeasAccepted.Int(accepted),
		KeyIdeasRejected.Int(rejected),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// HTTP responses carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns the default logger, tagged with the trace_id of the span in
// ctx when there is one.
func Logger(ctx context.Context) *slog.Logger {
	if cid := CorrelationID(ctx); cid != "" {
		return slog.Default().With("trace_id", cid)
	}
	return slog.Default()
}
