package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/docvox"

type correlationKey struct{}

// Tracer returns the docvox tracer from the global TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the docvox tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSession opens the root span of a realtime session.
func StartSession(ctx context.Context, sessionID, origin string) (context.Context, trace.Span) {
	return StartSpan(ctx, "docvox.session", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("session.origin", origin),
	))
}

// StartStage opens a child span for one pipeline stage ("transcribing",
// "inferring", ...).
func StartStage(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{attribute.String("docvox.stage", stage)}, attrs...)
	return StartSpan(ctx, "docvox.stage."+stage, trace.WithAttributes(attrs...))
}

// WithCorrelationID stores a caller-supplied correlation ID. It takes
// precedence over the trace ID in [CorrelationID].
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the caller-supplied ID set by [WithCorrelationID],
// else the current trace ID, else "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id of the active
// span, plus correlation_id when the caller supplied one.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		l = l.With(slog.String("correlation_id", id))
	}
	return l
}

// WithSession returns [Logger] with the session's identity attached.
func WithSession(ctx context.Context, sessionID, origin string) *slog.Logger {
	return Logger(ctx).With(
		slog.String("session_id", sessionID),
		slog.String("origin", origin),
	)
}
