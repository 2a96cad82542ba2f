package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the callrelay tracer.
const tracerName = "github.com/MrWong99/callrelay"

// Attribute keys shared by session spans and logs.
const (
	AttrSessionID = "session.id"
	AttrProvider  = "provider"
	AttrClient    = "client"
)

// Tracer returns the package-level [trace.Tracer]. It uses the globally
// registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// ── Session spans ──────────────────────────────────────────────────────────────

// SessionSpan is the root span of one relay session. Provider and client
// traffic is recorded as span events rather than child spans; a session
// carries thousands of frames.
type SessionSpan struct {
	span trace.Span
}

// StartSession opens the "relay.session" span and returns log enriched with
// its trace_id. Every event added through [AddEvent] with the returned
// context lands on this span.
func StartSession(ctx context.Context, log *slog.Logger, id, provider, client string) (context.Context, *SessionSpan, *slog.Logger) {
	ctx, span := StartSpan(ctx, "relay.session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrSessionID, id),
			attribute.String(AttrProvider, provider),
			attribute.String(AttrClient, client),
		),
	)
	if cid := CorrelationID(ctx); cid != "" {
		log = log.With("trace_id", cid)
	}
	return ctx, &SessionSpan{span: span}, log
}

// End records the outcome and ends the span. A non-nil err marks the span
// failed.
func (s *SessionSpan) End(state, reason string, turns int, err error) {
	s.span.SetAttributes(
		attribute.String("session.state", state),
		attribute.String("session.reason", reason),
		attribute.Int("session.turns", turns),
	)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

// AddEvent records a named event on the span in ctx, if any.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// ── Log correlation ────────────────────────────────────────────────────────────

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The trace ID doubles as the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id and span_id from
// ctx. Without an active span it is the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
