package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func attrMap(kvs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}

func TestStartSession_RecordsOutcome(t *testing.T) {
	exp := useTestTracer(t)

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil)).With("session_id", "sess-1")

	ctx, span, log := StartSession(context.Background(), base, "sess-1", "openai", "twilio")
	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
	}
	log.Info("session started")
	if !strings.Contains(buf.String(), "trace_id="+cid) {
		t.Errorf("session log missing trace_id: %s", buf.String())
	}

	AddEvent(ctx, "interruption", attribute.Int64("played_ms", 1200))
	span.End("failed", "provider_error", 3, errors.New("socket reset"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "relay.session" {
		t.Errorf("span name = %q", s.Name)
	}
	attrs := attrMap(s.Attributes)
	if attrs[AttrSessionID].AsString() != "sess-1" || attrs[AttrProvider].AsString() != "openai" || attrs[AttrClient].AsString() != "twilio" {
		t.Errorf("identity attributes = %v", s.Attributes)
	}
	if attrs["session.reason"].AsString() != "provider_error" || attrs["session.turns"].AsInt64() != 3 {
		t.Errorf("outcome attributes = %v", s.Attributes)
	}
	if s.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", s.Status.Code)
	}
	if len(s.Events) == 0 || s.Events[0].Name != "interruption" {
		t.Errorf("events = %+v", s.Events)
	}
}

func TestStartSession_CleanEndKeepsStatusUnset(t *testing.T) {
	exp := useTestTracer(t)

	_, span, _ := StartSession(context.Background(), slog.Default(), "sess-2", "gemini", "web")
	span.End("closed", "client_stop", 1, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	if spans[0].Status.Code != codes.Unset {
		t.Errorf("status = %v, want Unset", spans[0].Status.Code)
	}
}

func TestAddEvent_NoSpanIsNoop(t *testing.T) {
	// Must not panic without a recording span.
	AddEvent(context.Background(), "provider.connected")
}

func TestCorrelationID_Unique(t *testing.T) {
	useTestTracer(t)

	ids := make(map[string]struct{}, 100)
	for range 100 {
		ctx, span := StartSpan(context.Background(), "unique-test")
		cid := CorrelationID(ctx)
		span.End()
		if _, dup := ids[cid]; dup {
			t.Fatalf("duplicate correlation ID: %s", cid)
		}
		ids[cid] = struct{}{}
	}
}

func TestLogger_TraceFields(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span has trace_id: %s", buf.String())
	}
	buf.Reset()

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("with span")
	for _, key := range []string{"trace_id=", "span_id="} {
		if !strings.Contains(buf.String(), key) {
			t.Errorf("log output missing %s: %s", key, buf.String())
		}
	}
}
