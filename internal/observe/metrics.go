// Package observe provides observability primitives for callrelay:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed on
// /metrics through the Prometheus exporter installed by [InitProvider]. A
// package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all callrelay metrics.
const meterName = "github.com/MrWong99/callrelay"

// Metrics holds every metric instrument of the relay. The underlying OTel
// types handle their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks session lifetime. Attributes: provider, client,
	// outcome ("closed" or "failed").
	SessionDuration metric.Float64Histogram

	// RejectedSessions counts sessions refused before start. Attribute: reason.
	RejectedSessions metric.Int64Counter

	// --- Provider ---

	// ProviderConnectDuration tracks provider dial plus handshake latency.
	// Attributes: provider, status.
	ProviderConnectDuration metric.Float64Histogram

	// ProviderEvents counts normalized provider events. Attributes: provider,
	// kind.
	ProviderEvents metric.Int64Counter

	// ProviderErrors counts provider error events. Attributes: provider,
	// critical.
	ProviderErrors metric.Int64Counter

	// Interruptions counts barge-ins. Attribute: provider.
	Interruptions metric.Int64Counter

	// FunctionCalls counts tool round-trips. Attributes: function, status.
	FunctionCalls metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	// name, to.
	BreakerTransitions metric.Int64Counter

	// --- Audio ---

	// ConversionDuration tracks transcoder latency. Attributes: from, to.
	ConversionDuration metric.Float64Histogram

	// ConversionFailures counts failed conversions. Attributes: from, to,
	// reason.
	ConversionFailures metric.Int64Counter

	// DroppedFrames counts client frames not forwarded. Attribute: reason.
	DroppedFrames metric.Int64Counter

	// IdleFollowUps counts idle-timeout firings. Attribute: action.
	IdleFollowUps metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path (chi route pattern), status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram bucket boundaries (in seconds) for relay
// latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// sessionBuckets are histogram bucket boundaries (in seconds) for call
// lengths.
var sessionBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("callrelay.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderConnectDuration, err = m.Float64Histogram("callrelay.provider.connect.duration",
		metric.WithDescription("Latency of provider dial and session setup."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversionDuration, err = m.Float64Histogram("callrelay.conversion.duration",
		metric.WithDescription("Latency of audio format conversion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RejectedSessions, err = m.Int64Counter("callrelay.session.rejected",
		metric.WithDescription("Sessions refused before start by reason."),
	); err != nil {
		return nil, err
	}
	if met.ProviderEvents, err = m.Int64Counter("callrelay.provider.events",
		metric.WithDescription("Normalized provider events by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("callrelay.provider.errors",
		metric.WithDescription("Provider error events by provider and criticality."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("callrelay.interruptions",
		metric.WithDescription("Barge-in interruptions by provider."),
	); err != nil {
		return nil, err
	}
	if met.FunctionCalls, err = m.Int64Counter("callrelay.function.calls",
		metric.WithDescription("Function call round-trips by function and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("callrelay.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.ConversionFailures, err = m.Int64Counter("callrelay.conversion.failures",
		metric.WithDescription("Failed audio conversions by formats and reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("callrelay.frames.dropped",
		metric.WithDescription("Client frames not forwarded upstream by reason."),
	); err != nil {
		return nil, err
	}
	if met.IdleFollowUps, err = m.Int64Counter("callrelay.idle.followups",
		metric.WithDescription("Idle timeout firings by action taken."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callrelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callrelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge and records the session's
// duration.
func (m *Metrics) SessionEnded(ctx context.Context, provider, client, outcome string, d time.Duration) {
	m.ActiveSessions.Add(ctx, -1)
	m.SessionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("client", client),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordRejectedSession counts a session refused before start.
func (m *Metrics) RecordRejectedSession(ctx context.Context, reason string) {
	m.RejectedSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderConnect records one provider connect attempt.
func (m *Metrics) RecordProviderConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ProviderConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderEvent counts one normalized provider event.
func (m *Metrics) RecordProviderEvent(ctx context.Context, provider, kind string) {
	m.ProviderEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProviderError counts one provider error event.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string, critical bool) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.Bool("critical", critical),
		),
	)
}

// RecordInterruption counts one barge-in.
func (m *Metrics) RecordInterruption(ctx context.Context, provider string) {
	m.Interruptions.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordFunctionCall counts one function call round-trip.
func (m *Metrics) RecordFunctionCall(ctx context.Context, function, status string) {
	m.FunctionCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("function", function),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("name", name),
			attribute.String("to", to),
		),
	)
}

// RecordConversion records one transcoder run. A non-empty reason marks it
// failed.
func (m *Metrics) RecordConversion(ctx context.Context, from, to, reason string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	)
	m.ConversionDuration.Record(ctx, d.Seconds(), attrs)
	if reason != "" {
		m.ConversionFailures.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("from", from),
				attribute.String("to", to),
				attribute.String("reason", reason),
			),
		)
	}
}

// RecordDroppedFrame counts one client frame not forwarded upstream.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, reason string) {
	m.DroppedFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordIdleFollowUp counts one idle timeout firing.
func (m *Metrics) RecordIdleFollowUp(ctx context.Context, action string) {
	m.IdleFollowUps.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}
