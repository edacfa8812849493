// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-voice/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks time from connect request to the listening
	// state.
	ConnectDuration metric.Float64Histogram

	// TurnDuration tracks time from a finalized transcript to the turn
	// handler's resolution.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts outbound audio frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound audio frames received from the transport.
	FramesReceived metric.Int64Counter

	// FramesGated counts captured frames dropped because the call was not
	// in the listening state.
	FramesGated metric.Int64Counter

	// StateTransitions counts state machine transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...), attribute.String("event", ...)
	StateTransitions metric.Int64Counter

	// TurnsCompleted counts conversational turns by outcome. Use with attribute:
	//   attribute.String("outcome", "voiced"|"empty"|"error"|"canceled")
	TurnsCompleted metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts malformed control messages received over the
	// transport.
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-call latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("parley.connect.duration",
		metric.WithDescription("Time from connect request to the listening state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Time from finalized transcript to turn resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("parley.frames.sent",
		metric.WithDescription("Total outbound audio frames written to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("parley.frames.received",
		metric.WithDescription("Total inbound audio frames received from the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesGated, err = m.Int64Counter("parley.frames.gated",
		metric.WithDescription("Captured frames dropped outside the listening state."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("parley.state.transitions",
		metric.WithDescription("State machine transitions by from, to, and event."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("parley.turns.completed",
		metric.WithDescription("Conversational turns by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("parley.protocol.errors",
		metric.WithDescription("Malformed control messages received over the transport."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("parley.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStateTransition records one state machine transition with the
// standard attribute set.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to, event string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
			attribute.String("event", event),
		),
	)
}

// RecordTurn records one completed conversational turn by outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProtocolError records one malformed inbound control message.
func (m *Metrics) RecordProtocolError(ctx context.Context) {
	m.ProtocolErrors.Add(ctx, 1)
}
