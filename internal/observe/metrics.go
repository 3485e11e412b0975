// Package observe holds the OpenTelemetry instruments shared by the speech
// session controller and the result router.
//
// Instruments are created from an injected [metric.MeterProvider] so tests
// can read them back through a ManualReader. [Noop] returns instruments that
// discard everything.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// scopeName is the instrumentation scope for all voxrelay telemetry.
const scopeName = "voxrelay"

// Metrics holds the metric instruments and tracer used by the core.
type Metrics struct {
	// Sessions counts speech sessions by terminal outcome.
	//   attribute.String("outcome", "result"|"error"|"cancelled"|"malformed")
	Sessions metric.Int64Counter

	// RecognizerErrors counts recognizer errors by code and whether the code
	// is one the classifier knows.
	RecognizerErrors metric.Int64Counter

	// Routes counts successfully routed utterances by source.
	Routes metric.Int64Counter

	// RouteFailures counts routing failures caught at the controller boundary.
	RouteFailures metric.Int64Counter

	// RouteDuration tracks parse + agent latency in seconds.
	RouteDuration metric.Float64Histogram

	Tracer trace.Tracer
}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics builds all instruments from mp and the tracer from tp.
func NewMetrics(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{Tracer: tp.Tracer(scopeName)}

	if met.Sessions, err = m.Int64Counter("voxrelay.sessions",
		metric.WithDescription("Speech sessions by terminal outcome."),
	); err != nil {
		return nil, err
	}
	if met.RecognizerErrors, err = m.Int64Counter("voxrelay.recognizer.errors",
		metric.WithDescription("Recognizer errors by code."),
	); err != nil {
		return nil, err
	}
	if met.Routes, err = m.Int64Counter("voxrelay.routes",
		metric.WithDescription("Routed utterances by response source."),
	); err != nil {
		return nil, err
	}
	if met.RouteFailures, err = m.Int64Counter("voxrelay.route.failures",
		metric.WithDescription("Routing failures swallowed at the controller boundary."),
	); err != nil {
		return nil, err
	}
	if met.RouteDuration, err = m.Float64Histogram("voxrelay.route.duration",
		metric.WithDescription("Latency of routing one utterance."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns instruments backed by no-op providers.
func Noop() *Metrics {
	met, _ := NewMetrics(noop.NewMeterProvider(), tracenoop.NewTracerProvider())
	return met
}

func (m *Metrics) RecordSession(ctx context.Context, outcome string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordRecognizerError(ctx context.Context, code int, known bool) {
	m.RecognizerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("code", code),
		attribute.Bool("known", known),
	))
}

func (m *Metrics) RecordRoute(ctx context.Context, source string, elapsed time.Duration) {
	m.Routes.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	m.RouteDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}

func (m *Metrics) RecordRouteFailure(ctx context.Context, reason string) {
	m.RouteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
