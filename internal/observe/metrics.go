// Package observe provides application-wide observability primitives for
// wakecall: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all wakecall metrics.
const meterName = "github.com/MrWong99/wakecall"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Counters ---

	// WakeDetections counts handoffs. Use with attribute:
	//   attribute.String("trigger", "wake-phrase"|"manual")
	WakeDetections metric.Int64Counter

	// RecognitionSessions counts recognition sessions opened.
	RecognitionSessions metric.Int64Counter

	// RecognitionErrors counts recognition session errors. Use with attribute:
	//   attribute.String("code", ...)
	RecognitionErrors metric.Int64Counter

	// CallStarts counts call start attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"rejected")
	CallStarts metric.Int64Counter

	// PhaseTransitions counts controller phase changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	PhaseTransitions metric.Int64Counter

	// --- Histograms ---

	// HandoffDuration tracks the time from detection until the remote call
	// accepted the start.
	HandoffDuration metric.Float64Histogram

	// CallDuration tracks how long calls lasted, from start to end path.
	CallDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveCalls is 1 while a call is in progress.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// handoff path.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30,
}

// callBuckets covers calls from a few seconds up to half an hour.
var callBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.WakeDetections, err = m.Int64Counter("wakecall.wake.detections",
		metric.WithDescription("Total handoffs by trigger."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionSessions, err = m.Int64Counter("wakecall.recognition.sessions",
		metric.WithDescription("Total recognition sessions opened."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("wakecall.recognition.errors",
		metric.WithDescription("Total recognition errors by code."),
	); err != nil {
		return nil, err
	}
	if met.CallStarts, err = m.Int64Counter("wakecall.call.starts",
		metric.WithDescription("Total call start attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.PhaseTransitions, err = m.Int64Counter("wakecall.phase.transitions",
		metric.WithDescription("Total controller phase transitions by from and to phase."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.HandoffDuration, err = m.Float64Histogram("wakecall.handoff.duration",
		metric.WithDescription("Latency from detection until the call was accepted."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CallDuration, err = m.Float64Histogram("wakecall.call.duration",
		metric.WithDescription("Duration of calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveCalls, err = m.Int64UpDownCounter("wakecall.active_calls",
		metric.WithDescription("Number of calls in progress."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("wakecall.http.request.duration",
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

// RecordDetection records a handoff caused by trigger.
func (m *Metrics) RecordDetection(ctx context.Context, trigger string) {
	m.WakeDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordRecognitionError records a recognition error with its code.
func (m *Metrics) RecordRecognitionError(ctx context.Context, code string) {
	m.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordCallStart records the outcome of a call start attempt.
func (m *Metrics) RecordCallStart(ctx context.Context, status string) {
	m.CallStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPhaseTransition records a phase change.
func (m *Metrics) RecordPhaseTransition(ctx context.Context, from, to string) {
	m.PhaseTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
