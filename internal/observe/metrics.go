// Package observe provides application-wide observability primitives for
// voicegate: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all voicegate metrics.
const meterName = "github.com/ycxom/voicegate"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// VerificationDuration tracks speaker verification latency, including the
	// embedding provider round trip.
	VerificationDuration metric.Float64Histogram

	// MatchDuration tracks wake-word DTW matching latency.
	MatchDuration metric.Float64Histogram

	// TranscriptionDuration tracks post-wake transcription latency.
	TranscriptionDuration metric.Float64Histogram

	// --- Distributions ---

	// UtteranceDuration tracks the audio length of segmented utterances.
	UtteranceDuration metric.Float64Histogram

	// WakeWordScore tracks the DTW similarity of processed utterances.
	WakeWordScore metric.Float64Histogram

	// --- Counters ---

	// WakeEvents counts successful wake decisions. Use with attribute:
	//   attribute.String("user_id", ...)
	WakeEvents metric.Int64Counter

	// SuppressedSegments counts segments dropped before analysis. Use with
	// attribute: attribute.String("reason", "cooldown"|"busy"|"too_short")
	SuppressedSegments metric.Int64Counter

	// VerificationResults counts verification outcomes. Use with attribute:
	//   attribute.String("status", "verified"|"rejected"|"error")
	VerificationResults metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live monitoring sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for on-device audio-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// scoreBuckets defines histogram bucket boundaries for similarity scores.
var scoreBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VerificationDuration, err = m.Float64Histogram("voicegate.verification.duration",
		metric.WithDescription("Latency of speaker verification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchDuration, err = m.Float64Histogram("voicegate.match.duration",
		metric.WithDescription("Latency of wake-word DTW matching."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("voicegate.transcription.duration",
		metric.WithDescription("Latency of post-wake transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("voicegate.utterance.duration",
		metric.WithDescription("Audio length of segmented utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WakeWordScore, err = m.Float64Histogram("voicegate.wake_word.score",
		metric.WithDescription("DTW similarity of processed utterances."),
		metric.WithExplicitBucketBoundaries(scoreBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WakeEvents, err = m.Int64Counter("voicegate.wake.events",
		metric.WithDescription("Total successful wake decisions by user ID."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedSegments, err = m.Int64Counter("voicegate.segments.suppressed",
		metric.WithDescription("Total segments dropped before analysis by reason."),
	); err != nil {
		return nil, err
	}
	if met.VerificationResults, err = m.Int64Counter("voicegate.verification.results",
		metric.WithDescription("Total verification outcomes by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicegate.active_sessions",
		metric.WithDescription("Number of live monitoring sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicegate.http.request.duration",
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

// RecordWake is a convenience method that records a successful wake decision.
func (m *Metrics) RecordWake(ctx context.Context, userID string) {
	m.WakeEvents.Add(ctx, 1,
		metric.WithAttributes(attribute.String("user_id", userID)),
	)
}

// RecordSuppressed is a convenience method that records a dropped segment
// with its suppression reason.
func (m *Metrics) RecordSuppressed(ctx context.Context, reason string) {
	m.SuppressedSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordVerification is a convenience method that records a verification
// outcome counter increment.
func (m *Metrics) RecordVerification(ctx context.Context, status string) {
	m.VerificationResults.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
