// Package observe provides application-wide observability primitives for
// Sonoflux: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Sonoflux metrics.
const meterName = "github.com/virelia/sonoflux"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// VerdictLatency tracks the time from packet submission to the verdict
	// being applied, including timeouts.
	VerdictLatency metric.Float64Histogram

	// RecognitionLatency tracks the time from segment dispatch to the
	// transcription result being applied.
	RecognitionLatency metric.Float64Histogram

	// SegmentDuration tracks the audio duration of emitted speech segments.
	SegmentDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIngested counts raw audio frames accepted into the engine.
	FramesIngested metric.Int64Counter

	// PacketsSubmitted counts packets handed to the VAD gateway. Use with
	// attribute: attribute.String("status", "ok"|"dropped")
	PacketsSubmitted metric.Int64Counter

	// VerdictsApplied counts verdict resolutions by outcome. Use with
	// attribute: attribute.String("outcome", "speech"|"non_speech"|"timeout"|"evicted")
	VerdictsApplied metric.Int64Counter

	// SegmentsEmitted counts speech segments handed to recognition. Use with
	// attribute: attribute.String("reason", "target"|"overflow"|"silence"|"flush")
	SegmentsEmitted metric.Int64Counter

	// SegmentsDiscarded counts accumulations dropped below the minimum
	// duration.
	SegmentsDiscarded metric.Int64Counter

	// TranscriptsEmitted counts ordered transcript deliveries. Use with
	// attribute: attribute.String("kind", "text"|"gap")
	TranscriptsEmitted metric.Int64Counter

	// QueueDrops counts inputs discarded because a bounded queue was full.
	// Use with attribute: attribute.String("queue", ...)
	QueueDrops metric.Int64Counter

	// GatewayErrors counts failed gateway submissions. Use with attribute:
	//   attribute.String("gateway", "vad"|"recognition")
	GatewayErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of acquired audio streams.
	ActiveStreams metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live ingest sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for classifier round-trip latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// segmentBuckets defines histogram bucket boundaries (in seconds) for emitted
// segment durations, which range between the minimum and overflow limits.
var segmentBuckets = []float64{
	0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.VerdictLatency, err = m.Float64Histogram("sonoflux.vad.verdict.latency",
		metric.WithDescription("Time from packet submission to verdict resolution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecognitionLatency, err = m.Float64Histogram("sonoflux.recognition.latency",
		metric.WithDescription("Time from segment dispatch to transcription result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("sonoflux.segment.duration",
		metric.WithDescription("Audio duration of emitted speech segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIngested, err = m.Int64Counter("sonoflux.frames.ingested",
		metric.WithDescription("Total raw audio frames accepted into the engine."),
	); err != nil {
		return nil, err
	}
	if met.PacketsSubmitted, err = m.Int64Counter("sonoflux.packets.submitted",
		metric.WithDescription("Total packets handed to the VAD gateway by status."),
	); err != nil {
		return nil, err
	}
	if met.VerdictsApplied, err = m.Int64Counter("sonoflux.verdicts.applied",
		metric.WithDescription("Total verdict resolutions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEmitted, err = m.Int64Counter("sonoflux.segments.emitted",
		metric.WithDescription("Total speech segments handed to recognition by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("sonoflux.segments.discarded",
		metric.WithDescription("Total accumulations dropped below the minimum duration."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptsEmitted, err = m.Int64Counter("sonoflux.transcripts.emitted",
		metric.WithDescription("Total ordered transcript deliveries by kind."),
	); err != nil {
		return nil, err
	}
	if met.QueueDrops, err = m.Int64Counter("sonoflux.queue.drops",
		metric.WithDescription("Total inputs discarded because a bounded queue was full."),
	); err != nil {
		return nil, err
	}
	if met.GatewayErrors, err = m.Int64Counter("sonoflux.gateway.errors",
		metric.WithDescription("Total failed gateway submissions by gateway."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("sonoflux.active_streams",
		metric.WithDescription("Number of acquired audio streams."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonoflux.active_sessions",
		metric.WithDescription("Number of live ingest sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonoflux.http.request.duration",
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

// RecordVerdict records a verdict resolution with its outcome and the time
// the packet spent waiting.
func (m *Metrics) RecordVerdict(ctx context.Context, outcome string, latencySeconds float64) {
	m.VerdictsApplied.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	m.VerdictLatency.Record(ctx, latencySeconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordSegmentEmitted records one emitted segment with the reason it left
// the accumulator and its audio duration.
func (m *Metrics) RecordSegmentEmitted(ctx context.Context, reason string, durationSeconds float64) {
	m.SegmentsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
	m.SegmentDuration.Record(ctx, durationSeconds)
}

// RecordQueueDrop records one input discarded because the named queue was full.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	m.QueueDrops.Add(ctx, 1,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordGatewayError records one failed gateway submission.
func (m *Metrics) RecordGatewayError(ctx context.Context, gateway string) {
	m.GatewayErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("gateway", gateway)),
	)
}
