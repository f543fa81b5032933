// Package observe provides application-wide observability primitives for the
// speech capture daemon: OpenTelemetry metrics, tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
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

// meterName is the instrumentation scope name used for all daemon metrics.
const meterName = "github.com/OpenParachutePBC/parachute-daily-sub002"

// Metrics holds all OpenTelemetry metric instruments for the daemon.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	meter metric.Meter

	// --- Chunk pipeline histograms ---

	// ChunkDuration tracks finalized chunk length in seconds. Use with
	// attribute.String("trigger", ...).
	ChunkDuration metric.Float64Histogram

	// ChunkSpeechRatio tracks the speech fraction of finalized chunks (0-1).
	ChunkSpeechRatio metric.Float64Histogram

	// EngineDuration tracks transcription engine latency. Use with
	// attributes: attribute.String("provider", ...), attribute.String("status", ...)
	EngineDuration metric.Float64Histogram

	// --- Counters ---

	// Segments counts segment status transitions. Use with attribute:
	//   attribute.String("status", ...)
	Segments metric.Int64Counter

	// InterimResults counts published interim transcriptions.
	InterimResults metric.Int64Counter

	// BytesIngested counts raw PCM bytes accepted into the pipeline.
	BytesIngested metric.Int64Counter

	// EngineErrors counts engine failures by provider.
	EngineErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// chunkBuckets covers the chunk length range: the silence trigger floor sits
// at half a second and the duration valve caps chunks at thirty seconds.
var chunkBuckets = []float64{
	0.5, 1, 2, 5, 10, 15, 20, 25, 30,
}

// engineBuckets covers transcription latency from local whisper.cpp calls up
// to slow hosted APIs.
var engineBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// ratioBuckets covers the 0-1 speech fraction.
var ratioBuckets = []float64{
	0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.ChunkDuration, err = m.Float64Histogram("parachute.chunk.duration",
		metric.WithDescription("Length of finalized audio chunks."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkSpeechRatio, err = m.Float64Histogram("parachute.chunk.speech_ratio",
		metric.WithDescription("Fraction of speech frames in finalized chunks."),
		metric.WithExplicitBucketBoundaries(ratioBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EngineDuration, err = m.Float64Histogram("parachute.engine.duration",
		metric.WithDescription("Transcription engine latency by provider and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(engineBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Segments, err = m.Int64Counter("parachute.segments",
		metric.WithDescription("Segment status transitions by status."),
	); err != nil {
		return nil, err
	}
	if met.InterimResults, err = m.Int64Counter("parachute.interim.results",
		metric.WithDescription("Published interim transcriptions."),
	); err != nil {
		return nil, err
	}
	if met.BytesIngested, err = m.Int64Counter("parachute.audio.bytes_ingested",
		metric.WithDescription("Raw PCM bytes accepted into the pipeline."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.EngineErrors, err = m.Int64Counter("parachute.engine.errors",
		metric.WithDescription("Transcription engine failures by provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parachute.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parachute.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RegisterQueueDepth registers an observable gauge that reports the dispatch
// queue depth via fn on every collection. Call it once the dispatcher exists;
// the returned registration can be unregistered when the session ends.
func (m *Metrics) RegisterQueueDepth(fn func() int64) (metric.Registration, error) {
	gauge, err := m.meter.Int64ObservableGauge("parachute.dispatch.queue_depth",
		metric.WithDescription("Segments enqueued but not yet fully processed."),
	)
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, fn())
		return nil
	}, gauge)
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

// RecordChunk records one finalized chunk: its duration and the fraction of
// it that the detector classified as speech.
func (m *Metrics) RecordChunk(ctx context.Context, total, speech time.Duration, trigger string) {
	attrs := metric.WithAttributes(attribute.String("trigger", trigger))
	m.ChunkDuration.Record(ctx, total.Seconds(), attrs)
	if total > 0 {
		m.ChunkSpeechRatio.Record(ctx, speech.Seconds()/total.Seconds(), attrs)
	}
}

// RecordSegment records one segment status transition.
func (m *Metrics) RecordSegment(ctx context.Context, status string) {
	m.Segments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordEngineCall records one engine request with its latency and outcome.
func (m *Metrics) RecordEngineCall(ctx context.Context, provider string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.EngineErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("provider", provider)),
		)
	}
	m.EngineDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordInterim records one published interim transcription.
func (m *Metrics) RecordInterim(ctx context.Context) {
	m.InterimResults.Add(ctx, 1)
}
