package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
)

// InstrumentedTranscriber wraps a transcription engine with a span and
// latency/error metrics per call. The wrapped engine keeps its own error
// semantics; instrumentation never alters the result.
type InstrumentedTranscriber struct {
	next     engine.Transcriber
	metrics  *Metrics
	provider string
}

var _ engine.Transcriber = (*InstrumentedTranscriber)(nil)

// WrapTranscriber instruments next under the given provider label. A nil
// metrics falls back to [DefaultMetrics].
func WrapTranscriber(next engine.Transcriber, m *Metrics, provider string) *InstrumentedTranscriber {
	if m == nil {
		m = DefaultMetrics()
	}
	return &InstrumentedTranscriber{next: next, metrics: m, provider: provider}
}

// Transcribe delegates to the wrapped engine, recording a span and the
// engine latency histogram.
func (t *InstrumentedTranscriber) Transcribe(ctx context.Context, pcmAudio []byte) (engine.Result, error) {
	ctx, span := StartSpan(ctx, "engine.transcribe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", t.provider),
			attribute.Int("audio.bytes", len(pcmAudio)),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := t.next.Transcribe(ctx, pcmAudio)
	elapsed := time.Since(start)

	t.metrics.RecordEngineCall(ctx, t.provider, elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.Int("text.length", len(res.Text)))
	return res, nil
}
