package resilience

import (
	"context"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
)

// TranscriberFallback implements [engine.Transcriber] with automatic failover
// across multiple transcription backends. Each backend has its own circuit
// breaker, so a local whisper server that stops responding is bypassed in
// favour of a remote fallback until it recovers.
type TranscriberFallback struct {
	group *FallbackGroup[engine.Transcriber]
}

// Compile-time interface assertion.
var _ engine.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary engine.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription backend as a fallback.
func (f *TranscriberFallback) AddFallback(name string, t engine.Transcriber) {
	f.group.AddFallback(name, t)
}

// BreakerStates reports the circuit breaker state per backend.
func (f *TranscriberFallback) BreakerStates() map[string]State {
	return f.group.BreakerStates()
}

// Transcribe submits the audio to the first healthy backend. If the primary
// fails, subsequent fallbacks are tried in registration order.
func (f *TranscriberFallback) Transcribe(ctx context.Context, pcmAudio []byte) (engine.Result, error) {
	return ExecuteWithResult(f.group, func(t engine.Transcriber) (engine.Result, error) {
		return t.Transcribe(ctx, pcmAudio)
	})
}
