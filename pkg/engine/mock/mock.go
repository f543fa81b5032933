// Package mock provides a test double for the engine package interfaces.
//
// Use Transcriber to feed canned transcription results to consumers and
// inspect which audio buffers were submitted.
//
// Example:
//
//	m := &mock.Transcriber{Result: engine.Result{Text: "hello"}}
//	res, _ := m.Transcribe(ctx, pcmChunk)
package mock

import (
	"context"
	"sync"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio bytes that were passed to Transcribe.
	PCM []byte
}

// Transcriber is a mock implementation of engine.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Result is returned by every Transcribe call when Fn and Err are unset.
	Result engine.Result

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Fn, if set, overrides Result/Err entirely and computes the response
	// per call. Useful for sequencing failures or blocking until released.
	Fn func(ctx context.Context, pcm []byte) (engine.Result, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured response.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte) (engine.Result, error) {
	t.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	t.TranscribeCalls = append(t.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: cp})
	fn := t.Fn
	res, err := t.Result, t.Err
	t.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm)
	}
	if err != nil {
		return engine.Result{}, err
	}
	return res, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.TranscribeCalls = nil
}

// Ensure Transcriber implements engine.Transcriber at compile time.
var _ engine.Transcriber = (*Transcriber)(nil)
