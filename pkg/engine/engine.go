// Package engine defines the contract for batch speech-to-text backends.
//
// An engine takes one complete utterance of raw 16-bit signed little-endian
// PCM audio and returns its transcription in a single call. Engines are
// deliberately not streaming: callers segment continuous audio upstream and
// submit bounded chunks.
//
// Implementations must be safe for concurrent use.
package engine

import (
	"context"
	"fmt"
)

// Result is the outcome of a successful transcription call.
type Result struct {
	// Text is the transcribed text. May be empty when the audio contained no
	// recognizable speech.
	Text string

	// RequestID uniquely identifies the transcription request for log
	// correlation.
	RequestID string
}

// Transcriber is the abstraction over any batch speech-to-text backend.
type Transcriber interface {
	// Transcribe submits one utterance of raw PCM16 audio and blocks until
	// the backend returns text or fails. Failures are reported as *Error.
	Transcribe(ctx context.Context, pcmAudio []byte) (Result, error)
}

// Error describes a failed transcription call.
type Error struct {
	// Op names the operation that failed, e.g. "whisper: inference".
	Op string

	// Status is the HTTP status code when the backend is remote, 0 otherwise.
	Status int

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("engine: %s: http %d: %v", e.Op, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("engine: %s: http %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("engine: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("engine: %s", e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }
