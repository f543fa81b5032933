// This file contains the NativeClient implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/google/uuid"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

// Compile-time assertion that NativeClient implements engine.Transcriber.
var _ engine.Transcriber = (*NativeClient)(nil)

// NativeClient implements engine.Transcriber using the whisper.cpp Go
// bindings (CGO), eliminating HTTP overhead entirely. The model is loaded
// once at startup and shared across all calls; each call creates its own
// whisper context, so concurrent Transcribe calls do not interfere.
type NativeClient struct {
	model    whisperlib.Model
	language string
	log      *slog.Logger
}

// NativeOption is a functional option for configuring a NativeClient.
type NativeOption func(*NativeClient)

// WithNativeLanguage sets the BCP-47 language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(c *NativeClient) { c.language = lang }
}

// WithNativeLogger sets the logger. Defaults to slog.Default().
func WithNativeLogger(l *slog.Logger) NativeOption {
	return func(c *NativeClient) { c.log = l }
}

// NewNative creates a NativeClient that loads the whisper.cpp model from the
// given file path. The caller must call Close when the client is no longer
// needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeClient, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	c := &NativeClient{
		model:    model,
		language: defaultLanguage,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close releases the whisper model.
func (c *NativeClient) Close() error {
	if c.model != nil {
		return c.model.Close()
	}
	return nil
}

// Transcribe implements engine.Transcriber. The bindings do not accept a
// context; cancellation is honored only between calls.
func (c *NativeClient) Transcribe(ctx context.Context, pcmAudio []byte) (engine.Result, error) {
	requestID := uuid.New().String()
	if err := ctx.Err(); err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: native inference", Err: err}
	}

	samples := pcm.Float32(pcm.BytesToSamples(pcmAudio))

	wctx, err := c.model.NewContext()
	if err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: create context", Err: err}
	}

	if err := wctx.SetLanguage(c.language); err != nil {
		c.log.Warn("whisper: failed to set language, using default", "language", c.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return engine.Result{}, &engine.Error{Op: "whisper: process audio", Err: err}
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return engine.Result{}, &engine.Error{Op: "whisper: read segment", Err: err}
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return engine.Result{Text: strings.Join(parts, " "), RequestID: requestID}, nil
}
