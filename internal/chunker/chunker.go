// Package chunker turns a continuous PCM stream into speech-bounded chunks
// ready for batch transcription.
//
// The engine frames incoming samples, drives a VAD per frame, and accumulates
// an utterance buffer. A chunk finalises on one of three triggers: enough
// trailing silence after sufficient speech, a hard maximum duration (the
// safety valve against a detector that never sees silence), or an explicit
// end-of-session flush. Buffers holding less speech than the configured
// minimum are discarded rather than finalised: near-silent audio submitted to
// a transcription engine is a known source of hallucinated text.
//
// The engine is always accumulating between finalisations; there is no idle
// state and no terminal state.
package chunker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/vad"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

const (
	// DefaultMinChunkDuration is the smallest buffer a silence trigger may
	// finalise.
	DefaultMinChunkDuration = 500 * time.Millisecond

	// DefaultMaxChunkDuration forces finalisation of unbroken speech.
	DefaultMaxChunkDuration = 30 * time.Second

	// DefaultMinSpeechDuration is the accumulated-speech gate below which a
	// buffer is never finalised (except by the max-duration valve).
	DefaultMinSpeechDuration = time.Second
)

// Trigger identifies what caused a chunk to finalise.
type Trigger string

const (
	TriggerSilence     Trigger = "silence"
	TriggerMaxDuration Trigger = "max-duration"
	TriggerFlush       Trigger = "flush"
)

// Chunk is an immutable finalised span of audio. Samples are a private copy;
// ownership passes to the receiver of the sink callback.
type Chunk struct {
	Samples        []int16
	SpeechDuration time.Duration
	TotalDuration  time.Duration
	Trigger        Trigger
	FinalizedAt    time.Time
}

// Sink receives finalised chunks. It must return promptly: persisting and
// queueing are fine, engine calls are not. The engine invokes it outside its
// internal lock, in finalisation order.
type Sink func(Chunk)

// Config holds the chunking tunables.
type Config struct {
	// SampleRate of the incoming PCM in Hz. Required, and must match the
	// detector's rate so frame math lines up.
	SampleRate int

	// MinChunkDuration gates the silence trigger. Defaults to 500ms.
	MinChunkDuration time.Duration

	// MaxChunkDuration is the unconditional finalisation valve. Defaults to 30s.
	MaxChunkDuration time.Duration

	// MinSpeechDuration gates silence- and flush-triggered finalisation.
	// Defaults to 1s.
	MinSpeechDuration time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinChunkDuration == 0 {
		c.MinChunkDuration = DefaultMinChunkDuration
	}
	if c.MaxChunkDuration == 0 {
		c.MaxChunkDuration = DefaultMaxChunkDuration
	}
	if c.MinSpeechDuration == 0 {
		c.MinSpeechDuration = DefaultMinSpeechDuration
	}
}

func (c Config) validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("chunker: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.MinChunkDuration < 0 {
		errs = append(errs, fmt.Errorf("chunker: min chunk duration must not be negative, got %v", c.MinChunkDuration))
	}
	if c.MinSpeechDuration < 0 {
		errs = append(errs, fmt.Errorf("chunker: min speech duration must not be negative, got %v", c.MinSpeechDuration))
	}
	if c.MaxChunkDuration <= 0 {
		errs = append(errs, fmt.Errorf("chunker: max chunk duration must be positive, got %v", c.MaxChunkDuration))
	}
	if c.MaxChunkDuration > 0 && c.MinChunkDuration >= c.MaxChunkDuration {
		errs = append(errs, fmt.Errorf("chunker: min chunk duration %v must be below max chunk duration %v", c.MinChunkDuration, c.MaxChunkDuration))
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time snapshot of engine state.
type Stats struct {
	BufferedSamples    int
	BufferedDuration   time.Duration
	PendingPartial     int
	Speaking           bool
	AccumulatedSpeech  time.Duration
	AccumulatedSilence time.Duration
	ChunksEmitted      uint64
	LastChunkAt        time.Time
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine is the chunk-boundary state machine. Safe for concurrent use: ingest
// runs on one goroutine while Stats and threshold retunes may arrive from
// others.
type Engine struct {
	cfg       Config
	frameSize int
	sink      Sink
	log       *slog.Logger

	mu            sync.Mutex
	det           *vad.Detector
	buffer        []int16
	partial       []int16
	hadSpeech     bool
	chunksEmitted uint64
	lastChunkAt   time.Time
}

// New creates an Engine feeding finalised chunks to sink. The detector is
// owned by the engine from this point on; all access is serialised through it.
func New(cfg Config, det *vad.Detector, sink Sink, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if det == nil {
		return nil, errors.New("chunker: detector must not be nil")
	}
	if sink == nil {
		return nil, errors.New("chunker: sink must not be nil")
	}
	e := &Engine{
		cfg:       cfg,
		frameSize: cfg.SampleRate / 100,
		sink:      sink,
		det:       det,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// ProcessSamples ingests an arbitrary-length run of samples. Complete frames
// are classified and absorbed immediately; a trailing partial frame is held
// until enough samples arrive. Boundary conditions are evaluated as each
// frame is absorbed, so a single oversized batch still finalises at the
// max-duration boundary.
func (e *Engine) ProcessSamples(samples []int16) {
	if len(samples) == 0 {
		return
	}

	e.mu.Lock()
	var finalized []Chunk

	e.partial = append(e.partial, samples...)
	for len(e.partial) >= e.frameSize {
		frame := e.partial[:e.frameSize]
		e.partial = e.partial[e.frameSize:]

		speech := e.det.ProcessFrame(frame)

		// Silence before the first speech frame of an utterance never enters
		// the buffer; it carries nothing worth transcribing and would only
		// dilute the speech-ratio gates.
		if !e.hadSpeech && !speech {
			continue
		}
		e.hadSpeech = true
		e.buffer = append(e.buffer, frame...)

		if chunk, ok := e.evaluateLocked(); ok {
			finalized = append(finalized, chunk)
		}
	}
	e.mu.Unlock()

	for _, c := range finalized {
		e.sink(c)
	}
}

// evaluateLocked checks the boundary conditions after one absorbed frame.
func (e *Engine) evaluateLocked() (Chunk, bool) {
	buffered := pcm.Duration(len(e.buffer), e.cfg.SampleRate)

	if buffered >= e.cfg.MaxChunkDuration {
		return e.finalizeLocked(TriggerMaxDuration), true
	}
	if e.det.ShouldChunk() &&
		buffered >= e.cfg.MinChunkDuration &&
		e.det.AccumulatedSpeech() >= e.cfg.MinSpeechDuration {
		return e.finalizeLocked(TriggerSilence), true
	}
	return Chunk{}, false
}

// finalizeLocked copies the buffer into an immutable chunk, clears
// accumulation state, and resets the VAD. For silence and flush triggers the
// trailing silence run is trimmed from the copy: it marks the boundary, it is
// not utterance content.
func (e *Engine) finalizeLocked(trigger Trigger) Chunk {
	samples := e.buffer
	if trigger != TriggerMaxDuration {
		trim := pcm.SampleCount(e.det.State().AccumulatedSilence, e.cfg.SampleRate)
		if trim > len(samples) {
			trim = len(samples)
		}
		samples = samples[:len(samples)-trim]
	}

	now := time.Now()
	chunk := Chunk{
		Samples:        append([]int16(nil), samples...),
		SpeechDuration: e.det.AccumulatedSpeech(),
		TotalDuration:  pcm.Duration(len(samples), e.cfg.SampleRate),
		Trigger:        trigger,
		FinalizedAt:    now,
	}

	e.buffer = nil
	e.hadSpeech = false
	e.det.Reset()
	e.lastChunkAt = now
	e.chunksEmitted++

	e.log.Debug("chunk finalized",
		"trigger", string(trigger),
		"totalMs", chunk.TotalDuration.Milliseconds(),
		"speechMs", chunk.SpeechDuration.Milliseconds(),
	)
	return chunk
}

// Flush finalises whatever is buffered, applying the same speech gate as the
// silence trigger: a buffer holding less than MinSpeechDuration of speech is
// discarded without a chunk. The held partial frame joins the flushed buffer.
// Reports whether a chunk was emitted. State is cleared either way.
func (e *Engine) Flush() bool {
	e.mu.Lock()

	// The sub-frame tail was never classified; it still belongs to the
	// utterance being flushed.
	if e.hadSpeech && len(e.partial) > 0 {
		e.buffer = append(e.buffer, e.partial...)
	}
	e.partial = nil

	if len(e.buffer) == 0 {
		e.mu.Unlock()
		return false
	}

	if e.det.AccumulatedSpeech() < e.cfg.MinSpeechDuration {
		discarded := pcm.Duration(len(e.buffer), e.cfg.SampleRate)
		e.buffer = nil
		e.hadSpeech = false
		e.det.Reset()
		e.mu.Unlock()
		e.log.Debug("flush discarded buffer below speech gate", "bufferedMs", discarded.Milliseconds())
		return false
	}

	chunk := e.finalizeLocked(TriggerFlush)
	e.mu.Unlock()

	e.sink(chunk)
	return true
}

// Reset discards all accumulated audio and zeroes the VAD. Idempotent; called
// at session start.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = nil
	e.partial = nil
	e.hadSpeech = false
	e.det.Reset()
}

// Stats returns a snapshot of the engine's accumulation state.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.det.State()
	return Stats{
		BufferedSamples:    len(e.buffer),
		BufferedDuration:   pcm.Duration(len(e.buffer), e.cfg.SampleRate),
		PendingPartial:     len(e.partial),
		Speaking:           st.Speaking,
		AccumulatedSpeech:  st.AccumulatedSpeech,
		AccumulatedSilence: st.AccumulatedSilence,
		ChunksEmitted:      e.chunksEmitted,
		LastChunkAt:        e.lastChunkAt,
	}
}

// SpeechActive reports whether the detector currently classifies the stream
// as speech. Probe used by the interim transcription scheduler.
func (e *Engine) SpeechActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.det.Speaking()
}

// SetEnergyThreshold retunes the detector's energy classifier at runtime.
func (e *Engine) SetEnergyThreshold(threshold float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.det.SetEnergyThreshold(threshold)
}
