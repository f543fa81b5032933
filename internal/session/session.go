// Package session wires the capture pipeline together: incoming PCM bytes
// are framed through the chunk-boundary engine, mirrored into the interim
// window, and finalised chunks flow through the durable dispatcher to the
// transcription engine. A Session is the unit of capture; the Manager
// enforces the single-active-session lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/audiostore"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/chunker"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/dispatch"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/events"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/interim"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/seglog"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/vad"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

// Config holds per-session pipeline tunables. Sub-config sample rates are
// stamped from SampleRate when left zero.
type Config struct {
	// SampleRate of the incoming PCM in Hz. Required.
	SampleRate int

	// VAD configures the detector. EnergyThreshold is required deployment
	// configuration; the default only suits quiet test environments.
	VAD vad.Config

	// Chunker configures chunk boundaries.
	Chunker chunker.Config

	// Interim configures the rolling interim task.
	Interim interim.Config

	// Dispatch configures the durable queue. SessionID is stamped with the
	// session's ID.
	Dispatch dispatch.Config

	// DisableInterim turns the rolling interim task off entirely.
	DisableInterim bool
}

// Deps are the shared collaborators a Session runs against.
type Deps struct {
	Store  seglog.Store
	Audio  audiostore.Store
	Engine engine.Transcriber
	Bus    *events.Bus
}

func (d Deps) validate() error {
	var errs []error
	if d.Store == nil {
		errs = append(errs, errors.New("session: segment store must not be nil"))
	}
	if d.Audio == nil {
		errs = append(errs, errors.New("session: audio store must not be nil"))
	}
	if d.Engine == nil {
		errs = append(errs, errors.New("session: transcription engine must not be nil"))
	}
	if d.Bus == nil {
		errs = append(errs, errors.New("session: event bus must not be nil"))
	}
	return errors.Join(errs...)
}

// Stats is a snapshot across the session's components.
type Stats struct {
	SessionID     string
	StartedAt     time.Time
	BytesIngested uint64
	Chunker       chunker.Stats
	Interim       interim.Stats
	Dispatch      dispatch.Stats
}

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithClassifier replaces the detector's default energy classifier, e.g.
// with the WebRTC backend.
func WithClassifier(c vad.Classifier) Option {
	return func(s *Session) { s.classifier = c }
}

// Session is one capture run. Feed it PCM bytes with ProcessSamples between
// Start and Stop; transcription results surface on the event bus and in the
// segment log.
//
// ProcessSamples is meant for a single producer; all methods are safe for
// concurrent use.
type Session struct {
	id  string
	cfg Config
	log *slog.Logger

	classifier vad.Classifier

	chunks     *chunker.Engine
	rolling    *interim.Transcriber
	dispatcher *dispatch.Dispatcher
	store      seglog.Store

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
	runCtx    context.Context

	bytesIngested atomic.Uint64
}

// New builds a Session and its pipeline. Nothing runs until Start.
func New(id string, cfg Config, deps Deps, opts ...Option) (*Session, error) {
	if id == "" {
		return nil, errors.New("session: id must not be empty")
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("session: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		id:    id,
		cfg:   cfg,
		log:   slog.Default(),
		store: deps.Store,
	}
	for _, o := range opts {
		o(s)
	}

	if cfg.VAD.SampleRate == 0 {
		cfg.VAD.SampleRate = cfg.SampleRate
	}
	var vadOpts []vad.Option
	if s.classifier != nil {
		vadOpts = append(vadOpts, vad.WithClassifier(s.classifier))
	}
	vadOpts = append(vadOpts, vad.WithLogger(s.log))
	det, err := vad.New(cfg.VAD, vadOpts...)
	if err != nil {
		return nil, err
	}

	cfg.Dispatch.SessionID = id
	dispatcher, err := dispatch.New(cfg.Dispatch, deps.Store, deps.Audio, deps.Engine, deps.Bus, dispatch.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.dispatcher = dispatcher

	if cfg.Interim.SampleRate == 0 {
		cfg.Interim.SampleRate = cfg.SampleRate
	}

	if cfg.Chunker.SampleRate == 0 {
		cfg.Chunker.SampleRate = cfg.SampleRate
	}
	chunks, err := chunker.New(cfg.Chunker, det, s.onChunk, chunker.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.chunks = chunks

	rolling, err := interim.New(cfg.Interim, deps.Engine, chunks.SpeechActive, deps.Bus, interim.WithLogger(s.log))
	if err != nil {
		return nil, err
	}
	s.rolling = rolling

	s.cfg = cfg
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// onChunk is the chunker sink: persist and hand off, then shrink the interim
// window to the overlap tail. Dispatch errors stay on this side of the
// boundary; the capture loop must keep running.
func (s *Session) onChunk(c chunker.Chunk) {
	if _, err := s.dispatcher.Submit(s.runCtx, c); err != nil {
		s.log.Error("chunk handoff failed", "sessionId", s.id, "error", err)
	}
	s.rolling.NotifyFinalized()
}

// Start resets the pipeline and launches the dispatcher consumer and the
// interim task.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("session: already started")
	}

	// Background work outlives the Start call, not the session.
	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.cancel = cancel

	s.chunks.Reset()
	s.rolling.Reset()

	if err := s.dispatcher.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if !s.cfg.DisableInterim {
		if err := s.rolling.Start(runCtx); err != nil {
			cancel()
			return err
		}
	}

	s.started = true
	s.startedAt = time.Now()
	s.log.Info("session started",
		"sessionId", s.id,
		"sampleRate", s.cfg.SampleRate,
		"interim", !s.cfg.DisableInterim,
	)
	return nil
}

// ProcessSamples ingests little-endian PCM16 bytes. The byte count must be
// even: a trailing half-sample means the producer framed the stream wrong.
func (s *Session) ProcessSamples(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("session: not started")
	}
	if s.stopped {
		return errors.New("session: stopped")
	}
	if len(data)%pcm.BytesPerSample != 0 {
		return fmt.Errorf("session: pcm byte stream must hold whole samples, got %d bytes", len(data))
	}
	if len(data) == 0 {
		return nil
	}

	samples := pcm.BytesToSamples(data)
	s.chunks.ProcessSamples(samples)
	s.rolling.Append(samples)
	s.bytesIngested.Add(uint64(len(data)))
	return nil
}

// RecoverPendingSegments claims every segment the log considers recoverable
// and replays it through the dispatcher in ascending sequence order. Must run
// after Start and before any live audio; replayed segments keep their place
// ahead of new work.
func (s *Session) RecoverPendingSegments(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return 0, errors.New("session: not started")
	}
	if s.stopped {
		return 0, errors.New("session: stopped")
	}
	if s.bytesIngested.Load() > 0 {
		return 0, errors.New("session: recovery must run before live capture")
	}

	claimed, err := s.store.LoadRecoverable(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: load recoverable segments: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	if err := s.dispatcher.SubmitRecovered(claimed); err != nil {
		return 0, fmt.Errorf("session: replay recovered segments: %w", err)
	}
	s.log.Info("recovered segments queued for replay",
		"sessionId", s.id,
		"count", len(claimed),
		"firstSequence", claimed[0].SequenceIndex,
	)
	return len(claimed), nil
}

// Stop winds the session down in order: one final interim pass over the
// padded tail, a flush of whatever the chunker still holds, then a dispatcher
// drain so every durable segment reaches a terminal status before teardown.
// ctx bounds the drain. Idempotent.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("session: not started")
	}
	if s.stopped {
		return nil
	}
	s.stopped = true

	if !s.cfg.DisableInterim {
		if err := s.rolling.FinalPass(ctx); err != nil {
			s.log.Warn("final interim pass abandoned", "sessionId", s.id, "error", err)
		}
	}

	s.chunks.Flush()

	var stopErr error
	if err := s.dispatcher.Stop(ctx); err != nil {
		stopErr = err
		s.log.Warn("dispatcher stop incomplete", "sessionId", s.id, "error", err)
	}

	s.rolling.Stop()
	s.cancel()

	st := s.dispatcher.Stats()
	s.log.Info("session stopped",
		"sessionId", s.id,
		"bytesIngested", s.bytesIngested.Load(),
		"segmentsCompleted", st.Completed,
		"segmentsFailed", st.Failed,
	)
	return stopErr
}

// SetEnergyThreshold retunes the VAD energy threshold live.
func (s *Session) SetEnergyThreshold(threshold float64) {
	s.chunks.SetEnergyThreshold(threshold)
}

// SpeechActive reports whether the pipeline currently classifies the stream
// as speech.
func (s *Session) SpeechActive() bool { return s.chunks.SpeechActive() }

// Stats returns a cross-component snapshot.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	return Stats{
		SessionID:     s.id,
		StartedAt:     startedAt,
		BytesIngested: s.bytesIngested.Load(),
		Chunker:       s.chunks.Stats(),
		Interim:       s.rolling.Stats(),
		Dispatch:      s.dispatcher.Stats(),
	}
}
