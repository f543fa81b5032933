// Package vad implements per-frame voice activity detection for the capture
// pipeline.
//
// A Detector consumes fixed-duration frames of 16-bit mono PCM and tracks
// speech/silence accumulation; the frame-level speech decision itself is
// delegated to a Classifier backend (energy RMS by default, WebRTC VAD as an
// alternative). Classification is intentionally instant: a single frame above
// or below the threshold flips state immediately, with no hysteresis beyond
// the consecutive-frame counters kept for observability. Smoothing belongs to
// the chunking layer's duration gates, not here.
package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

const (
	// DefaultEnergyThreshold is the RMS level (16-bit PCM units) above which a
	// frame counts as speech. 100 is a weak threshold that accepts most audible
	// input; real microphones in noisy rooms typically need 400-800+.
	DefaultEnergyThreshold = 100.0

	// DefaultSilenceThreshold is the accumulated-silence duration after which
	// ShouldChunk reports true.
	DefaultSilenceThreshold = time.Second

	// DefaultFrameDuration is the per-frame duration the pipeline feeds the
	// detector (sampleRate/100 samples).
	DefaultFrameDuration = 10 * time.Millisecond
)

// Config holds the tunables for a Detector.
type Config struct {
	// SampleRate of the incoming PCM in Hz. Required.
	SampleRate int

	// FrameDuration is the nominal duration of one frame. Defaults to 10ms.
	FrameDuration time.Duration

	// EnergyThreshold is the RMS speech threshold for the energy classifier.
	// Required configuration: deployments must tune it to their microphone.
	EnergyThreshold float64

	// SilenceThreshold is the accumulated silence that arms ShouldChunk.
	// Defaults to 1s.
	SilenceThreshold time.Duration
}

func (c *Config) applyDefaults() {
	if c.FrameDuration == 0 {
		c.FrameDuration = DefaultFrameDuration
	}
	if c.SilenceThreshold == 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.EnergyThreshold == 0 {
		c.EnergyThreshold = DefaultEnergyThreshold
	}
}

func (c Config) validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: frame duration must not be negative, got %v", c.FrameDuration))
	}
	if c.SilenceThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad: silence threshold must not be negative, got %v", c.SilenceThreshold))
	}
	if c.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad: energy threshold must not be negative, got %f", c.EnergyThreshold))
	}
	return errors.Join(errs...)
}

// State is a read-only snapshot of the detector's accumulation counters.
type State struct {
	ConsecutiveSpeechFrames  int
	ConsecutiveSilenceFrames int
	AccumulatedSpeech        time.Duration
	AccumulatedSilence       time.Duration
	Speaking                 bool
}

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithClassifier replaces the default energy classifier.
func WithClassifier(c Classifier) Option {
	return func(d *Detector) { d.classifier = c }
}

// WithLogger sets the logger used for classifier failures. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// Detector tracks speech/silence accumulation across frames. It is owned by
// exactly one consumer and is not safe for concurrent use; the owning
// component serialises access, including live threshold retunes.
type Detector struct {
	cfg        Config
	classifier Classifier
	log        *slog.Logger

	speechFrames  int
	silenceFrames int
	speechDur     time.Duration
	silenceDur    time.Duration
	speaking      bool

	warnedClassify sync.Once
}

// New creates a Detector. Without WithClassifier it uses the RMS energy
// classifier at cfg.EnergyThreshold.
func New(cfg Config, opts ...Option) (*Detector, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	d := &Detector{
		cfg: cfg,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.classifier == nil {
		d.classifier = NewEnergyClassifier(cfg.EnergyThreshold)
	}
	return d, nil
}

// ProcessFrame classifies one frame and updates accumulation state. It
// returns true when the frame was classified as speech. An empty frame is a
// no-op returning false.
//
// On speech: silence accumulation resets to zero. On silence: speech
// accumulation is retained (it is cumulative since the last Reset).
func (d *Detector) ProcessFrame(frame []int16) bool {
	if len(frame) == 0 {
		return false
	}

	speech, err := d.classifier.Classify(frame)
	if err != nil {
		// Treat unclassifiable frames as silence so accumulation stays
		// consistent; warn once per detector.
		d.warnedClassify.Do(func() {
			d.log.Warn("vad: classifier failed, counting frame as silence", "error", err)
		})
		speech = false
	}

	frameDur := pcm.Duration(len(frame), d.cfg.SampleRate)

	if speech {
		d.speechFrames++
		d.silenceFrames = 0
		d.speechDur += frameDur
		d.silenceDur = 0
		d.speaking = true
	} else {
		d.silenceFrames++
		d.speechFrames = 0
		d.silenceDur += frameDur
		d.speaking = false
	}
	return speech
}

// ShouldChunk reports whether accumulated silence has reached the configured
// silence threshold.
func (d *Detector) ShouldChunk() bool {
	return d.silenceDur >= d.cfg.SilenceThreshold
}

// Reset zeroes all counters and durations and resets the classifier.
// Idempotent; called at session start and after every chunk finalisation.
func (d *Detector) Reset() {
	d.speechFrames = 0
	d.silenceFrames = 0
	d.speechDur = 0
	d.silenceDur = 0
	d.speaking = false
	d.classifier.Reset()
}

// State returns a snapshot of the accumulation counters.
func (d *Detector) State() State {
	return State{
		ConsecutiveSpeechFrames:  d.speechFrames,
		ConsecutiveSilenceFrames: d.silenceFrames,
		AccumulatedSpeech:        d.speechDur,
		AccumulatedSilence:       d.silenceDur,
		Speaking:                 d.speaking,
	}
}

// AccumulatedSpeech returns the total speech duration since the last Reset.
func (d *Detector) AccumulatedSpeech() time.Duration { return d.speechDur }

// Speaking reports whether the most recent frame was classified as speech.
func (d *Detector) Speaking() bool { return d.speaking }

// SetEnergyThreshold retunes the energy classifier at runtime. It is a no-op
// for classifiers that are not threshold-based (e.g. WebRTC).
func (d *Detector) SetEnergyThreshold(threshold float64) {
	if t, ok := d.classifier.(thresholdClassifier); ok {
		t.SetThreshold(threshold)
	}
}
