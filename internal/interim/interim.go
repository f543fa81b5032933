// Package interim produces low-latency rolling transcriptions while the
// speaker is still talking.
//
// A bounded window of the most recent audio is re-transcribed on a timer,
// and each result wholesale-replaces the previous interim text on the event
// bus. Interim output is display state only: it is never persisted, never
// retried, and a failed request simply leaves the previous text standing.
// The durable transcript comes from the chunk pipeline.
package interim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/events"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/pcm"
)

const (
	// DefaultInterval is the tick period between interim attempts.
	DefaultInterval = 3 * time.Second

	// DefaultRetentionWindow caps the rolling audio buffer.
	DefaultRetentionWindow = 30 * time.Second

	// DefaultTranscriptionWindow is how much recent audio each interim
	// request carries.
	DefaultTranscriptionWindow = 15 * time.Second

	// DefaultOverlapDuration is what survives in the window when a chunk
	// finalises, giving the next interim continuity across the boundary.
	DefaultOverlapDuration = 5 * time.Second

	// DefaultEndPad is the silence appended before the last interim request.
	// Batch engines clip trailing audio when no silence follows; the pad
	// restores the tail of the utterance.
	DefaultEndPad = 2 * time.Second
)

// SpeechProbe reports whether the capture path currently classifies the
// stream as speech. Ticks during silence do nothing.
type SpeechProbe func() bool

// Config holds the interim transcription tunables.
type Config struct {
	// SampleRate of the incoming PCM in Hz. Required.
	SampleRate int

	// Interval between interim attempts. Defaults to 3s.
	Interval time.Duration

	// RetentionWindow bounds the rolling buffer. Defaults to 30s.
	RetentionWindow time.Duration

	// TranscriptionWindow bounds each request. Defaults to 15s.
	TranscriptionWindow time.Duration

	// OverlapDuration survives a finalize notification. Defaults to 5s.
	OverlapDuration time.Duration

	// EndPad is the silence appended by FinalPass. Defaults to 2s.
	EndPad time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.RetentionWindow == 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.TranscriptionWindow == 0 {
		c.TranscriptionWindow = DefaultTranscriptionWindow
	}
	if c.OverlapDuration == 0 {
		c.OverlapDuration = DefaultOverlapDuration
	}
	if c.EndPad == 0 {
		c.EndPad = DefaultEndPad
	}
}

func (c Config) validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("interim: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Interval < 0 || c.RetentionWindow < 0 || c.TranscriptionWindow < 0 || c.OverlapDuration < 0 || c.EndPad < 0 {
		errs = append(errs, errors.New("interim: durations must not be negative"))
	}
	if c.TranscriptionWindow > c.RetentionWindow {
		errs = append(errs, fmt.Errorf("interim: transcription window %v exceeds retention window %v", c.TranscriptionWindow, c.RetentionWindow))
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time snapshot of interim activity.
type Stats struct {
	Issued         uint64
	Skipped        uint64
	Errors         uint64
	WindowDuration time.Duration
}

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transcriber) { t.log = l }
}

// Transcriber is the rolling interim task. The owning session feeds it every
// ingest batch via Append, notifies it of chunk finalizations, runs it with
// Start, and tears it down with Stop.
type Transcriber struct {
	cfg    Config
	engine engine.Transcriber
	probe  SpeechProbe
	bus    *events.Bus
	log    *slog.Logger

	mu      sync.Mutex
	win     *window
	started bool
	stopped bool
	cancel  context.CancelFunc

	inFlight atomic.Bool
	wg       sync.WaitGroup

	issued  atomic.Uint64
	skipped atomic.Uint64
	errs    atomic.Uint64
}

// New creates a Transcriber. probe gates ticks on current speech activity.
func New(cfg Config, eng engine.Transcriber, probe SpeechProbe, bus *events.Bus, opts ...Option) (*Transcriber, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if eng == nil {
		return nil, errors.New("interim: transcriber engine must not be nil")
	}
	if probe == nil {
		return nil, errors.New("interim: speech probe must not be nil")
	}
	if bus == nil {
		return nil, errors.New("interim: event bus must not be nil")
	}
	t := &Transcriber{
		cfg:    cfg,
		engine: eng,
		probe:  probe,
		bus:    bus,
		log:    slog.Default(),
		win:    newWindow(cfg.SampleRate, cfg.RetentionWindow),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Append adds freshly ingested samples to the rolling window. Cheap; called
// inline on the capture path.
func (t *Transcriber) Append(samples []int16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.win.append(samples)
}

// NotifyFinalized truncates the window to the overlap tail. Call when a
// chunk finalises: the finalize path owns that audio now.
func (t *Transcriber) NotifyFinalized() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.win.truncateTo(t.cfg.OverlapDuration)
}

// Start launches the tick loop. The loop stops when ctx is cancelled or Stop
// is called.
func (t *Transcriber) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.New("interim: already started")
	}
	t.started = true
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.wg.Add(1)
	go t.run(runCtx)
	return nil
}

func (t *Transcriber) run(ctx context.Context) {
	defer t.wg.Done()
	tick := time.NewTicker(t.cfg.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			t.tick(ctx)
		}
	}
}

// tick issues one interim request if the speaker is active and none is
// outstanding. A tick that finds a request in flight is skipped, not queued;
// the next tick will carry newer audio anyway.
func (t *Transcriber) tick(ctx context.Context) {
	if !t.probe() {
		return
	}
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		t.log.Debug("interim tick skipped, request in flight")
		return
	}

	t.mu.Lock()
	samples := t.win.tail(t.cfg.TranscriptionWindow)
	t.mu.Unlock()
	if len(samples) == 0 {
		t.inFlight.Store(false)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.inFlight.Store(false)
		t.transcribe(ctx, samples)
	}()
}

// transcribe runs one engine call and publishes the result. Errors are
// swallowed: the previous interim text stays on screen and the durable path
// is unaffected.
func (t *Transcriber) transcribe(ctx context.Context, samples []int16) {
	t.issued.Add(1)
	res, err := t.engine.Transcribe(ctx, pcm.SamplesToBytes(samples))
	if err != nil {
		t.errs.Add(1)
		t.log.Debug("interim transcription failed", "error", err)
		return
	}

	t.mu.Lock()
	discard := t.stopped
	t.mu.Unlock()
	if discard {
		t.log.Debug("interim result after stop discarded")
		return
	}
	t.bus.PublishInterim(events.InterimText{Text: res.Text, UpdatedAt: time.Now()})
}

// FinalPass pads the window with EndPad of silence and issues one last
// awaited interim request, giving the display the tail of the utterance
// before the final flush. Waits for any outstanding request first; ctx
// bounds the whole pass.
func (t *Transcriber) FinalPass(ctx context.Context) error {
	for !t.inFlight.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("interim: final pass: %w", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
	defer t.inFlight.Store(false)

	t.mu.Lock()
	t.win.append(make([]int16, pcm.SampleCount(t.cfg.EndPad, t.cfg.SampleRate)))
	samples := t.win.tail(t.cfg.TranscriptionWindow)
	t.mu.Unlock()
	if len(samples) == 0 {
		return nil
	}

	t.issued.Add(1)
	res, err := t.engine.Transcribe(ctx, pcm.SamplesToBytes(samples))
	if err != nil {
		t.errs.Add(1)
		t.log.Debug("final interim pass failed", "error", err)
		return nil
	}
	t.bus.PublishInterim(events.InterimText{Text: res.Text, UpdatedAt: time.Now()})
	return nil
}

// Stop cancels the tick loop and waits for any in-flight request to wind
// down. Results that complete after Stop has begun are discarded. Idempotent.
func (t *Transcriber) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
}

// Reset clears the rolling window. Called at session start.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.win.reset()
}

// Stats returns an activity snapshot.
func (t *Transcriber) Stats() Stats {
	t.mu.Lock()
	dur := t.win.duration()
	t.mu.Unlock()
	return Stats{
		Issued:         t.issued.Load(),
		Skipped:        t.skipped.Load(),
		Errors:         t.errs.Load(),
		WindowDuration: dur,
	}
}
