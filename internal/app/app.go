// Package app wires the speech capture subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithSegmentStore,
// WithEngine, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/audiostore"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/chunker"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/config"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/dispatch"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/events"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/health"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/interim"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/observe"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/resilience"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/seglog"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/server"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/session"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/vad"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
)

// cleanupInterval is how often the terminal-segment pruning pass runs.
const cleanupInterval = time.Hour

// App owns all subsystem lifetimes and orchestrates the capture daemon.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	segments seglog.Store
	audio    audiostore.Store
	audioDir string
	engine   engine.Transcriber
	fallback *resilience.TranscriberFallback
	bus      *events.Bus
	sessions *session.Manager
	metrics  *observe.Metrics
	server   *server.Server
	watcher  *config.Watcher

	// rawEngine is the primary backend before instrumentation, kept so the
	// readiness probe can reach its Ping method.
	rawEngine engine.Transcriber

	configPath string
	logLevel   *slog.LevelVar

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSegmentStore injects a segment log instead of creating one from config.
func WithSegmentStore(s seglog.Store) Option {
	return func(a *App) { a.segments = s }
}

// WithAudioStore injects an audio store instead of creating a file store.
func WithAudioStore(s audiostore.Store) Option {
	return func(a *App) { a.audio = s }
}

// WithEngine injects a transcription engine, bypassing the provider registry.
func WithEngine(t engine.Transcriber) Option {
	return func(a *App) { a.engine = t }
}

// WithConfigFile enables hot reload by watching the given config file.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithLogLevel hands the daemon's level var over so log-level changes in the
// config file apply without a restart.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The registry maps
// engine provider names to constructors; main populates it with the built-in
// backends. Use Option functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: store opening (and journal
// replay), engine construction including the fallback chain, pipeline
// assembly, and the HTTP server setup. Nothing listens until Run.
func New(ctx context.Context, cfg *config.Config, registry *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		registry: registry,
		metrics:  observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Segment log ───────────────────────────────────────────────────
	if err := a.initSegments(ctx); err != nil {
		return nil, fmt.Errorf("app: init segment log: %w", err)
	}

	// ── 2. Audio store ───────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return nil, fmt.Errorf("app: init audio store: %w", err)
	}

	// ── 3. Transcription engine ──────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return nil, fmt.Errorf("app: init engine: %w", err)
	}

	// ── 4. Event bus ─────────────────────────────────────────────────────
	a.bus = events.NewBus()
	a.closers = append(a.closers, func() error {
		a.bus.Close()
		return nil
	})

	// ── 5. Session manager ───────────────────────────────────────────────
	if err := a.initSessions(); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 6. HTTP server ───────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	// ── 7. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init config watcher: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSegments opens the configured segment log backend.
func (a *App) initSegments(ctx context.Context) error {
	if a.segments != nil {
		return nil // injected
	}

	switch a.cfg.Segments.Store {
	case config.SegmentStorePostgres:
		store, err := seglog.NewPostgresStore(ctx, a.cfg.Segments.PostgresURL)
		if err != nil {
			return err
		}
		a.segments = store
		a.closers = append(a.closers, store.Close)
		slog.Info("segment log ready", "backend", "postgres")

	default:
		path := filepath.Join(a.cfg.Segments.Dir, "segments.log")
		store, err := seglog.NewFileStore(path)
		if err != nil {
			return err
		}
		a.segments = store
		a.closers = append(a.closers, store.Close)
		slog.Info("segment log ready", "backend", "file", "path", path)
	}
	return nil
}

// initAudio sets up the chunk audio store beneath the data directory.
func (a *App) initAudio() error {
	if a.audio != nil {
		return nil // injected
	}

	dir := filepath.Join(a.cfg.Segments.Dir, "audio")
	store, err := audiostore.NewFileStore(dir)
	if err != nil {
		return err
	}
	a.audio = store
	a.audioDir = dir
	a.closers = append(a.closers, store.Close)
	return nil
}

// initEngine builds the primary engine and its fallback chain from the
// registry. Every backend is wrapped for metrics under its provider name.
func (a *App) initEngine() error {
	if a.engine != nil {
		a.rawEngine = a.engine
		return nil // injected
	}

	primary, err := a.registry.Create(a.cfg.Engine)
	if err != nil {
		return fmt.Errorf("create engine %q: %w", a.cfg.Engine.Provider, err)
	}
	a.rawEngine = primary
	if c, ok := primary.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	// The primary sits behind its own circuit breaker even when no
	// fallback chain is configured.
	wrapped := engine.Transcriber(observe.WrapTranscriber(primary, a.metrics, a.cfg.Engine.Provider))
	fb := resilience.NewTranscriberFallback(wrapped, a.cfg.Engine.Provider, resilience.FallbackConfig{
		CircuitBreaker: resilience.BreakerConfig{Name: a.cfg.Engine.Provider},
	})
	for _, fc := range a.cfg.Engine.Fallbacks {
		eng, err := a.registry.Create(fc)
		if err != nil {
			return fmt.Errorf("create fallback engine %q: %w", fc.Provider, err)
		}
		if c, ok := eng.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
		fb.AddFallback(fc.Provider, observe.WrapTranscriber(eng, a.metrics, fc.Provider))
		slog.Info("fallback engine registered", "provider", fc.Provider)
	}
	a.engine = fb
	a.fallback = fb
	return nil
}

// initSessions assembles the pipeline template and the session manager.
func (a *App) initSessions() error {
	p := a.cfg.Pipeline
	scfg := session.Config{
		SampleRate: p.SampleRate,
		VAD: vad.Config{
			SampleRate:       p.SampleRate,
			FrameDuration:    p.FrameDuration(),
			EnergyThreshold:  p.VAD.EnergyThreshold,
			SilenceThreshold: p.VAD.SilenceThreshold(),
		},
		Chunker: chunker.Config{
			SampleRate:        p.SampleRate,
			MinChunkDuration:  p.Chunking.MinChunkDuration(),
			MaxChunkDuration:  p.Chunking.MaxChunkDuration(),
			MinSpeechDuration: p.Chunking.MinSpeechDuration(),
		},
		Interim: interim.Config{
			SampleRate:          p.SampleRate,
			Interval:            p.Interim.Interval(),
			RetentionWindow:     p.Interim.RetentionWindow(),
			TranscriptionWindow: p.Interim.TranscriptionWindow(),
			OverlapDuration:     p.Interim.OverlapDuration(),
			EndPad:              p.Interim.EndPad(),
		},
		Dispatch: dispatch.Config{
			QueueSize: a.cfg.Segments.QueueDepth,
			Retry: resilience.RetryConfig{
				Attempts:  a.cfg.Segments.MaxRetries,
				BaseDelay: a.cfg.Segments.RetryBackoff(),
			},
		},
		DisableInterim: !p.Interim.Enabled,
	}

	var classifier vad.Classifier
	if p.VAD.Backend == config.VADWebRTC {
		c, err := vad.NewWebRTCClassifier(p.SampleRate, p.VAD.WebRTCMode)
		if err != nil {
			return err
		}
		classifier = c
	}

	mgr, err := session.NewManager(session.ManagerConfig{
		Session:    scfg,
		Deps:       session.Deps{Store: a.segments, Audio: a.audio, Engine: a.engine, Bus: a.bus},
		Classifier: classifier,
	})
	if err != nil {
		return err
	}
	a.sessions = mgr
	return nil
}

// initServer builds the health surface and the HTTP server, and registers the
// queue depth gauge against the active session.
func (a *App) initServer() error {
	checkers := []health.Checker{
		health.StoreChecker(a.segments),
		health.EngineChecker(a.rawEngine),
	}
	if a.audioDir != "" {
		checkers = append(checkers, health.AudioDirChecker(a.audioDir))
	}

	var breakers func() map[string]resilience.State
	if a.fallback != nil {
		breakers = a.fallback.BreakerStates
	}

	srv, err := server.New(server.Config{ListenAddr: a.cfg.Server.ListenAddr}, server.Deps{
		Sessions:      a.sessions,
		Bus:           a.bus,
		Health:        health.New(checkers...),
		Metrics:       a.metrics,
		BreakerStates: breakers,
	})
	if err != nil {
		return err
	}
	a.server = srv

	reg, err := a.metrics.RegisterQueueDepth(func() int64 {
		if s := a.sessions.ActiveSession(); s != nil {
			return int64(s.Stats().Dispatch.QueueDepth)
		}
		return 0
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, reg.Unregister)
	return nil
}

// initWatcher starts polling the config file when hot reload is enabled.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	w, err := config.NewWatcher(a.configPath, a.applyConfig)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// applyConfig runs on the watcher goroutine with a freshly validated config.
// Only the energy threshold and the log level apply live; everything else is
// reported as needing a restart.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.EnergyThresholdChanged {
		a.sessions.SetEnergyThreshold(d.NewEnergyThreshold)
		slog.Info("energy threshold retuned", "threshold", d.NewEnergyThreshold)
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	for _, setting := range d.RestartRequired {
		slog.Warn("config change requires restart", "setting", setting)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server and blocks until ctx is cancelled. When segment
// cleanup is configured, a pruning pass runs periodically in the background.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("app: start server: %w", err)
	}

	var wg sync.WaitGroup
	if age, ok := a.cfg.Segments.CleanupAge(); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.cleanupLoop(ctx, age)
		}()
	}

	slog.Info("app running",
		"addr", a.server.Addr(),
		"engine", a.cfg.Engine.Provider,
		"store", a.cfg.Segments.Store,
	)
	<-ctx.Done()

	wg.Wait()
	return ctx.Err()
}

// cleanupLoop prunes terminal segments older than age until ctx ends.
func (a *App) cleanupLoop(ctx context.Context, age time.Duration) {
	tick := time.NewTicker(cleanupInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := a.segments.Cleanup(ctx, age)
			if err != nil {
				slog.Warn("segment cleanup failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("pruned terminal segments", "count", n, "olderThan", age)
			}
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears everything down: the active session first so its stream
// drains into the segment log, then the HTTP server, then the closers in
// init order. It respects the context deadline: if ctx expires, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.IsActive() {
			if err := a.sessions.StopSession(ctx); err != nil {
				slog.Warn("session stop error", "err", err)
			}
		}

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
