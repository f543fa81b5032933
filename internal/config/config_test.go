package config_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/config"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	enginemock "github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine/mock"
)

func TestDefault_RequiresThresholdTuning(t *testing.T) {
	t.Parallel()
	// The defaults alone must not validate: the energy threshold is
	// deployment-specific and has to come from the operator.
	err := config.Validate(config.Default())
	if err == nil {
		t.Fatal("Default() should not validate without an energy threshold")
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("verbose").IsValid() {
		t.Error("\"verbose\" should not be valid")
	}
}

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{config.LogLevel("bogus"), slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := tt.in.Level(); got != tt.want {
			t.Errorf("Level(%q): got %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDurationAccessors(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Engine.TimeoutMs = 45000

	if got := cfg.Engine.Timeout(); got != 45*time.Second {
		t.Errorf("engine timeout: got %v, want 45s", got)
	}
	if got := cfg.Pipeline.FrameDuration(); got != 10*time.Millisecond {
		t.Errorf("frame duration: got %v, want 10ms", got)
	}
	if got := cfg.Pipeline.VAD.SilenceThreshold(); got != time.Second {
		t.Errorf("silence threshold: got %v, want 1s", got)
	}
	if got := cfg.Pipeline.Chunking.MaxChunkDuration(); got != 30*time.Second {
		t.Errorf("max chunk duration: got %v, want 30s", got)
	}
	if got := cfg.Pipeline.Interim.Interval(); got != 3*time.Second {
		t.Errorf("interim interval: got %v, want 3s", got)
	}
	if got := cfg.Segments.RetryBackoff(); got != 500*time.Millisecond {
		t.Errorf("retry backoff: got %v, want 500ms", got)
	}
}

func TestSegmentsConfig_CleanupAge(t *testing.T) {
	t.Parallel()
	s := config.SegmentsConfig{CleanupMaxAge: "720h"}
	d, ok := s.CleanupAge()
	if !ok {
		t.Fatal("CleanupAge should report enabled for a valid duration")
	}
	if d != 720*time.Hour {
		t.Errorf("cleanup age: got %v, want 720h", d)
	}

	s.CleanupMaxAge = ""
	if _, ok := s.CleanupAge(); ok {
		t.Error("empty cleanup_max_age should report disabled")
	}
}

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.Register("mock", func(cfg config.EngineConfig) (engine.Transcriber, error) {
		return &enginemock.Transcriber{Result: engine.Result{Text: "from " + cfg.Provider}}, nil
	})

	tr, err := reg.Create(config.EngineConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr == nil {
		t.Fatal("Create returned nil transcriber")
	}
}

func TestRegistry_CreateUnregistered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	_, err := reg.Create(config.EngineConfig{Provider: "deepgram"})
	if err == nil {
		t.Fatal("expected error for unregistered provider, got nil")
	}
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("error should wrap ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	factory := func(config.EngineConfig) (engine.Transcriber, error) {
		return &enginemock.Transcriber{}, nil
	}
	reg.Register("whisper", factory)
	reg.Register("mock", factory)
	reg.Register("openai", factory)

	names := reg.Names()
	want := []string{"mock", "openai", "whisper"}
	if len(names) != len(want) {
		t.Fatalf("Names: got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Names[%d]: got %q, want %q", i, names[i], want[i])
		}
	}
}
