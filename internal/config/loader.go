package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and validates the configuration file at path. Values absent
// from the file keep their [Default] settings.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r over the defaults and validates the
// result. Unknown fields are rejected so typos fail loudly instead of
// silently keeping a default.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// wellKnownProviders are the engine providers this binary registers itself.
// The registry is open, so an unrecognised name is a warning rather than an
// error: Create fails later if nothing registered it.
var wellKnownProviders = map[string]bool{
	"whisper":        true,
	"whisper-native": true,
	"openai":         true,
	"mock":           true,
}

// Validate checks cfg for consistency and returns all problems found,
// joined into a single error. It also emits warnings for configurations
// that are legal but probably not what the operator wants.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is not one of debug|info|warn|error", cfg.Server.LogLevel))
	}

	errs = append(errs, validateEngine("engine", cfg.Engine, true)...)

	p := cfg.Pipeline
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate must be positive, got %d", p.SampleRate))
	}
	if p.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.frame_duration_ms must be positive, got %d", p.FrameDurationMs))
	}

	switch {
	case !p.VAD.Backend.IsValid():
		errs = append(errs, fmt.Errorf("pipeline.vad.backend %q is not one of energy|webrtc", p.VAD.Backend))
	case p.VAD.Backend == VADEnergy:
		if p.VAD.EnergyThreshold <= 0 {
			errs = append(errs, errors.New("pipeline.vad.energy_threshold is required and must be positive: tune it to the deployment's noise floor"))
		}
	case p.VAD.Backend == VADWebRTC:
		if !validWebRTCRate(p.SampleRate) {
			errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is not supported by the webrtc backend (8000, 16000, 32000 or 48000)", p.SampleRate))
		}
		if p.FrameDurationMs != 10 && p.FrameDurationMs != 20 && p.FrameDurationMs != 30 {
			errs = append(errs, fmt.Errorf("pipeline.frame_duration_ms %d is not supported by the webrtc backend (10, 20 or 30)", p.FrameDurationMs))
		}
		if p.VAD.WebRTCMode < 0 || p.VAD.WebRTCMode > 3 {
			errs = append(errs, fmt.Errorf("pipeline.vad.webrtc_mode must be 0-3, got %d", p.VAD.WebRTCMode))
		}
	}
	if p.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.energy_threshold must not be negative, got %v", p.VAD.EnergyThreshold))
	}
	if p.VAD.SilenceThresholdMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.silence_threshold_ms must be positive, got %d", p.VAD.SilenceThresholdMs))
	}

	c := p.Chunking
	if c.MinChunkDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunking.min_chunk_duration_ms must be positive, got %d", c.MinChunkDurationMs))
	}
	if c.MaxChunkDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunking.max_chunk_duration_ms must be positive, got %d", c.MaxChunkDurationMs))
	}
	if c.MinSpeechDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunking.min_speech_duration_ms must be positive, got %d", c.MinSpeechDurationMs))
	}
	if c.MinChunkDurationMs > 0 && c.MaxChunkDurationMs > 0 && c.MinChunkDurationMs >= c.MaxChunkDurationMs {
		errs = append(errs, fmt.Errorf("pipeline.chunking.min_chunk_duration_ms (%d) must be below max_chunk_duration_ms (%d)", c.MinChunkDurationMs, c.MaxChunkDurationMs))
	}

	if p.Interim.Enabled {
		i := p.Interim
		if i.IntervalMs <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.interim.interval_ms must be positive, got %d", i.IntervalMs))
		}
		if i.RetentionWindowMs <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.interim.retention_window_ms must be positive, got %d", i.RetentionWindowMs))
		}
		if i.TranscriptionWindowMs <= 0 {
			errs = append(errs, fmt.Errorf("pipeline.interim.transcription_window_ms must be positive, got %d", i.TranscriptionWindowMs))
		}
		if i.TranscriptionWindowMs > i.RetentionWindowMs {
			errs = append(errs, fmt.Errorf("pipeline.interim.transcription_window_ms (%d) must not exceed retention_window_ms (%d)", i.TranscriptionWindowMs, i.RetentionWindowMs))
		}
		if i.OverlapDurationMs < 0 {
			errs = append(errs, fmt.Errorf("pipeline.interim.overlap_duration_ms must not be negative, got %d", i.OverlapDurationMs))
		}
		if i.EndPadMs < 0 {
			errs = append(errs, fmt.Errorf("pipeline.interim.end_pad_ms must not be negative, got %d", i.EndPadMs))
		}
		if i.IntervalMs > 0 && i.IntervalMs < 500 {
			slog.Warn("config: very short interim interval keeps the engine busy", "interval_ms", i.IntervalMs)
		}
	}

	s := cfg.Segments
	switch {
	case !s.Store.IsValid():
		errs = append(errs, fmt.Errorf("segments.store %q is not one of file|postgres", s.Store))
	case s.Store == SegmentStoreFile && s.Dir == "":
		errs = append(errs, errors.New("segments.dir is required for the file store"))
	case s.Store == SegmentStorePostgres && s.PostgresURL == "":
		errs = append(errs, errors.New("segments.postgres_url is required for the postgres store"))
	}
	if s.CleanupMaxAge != "" {
		if d, err := time.ParseDuration(s.CleanupMaxAge); err != nil {
			errs = append(errs, fmt.Errorf("segments.cleanup_max_age %q is not a duration: %v", s.CleanupMaxAge, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("segments.cleanup_max_age must not be negative, got %s", s.CleanupMaxAge))
		}
	}
	if s.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("segments.queue_depth must not be negative, got %d", s.QueueDepth))
	}
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("segments.max_retries must not be negative, got %d", s.MaxRetries))
	}
	if s.RetryBackoffMs < 0 {
		errs = append(errs, fmt.Errorf("segments.retry_backoff_ms must not be negative, got %d", s.RetryBackoffMs))
	}

	return errors.Join(errs...)
}

func validateEngine(path string, e EngineConfig, allowFallbacks bool) []error {
	var errs []error

	if e.Provider == "" {
		errs = append(errs, fmt.Errorf("%s.provider is required", path))
	} else if !wellKnownProviders[e.Provider] {
		slog.Warn("config: engine provider is not built in; it must be registered before use", "provider", e.Provider)
	}

	switch e.Provider {
	case "whisper":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for the whisper provider", path))
		}
	case "whisper-native":
		if e.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required for the whisper-native provider", path))
		}
	case "openai":
		if e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for the openai provider", path))
		}
	}

	if e.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout_ms must not be negative, got %d", path, e.TimeoutMs))
	}

	if len(e.Fallbacks) > 0 && !allowFallbacks {
		errs = append(errs, fmt.Errorf("%s.fallbacks must not be nested", path))
	}
	if allowFallbacks {
		for idx, fb := range e.Fallbacks {
			errs = append(errs, validateEngine(fmt.Sprintf("%s.fallbacks[%d]", path, idx), fb, false)...)
		}
	}

	return errs
}

func validWebRTCRate(rate int) bool {
	switch rate {
	case 8000, 16000, 32000, 48000:
		return true
	}
	return false
}
