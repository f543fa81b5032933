// Package config provides the configuration schema, loader, engine provider
// registry, and file watcher for the speech capture daemon.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level scale. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// VADBackend selects the frame classifier implementation.
type VADBackend string

const (
	// VADEnergy is the RMS energy classifier.
	VADEnergy VADBackend = "energy"

	// VADWebRTC is the WebRTC VAD classifier.
	VADWebRTC VADBackend = "webrtc"
)

// IsValid reports whether b is a recognised VAD backend.
func (b VADBackend) IsValid() bool {
	return b == VADEnergy || b == VADWebRTC
}

// SegmentStore selects the segment log backend.
type SegmentStore string

const (
	// SegmentStoreFile is the append-only JSONL journal.
	SegmentStoreFile SegmentStore = "file"

	// SegmentStorePostgres is the shared PostgreSQL table.
	SegmentStorePostgres SegmentStore = "postgres"
)

// IsValid reports whether s is a recognised segment store backend.
func (s SegmentStore) IsValid() bool {
	return s == SegmentStoreFile || s == SegmentStorePostgres
}

// Config is the root configuration structure for the daemon.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Segments SegmentsConfig `yaml:"segments"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// EngineConfig selects and parameterises a transcription engine backend.
// The Provider field is used to look up the constructor in the [Registry].
type EngineConfig struct {
	// Provider selects the registered engine implementation
	// (e.g., "whisper", "whisper-native", "openai").
	Provider string `yaml:"provider"`

	// BaseURL is the endpoint for HTTP backends (whisper.cpp server URL, or
	// an OpenAI-compatible API base).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates hosted backends.
	APIKey string `yaml:"api_key"`

	// Model selects a model within the provider (e.g., "whisper-1").
	Model string `yaml:"model"`

	// ModelPath is the on-disk model file for in-process backends.
	ModelPath string `yaml:"model_path"`

	// Language hints the spoken language (e.g., "en").
	Language string `yaml:"language"`

	// TimeoutMs bounds one engine request. 0 uses the backend default.
	TimeoutMs int `yaml:"timeout_ms"`

	// Fallbacks are tried in order when the provider above fails. Entries
	// must not declare fallbacks of their own.
	Fallbacks []EngineConfig `yaml:"fallbacks"`
}

// Timeout returns the request timeout, zero when unset.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// PipelineConfig holds the capture pipeline tunables.
type PipelineConfig struct {
	// SampleRate of the incoming PCM in Hz.
	SampleRate int `yaml:"sample_rate"`

	// FrameDurationMs is the VAD frame duration.
	FrameDurationMs int `yaml:"frame_duration_ms"`

	VAD      VADConfig      `yaml:"vad"`
	Chunking ChunkingConfig `yaml:"chunking"`
	Interim  InterimConfig  `yaml:"interim"`
}

// FrameDuration returns the VAD frame duration.
func (p PipelineConfig) FrameDuration() time.Duration {
	return time.Duration(p.FrameDurationMs) * time.Millisecond
}

// VADConfig holds voice activity detection settings.
type VADConfig struct {
	// Backend selects the classifier.
	Backend VADBackend `yaml:"backend"`

	// EnergyThreshold is the RMS speech threshold for the energy backend.
	// Required: it must be tuned to the deployment's microphone. Typical
	// real-world values sit around 400-800.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// SilenceThresholdMs is the accumulated silence that arms chunking.
	SilenceThresholdMs int `yaml:"silence_threshold_ms"`

	// WebRTCMode is the aggressiveness (0-3) for the webrtc backend.
	WebRTCMode int `yaml:"webrtc_mode"`
}

// SilenceThreshold returns the silence threshold duration.
func (v VADConfig) SilenceThreshold() time.Duration {
	return time.Duration(v.SilenceThresholdMs) * time.Millisecond
}

// ChunkingConfig holds chunk boundary settings.
type ChunkingConfig struct {
	MinChunkDurationMs  int `yaml:"min_chunk_duration_ms"`
	MaxChunkDurationMs  int `yaml:"max_chunk_duration_ms"`
	MinSpeechDurationMs int `yaml:"min_speech_duration_ms"`
}

// MinChunkDuration returns the silence-trigger floor.
func (c ChunkingConfig) MinChunkDuration() time.Duration {
	return time.Duration(c.MinChunkDurationMs) * time.Millisecond
}

// MaxChunkDuration returns the unconditional finalisation valve.
func (c ChunkingConfig) MaxChunkDuration() time.Duration {
	return time.Duration(c.MaxChunkDurationMs) * time.Millisecond
}

// MinSpeechDuration returns the accumulated-speech gate.
func (c ChunkingConfig) MinSpeechDuration() time.Duration {
	return time.Duration(c.MinSpeechDurationMs) * time.Millisecond
}

// InterimConfig holds rolling interim transcription settings.
type InterimConfig struct {
	// Enabled turns the interim task on. The durable chunk pipeline runs
	// either way.
	Enabled bool `yaml:"enabled"`

	IntervalMs            int `yaml:"interval_ms"`
	RetentionWindowMs     int `yaml:"retention_window_ms"`
	TranscriptionWindowMs int `yaml:"transcription_window_ms"`
	OverlapDurationMs     int `yaml:"overlap_duration_ms"`
	EndPadMs              int `yaml:"end_pad_ms"`
}

// Interval returns the tick period.
func (i InterimConfig) Interval() time.Duration {
	return time.Duration(i.IntervalMs) * time.Millisecond
}

// RetentionWindow returns the rolling buffer cap.
func (i InterimConfig) RetentionWindow() time.Duration {
	return time.Duration(i.RetentionWindowMs) * time.Millisecond
}

// TranscriptionWindow returns the per-request window.
func (i InterimConfig) TranscriptionWindow() time.Duration {
	return time.Duration(i.TranscriptionWindowMs) * time.Millisecond
}

// OverlapDuration returns the post-finalize overlap.
func (i InterimConfig) OverlapDuration() time.Duration {
	return time.Duration(i.OverlapDurationMs) * time.Millisecond
}

// EndPad returns the final-pass silence pad.
func (i InterimConfig) EndPad() time.Duration {
	return time.Duration(i.EndPadMs) * time.Millisecond
}

// SegmentsConfig holds segment log and audio persistence settings.
type SegmentsConfig struct {
	// Store selects the segment log backend.
	Store SegmentStore `yaml:"store"`

	// Dir is the data directory for the file backend and for chunk audio.
	Dir string `yaml:"dir"`

	// PostgresURL is the connection string for the postgres backend.
	PostgresURL string `yaml:"postgres_url"`

	// CleanupMaxAge prunes terminal segments older than this (a Go duration
	// string such as "720h"). Empty disables cleanup.
	CleanupMaxAge string `yaml:"cleanup_max_age"`

	// QueueDepth bounds the dispatch work queue.
	QueueDepth int `yaml:"queue_depth"`

	// MaxRetries is the total engine attempts per segment.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoffMs is the base delay between attempts.
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
}

// RetryBackoff returns the base retry delay.
func (s SegmentsConfig) RetryBackoff() time.Duration {
	return time.Duration(s.RetryBackoffMs) * time.Millisecond
}

// CleanupAge returns the parsed cleanup age and whether cleanup is enabled.
// Validate has already checked the string parses.
func (s SegmentsConfig) CleanupAge() (time.Duration, bool) {
	if s.CleanupMaxAge == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s.CleanupMaxAge)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Default returns the configuration the daemon starts from before the YAML
// file is applied. EnergyThreshold deliberately has no default: it is
// deployment-specific and Validate rejects a config that leaves it unset
// while the energy backend is selected.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8090",
			LogLevel:   LogInfo,
		},
		Engine: EngineConfig{
			Provider: "whisper",
			BaseURL:  "http://127.0.0.1:8080",
		},
		Pipeline: PipelineConfig{
			SampleRate:      16000,
			FrameDurationMs: 10,
			VAD: VADConfig{
				Backend:            VADEnergy,
				SilenceThresholdMs: 1000,
				WebRTCMode:         2,
			},
			Chunking: ChunkingConfig{
				MinChunkDurationMs:  500,
				MaxChunkDurationMs:  30000,
				MinSpeechDurationMs: 1000,
			},
			Interim: InterimConfig{
				Enabled:               true,
				IntervalMs:            3000,
				RetentionWindowMs:     30000,
				TranscriptionWindowMs: 15000,
				OverlapDurationMs:     5000,
				EndPadMs:              2000,
			},
		},
		Segments: SegmentsConfig{
			Store:          SegmentStoreFile,
			Dir:            "data",
			CleanupMaxAge:  "720h",
			QueueDepth:     64,
			MaxRetries:     3,
			RetryBackoffMs: 500,
		},
	}
}
