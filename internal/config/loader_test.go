package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/config"
)

const validYAML = `
server:
  listen_addr: ":9090"
engine:
  provider: whisper
  base_url: http://127.0.0.1:8080
pipeline:
  vad:
    energy_threshold: 600
segments:
  dir: /var/lib/parachute
`

func TestLoad_ValidFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Pipeline.VAD.EnergyThreshold != 600 {
		t.Errorf("energy_threshold: got %v, want 600", cfg.Pipeline.VAD.EnergyThreshold)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Pipeline.SampleRate != 16000 {
		t.Errorf("sample_rate default: got %d, want 16000", cfg.Pipeline.SampleRate)
	}
	if cfg.Pipeline.VAD.SilenceThresholdMs != 1000 {
		t.Errorf("silence_threshold_ms default: got %d, want 1000", cfg.Pipeline.VAD.SilenceThresholdMs)
	}
	if cfg.Pipeline.Chunking.MaxChunkDurationMs != 30000 {
		t.Errorf("max_chunk_duration_ms default: got %d, want 30000", cfg.Pipeline.Chunking.MaxChunkDurationMs)
	}
	if !cfg.Pipeline.Interim.Enabled {
		t.Error("interim should default to enabled")
	}
	if cfg.Segments.Store != config.SegmentStoreFile {
		t.Errorf("segments.store default: got %q, want %q", cfg.Segments.Store, config.SegmentStoreFile)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  vad:
    energy_treshold: 600
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for misspelled field, got nil")
	}
	if !strings.Contains(err.Error(), "energy_treshold") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestValidate_EnergyThresholdRequired(t *testing.T) {
	t.Parallel()
	yaml := `
segments:
  dir: /var/lib/parachute
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error when energy_threshold is unset, got nil")
	}
	if !strings.Contains(err.Error(), "energy_threshold") {
		t.Errorf("error should mention energy_threshold, got: %v", err)
	}
}

func TestValidate_WebRTCBackendSkipsThreshold(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  vad:
    backend: webrtc
segments:
  dir: /var/lib/parachute
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("webrtc backend should not require energy_threshold: %v", err)
	}
	if cfg.Pipeline.VAD.Backend != config.VADWebRTC {
		t.Errorf("backend: got %q, want %q", cfg.Pipeline.VAD.Backend, config.VADWebRTC)
	}
}

func TestValidate_WebRTCConstraints(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  sample_rate: 22050
  frame_duration_ms: 15
  vad:
    backend: webrtc
    webrtc_mode: 7
segments:
  dir: /var/lib/parachute
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for unsupported webrtc parameters, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"sample_rate", "frame_duration_ms", "webrtc_mode"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_ProviderRequirements(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		engine  string
		wantErr string
	}{
		{
			name: "whisper without base_url",
			engine: `
engine:
  provider: whisper
  base_url: ""
`,
			wantErr: "base_url",
		},
		{
			name: "whisper-native without model_path",
			engine: `
engine:
  provider: whisper-native
`,
			wantErr: "model_path",
		},
		{
			name: "openai without api_key",
			engine: `
engine:
  provider: openai
`,
			wantErr: "api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			yaml := tt.engine + `
pipeline:
  vad:
    energy_threshold: 600
segments:
  dir: /var/lib/parachute
`
			_, err := config.LoadFromReader(strings.NewReader(yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %s, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_NestedFallbacksRejected(t *testing.T) {
	t.Parallel()
	yaml := `
engine:
  provider: whisper
  base_url: http://127.0.0.1:8080
  fallbacks:
    - provider: mock
      fallbacks:
        - provider: mock
pipeline:
  vad:
    energy_threshold: 600
segments:
  dir: /var/lib/parachute
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for nested fallbacks, got nil")
	}
	if !strings.Contains(err.Error(), "nested") {
		t.Errorf("error should mention nesting, got: %v", err)
	}
}

func TestValidate_ChunkingOrdering(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  vad:
    energy_threshold: 600
  chunking:
    min_chunk_duration_ms: 30000
    max_chunk_duration_ms: 500
segments:
  dir: /var/lib/parachute
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for min >= max chunk duration, got nil")
	}
	if !strings.Contains(err.Error(), "min_chunk_duration_ms") {
		t.Errorf("error should mention min_chunk_duration_ms, got: %v", err)
	}
}

func TestValidate_InterimWindowOrdering(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  vad:
    energy_threshold: 600
  interim:
    transcription_window_ms: 60000
    retention_window_ms: 30000
segments:
  dir: /var/lib/parachute
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for transcription window beyond retention, got nil")
	}
	if !strings.Contains(err.Error(), "transcription_window_ms") {
		t.Errorf("error should mention transcription_window_ms, got: %v", err)
	}
}

func TestValidate_StoreRequirements(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  vad:
    energy_threshold: 600
segments:
  store: postgres
  dir: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres store without URL, got nil")
	}
	if !strings.Contains(err.Error(), "postgres_url") {
		t.Errorf("error should mention postgres_url, got: %v", err)
	}

	yaml = `
pipeline:
  vad:
    energy_threshold: 600
segments:
  store: redis
`
	_, err = config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown store, got nil")
	}
	if !strings.Contains(err.Error(), "file|postgres") {
		t.Errorf("error should list valid stores, got: %v", err)
	}
}

func TestValidate_CleanupMaxAgeParse(t *testing.T) {
	t.Parallel()
	yaml := `
pipeline:
  vad:
    energy_threshold: 600
segments:
  dir: /var/lib/parachute
  cleanup_max_age: "3 days"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unparseable cleanup_max_age, got nil")
	}
	if !strings.Contains(err.Error(), "cleanup_max_age") {
		t.Errorf("error should mention cleanup_max_age, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  listen_addr: ""
  log_level: bananas
engine:
  provider: ""
segments:
  dir: /var/lib/parachute
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"listen_addr", "log_level", "provider", "energy_threshold"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("joined error should mention %s, got: %v", want, err)
		}
	}
}
