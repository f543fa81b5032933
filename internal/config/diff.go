package config

// ConfigDiff describes what changed between two configurations and whether
// the change can be applied to a running daemon. Only the energy threshold
// and the log level hot-reload; everything else takes effect on restart.
type ConfigDiff struct {
	EnergyThresholdChanged bool
	NewEnergyThreshold     float64

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed settings that only apply on restart.
	RestartRequired []string
}

// HotApplicable reports whether the diff carries any live-applicable change.
func (d ConfigDiff) HotApplicable() bool {
	return d.EnergyThresholdChanged || d.LogLevelChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Pipeline.VAD.EnergyThreshold != new.Pipeline.VAD.EnergyThreshold {
		d.EnergyThresholdChanged = true
		d.NewEnergyThreshold = new.Pipeline.VAD.EnergyThreshold
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !enginesEqual(old.Engine, new.Engine) {
		d.RestartRequired = append(d.RestartRequired, "engine")
	}
	if old.Pipeline.SampleRate != new.Pipeline.SampleRate {
		d.RestartRequired = append(d.RestartRequired, "pipeline.sample_rate")
	}
	if old.Pipeline.FrameDurationMs != new.Pipeline.FrameDurationMs {
		d.RestartRequired = append(d.RestartRequired, "pipeline.frame_duration_ms")
	}
	if old.Pipeline.VAD.Backend != new.Pipeline.VAD.Backend {
		d.RestartRequired = append(d.RestartRequired, "pipeline.vad.backend")
	}
	if old.Pipeline.VAD.SilenceThresholdMs != new.Pipeline.VAD.SilenceThresholdMs {
		d.RestartRequired = append(d.RestartRequired, "pipeline.vad.silence_threshold_ms")
	}
	if old.Pipeline.VAD.WebRTCMode != new.Pipeline.VAD.WebRTCMode {
		d.RestartRequired = append(d.RestartRequired, "pipeline.vad.webrtc_mode")
	}
	if old.Pipeline.Chunking != new.Pipeline.Chunking {
		d.RestartRequired = append(d.RestartRequired, "pipeline.chunking")
	}
	if old.Pipeline.Interim != new.Pipeline.Interim {
		d.RestartRequired = append(d.RestartRequired, "pipeline.interim")
	}
	if old.Segments != new.Segments {
		d.RestartRequired = append(d.RestartRequired, "segments")
	}

	return d
}

// enginesEqual compares engine configs including the fallback chain.
// EngineConfig holds a slice, so == is not available.
func enginesEqual(a, b EngineConfig) bool {
	if a.Provider != b.Provider ||
		a.BaseURL != b.BaseURL ||
		a.APIKey != b.APIKey ||
		a.Model != b.Model ||
		a.ModelPath != b.ModelPath ||
		a.Language != b.Language ||
		a.TimeoutMs != b.TimeoutMs ||
		len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !enginesEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return true
}
