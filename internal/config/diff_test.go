package config_test

import (
	"testing"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/config"
)

func diffBase() *config.Config {
	cfg := config.Default()
	cfg.Pipeline.VAD.EnergyThreshold = 600
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := diffBase(), diffBase()

	d := config.Diff(old, new)
	if d.HotApplicable() {
		t.Error("identical configs should not be hot-applicable")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("identical configs should need no restart, got %v", d.RestartRequired)
	}
}

func TestDiff_EnergyThresholdIsHotApplicable(t *testing.T) {
	t.Parallel()
	old, new := diffBase(), diffBase()
	new.Pipeline.VAD.EnergyThreshold = 900

	d := config.Diff(old, new)
	if !d.EnergyThresholdChanged {
		t.Fatal("threshold change not detected")
	}
	if d.NewEnergyThreshold != 900 {
		t.Errorf("NewEnergyThreshold: got %v, want 900", d.NewEnergyThreshold)
	}
	if !d.HotApplicable() {
		t.Error("threshold change should be hot-applicable")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("threshold change should need no restart, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelIsHotApplicable(t *testing.T) {
	t.Parallel()
	old, new := diffBase(), diffBase()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("log level change not detected")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want %q", d.NewLogLevel, config.LogDebug)
	}
	if !d.HotApplicable() {
		t.Error("log level change should be hot-applicable")
	}
}

func TestDiff_RestartRequiredChanges(t *testing.T) {
	t.Parallel()
	old, new := diffBase(), diffBase()
	new.Server.ListenAddr = ":9999"
	new.Engine.Provider = "openai"
	new.Pipeline.Chunking.MaxChunkDurationMs = 60000

	d := config.Diff(old, new)
	if d.HotApplicable() {
		t.Error("none of these changes are hot-applicable")
	}

	want := map[string]bool{
		"server.listen_addr": true,
		"engine":             true,
		"pipeline.chunking":  true,
	}
	if len(d.RestartRequired) != len(want) {
		t.Fatalf("RestartRequired: got %v, want the keys of %v", d.RestartRequired, want)
	}
	for _, field := range d.RestartRequired {
		if !want[field] {
			t.Errorf("unexpected restart-required field %q", field)
		}
	}
}

func TestDiff_FallbackChainChange(t *testing.T) {
	t.Parallel()
	old, new := diffBase(), diffBase()
	new.Engine.Fallbacks = []config.EngineConfig{{Provider: "mock"}}

	d := config.Diff(old, new)
	found := false
	for _, field := range d.RestartRequired {
		if field == "engine" {
			found = true
		}
	}
	if !found {
		t.Errorf("fallback change should require a restart, got %v", d.RestartRequired)
	}
}
