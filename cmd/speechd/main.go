// Command speechd is the speech capture daemon: it ingests a PCM stream over
// a websocket, segments it at speech boundaries, and feeds the chunks to a
// transcription engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/app"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/config"
	"github.com/OpenParachutePBC/parachute-daily-sub002/internal/observe"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine"
	enginemock "github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine/mock"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine/openai"
	"github.com/OpenParachutePBC/parachute-daily-sub002/pkg/engine/whisper"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "speechd: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "speechd: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("speechd starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "parachute-speechd",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Engine registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinEngines(reg)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg,
		app.WithConfigFile(*configPath),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// ── Engine wiring ─────────────────────────────────────────────────────────────

// builtinEngines lists the transcription backends that ship with speechd.
// Used for startup logging.
var builtinEngines = []string{"whisper", "whisper-native", "openai", "mock"}

// registerBuiltinEngines wires all built-in engine factories into reg. Each
// factory receives the engine section of the config and constructs a backend
// from the real implementation packages.
func registerBuiltinEngines(reg *config.Registry) {
	reg.Register("whisper", func(ec config.EngineConfig) (engine.Transcriber, error) {
		var opts []whisper.Option
		if ec.Model != "" {
			opts = append(opts, whisper.WithModel(ec.Model))
		}
		if ec.Language != "" {
			opts = append(opts, whisper.WithLanguage(ec.Language))
		}
		if ec.TimeoutMs > 0 {
			opts = append(opts, whisper.WithHTTPClient(&http.Client{Timeout: ec.Timeout()}))
		}
		return whisper.New(ec.BaseURL, opts...)
	})

	reg.Register("whisper-native", func(ec config.EngineConfig) (engine.Transcriber, error) {
		var opts []whisper.NativeOption
		if ec.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(ec.Language))
		}
		return whisper.NewNative(ec.ModelPath, opts...)
	})

	reg.Register("openai", func(ec config.EngineConfig) (engine.Transcriber, error) {
		var opts []openai.Option
		if ec.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(ec.BaseURL))
		}
		if ec.Language != "" {
			opts = append(opts, openai.WithLanguage(ec.Language))
		}
		if ec.TimeoutMs > 0 {
			opts = append(opts, openai.WithTimeout(ec.Timeout()))
		}
		model := ec.Model
		if model == "" {
			model = "whisper-1"
		}
		return openai.New(ec.APIKey, model, opts...)
	})

	// mock returns empty transcripts; it exists so the capture pipeline can be
	// exercised without a transcription backend.
	reg.Register("mock", func(config.EngineConfig) (engine.Transcriber, error) {
		return &enginemock.Transcriber{}, nil
	})

	for _, name := range builtinEngines {
		slog.Debug("registered engine backend", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	interim := "enabled"
	if !cfg.Pipeline.Interim.Enabled {
		interim = "disabled"
	}

	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║       speechd - startup summary        ║")
	fmt.Println("╠════════════════════════════════════════╣")
	printRow("Engine", engineLabel(cfg.Engine))
	printRow("Fallbacks", fmt.Sprintf("%d", len(cfg.Engine.Fallbacks)))
	printRow("Segment store", string(cfg.Segments.Store))
	printRow("Data dir", cfg.Segments.Dir)
	printRow("Sample rate", fmt.Sprintf("%d Hz", cfg.Pipeline.SampleRate))
	printRow("VAD backend", string(cfg.Pipeline.VAD.Backend))
	printRow("Interim text", interim)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚════════════════════════════════════════╝")
}

func engineLabel(ec config.EngineConfig) string {
	if ec.Model != "" {
		return ec.Provider + " / " + ec.Model
	}
	if ec.ModelPath != "" {
		return ec.Provider + " / " + ec.ModelPath
	}
	return ec.Provider
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, value)
}
