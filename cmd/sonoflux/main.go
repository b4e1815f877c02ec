// Command sonoflux runs the speech segmentation service: it ingests live
// audio over websocket, buffers and segments it against a remote
// voice-activity detector, and streams recognized transcripts to disk and
// the archive.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/virelia/sonoflux/internal/app"
	"github.com/virelia/sonoflux/internal/config"
	"github.com/virelia/sonoflux/internal/observe"
	"github.com/virelia/sonoflux/pkg/classifier"
	"github.com/virelia/sonoflux/pkg/classifier/asrhttp"
	"github.com/virelia/sonoflux/pkg/classifier/vadws"
)

// version is stamped by the build.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("sonoflux", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sonoflux: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sonoflux: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config reloads can change it without
	// rebuilding the handler.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("sonoflux starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "sonoflux",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Gateway drivers ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDrivers(reg)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChanges(application, level, config.Diff(old, new))
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Driver wiring ─────────────────────────────────────────────────────────────

// registerBuiltinDrivers wires the gateway implementations that ship with
// sonoflux into reg: the websocket voice-activity client and the HTTP
// recognition client.
func registerBuiltinDrivers(reg *config.Registry) {
	reg.RegisterVAD("websocket", func(ctx context.Context, cfg config.VADConfig) (classifier.VADGateway, error) {
		var opts []vadws.Option
		if cfg.Token != "" {
			opts = append(opts, vadws.WithToken(cfg.Token))
		}
		if cfg.QueueSize > 0 {
			opts = append(opts, vadws.WithQueueSize(cfg.QueueSize))
		}
		if cfg.DialTimeoutMs > 0 {
			opts = append(opts, vadws.WithDialTimeout(time.Duration(cfg.DialTimeoutMs)*time.Millisecond))
		}
		if cfg.MaxRetries > 0 {
			opts = append(opts, vadws.WithMaxRetries(cfg.MaxRetries))
		}
		return vadws.Dial(ctx, cfg.Endpoint, opts...)
	})

	reg.RegisterRecognition("http", func(_ context.Context, cfg config.RecognitionConfig) (classifier.RecognitionGateway, error) {
		var opts []asrhttp.Option
		if cfg.Token != "" {
			opts = append(opts, asrhttp.WithToken(cfg.Token))
		}
		if cfg.Model != "" {
			opts = append(opts, asrhttp.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, asrhttp.WithLanguage(cfg.Language))
		}
		if cfg.Concurrency > 0 {
			opts = append(opts, asrhttp.WithConcurrency(cfg.Concurrency))
		}
		if cfg.RequestTimeoutMs > 0 {
			opts = append(opts, asrhttp.WithRequestTimeout(time.Duration(cfg.RequestTimeoutMs)*time.Millisecond))
		}
		if cfg.MaxAttempts > 0 {
			opts = append(opts, asrhttp.WithMaxAttempts(cfg.MaxAttempts))
		}
		return asrhttp.New(cfg.Endpoint, opts...)
	})
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// applyConfigChanges applies the reloadable subset of a config change: log
// level and glossary. Everything else requires a restart.
func applyConfigChanges(application *app.App, level *slog.LevelVar, diff config.ConfigDiff) {
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.GlossaryChanged {
		application.Corrector().SetTerms(diff.NewGlossary.Terms)
		slog.Info("glossary reloaded", "terms", len(diff.NewGlossary.Terms))
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Sonoflux — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printEntry("VAD", driverLabel(cfg.VAD.Driver, "websocket"))
	printEntry("Recognition", driverLabel(cfg.Recognition.Driver, "http"))
	printEntry("Stream mode", string(cfg.Stream.Mode))
	printEntry("Formats", formatList(cfg.Transcript.Formats))
	if cfg.Archive.PostgresDSN != "" {
		printEntry("Archive", "postgres")
	} else {
		printEntry("Archive", "(disabled)")
	}
	if cfg.Recorder.Enabled {
		printEntry("Recorder", cfg.Recorder.OutputDir)
	} else {
		printEntry("Recorder", "(disabled)")
	}
	printEntry("Glossary terms", fmt.Sprintf("%d", len(cfg.Glossary.Terms)))
	if cfg.Server.ListenAddr != "" {
		printEntry("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printEntry(kind, value string) {
	if value == "" {
		value = "(default)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

func driverLabel(driver, fallback string) string {
	if driver == "" {
		return fallback
	}
	return driver
}

func formatList(formats []config.TranscriptFormat) string {
	if len(formats) == 0 {
		return "text"
	}
	out := ""
	for i, f := range formats {
		if i > 0 {
			out += ","
		}
		out += string(f)
	}
	return out
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
