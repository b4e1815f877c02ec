package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidDrivers lists known gateway driver names per gateway kind.
// Used by [Validate] to warn about unrecognised driver names.
var ValidDrivers = map[string][]string{
	"vad":         {"websocket", "mock"},
	"recognition": {"http", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels != 0 && cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is invalid; valid values: 1, 2", cfg.Audio.Channels))
	}

	// Engine
	eng := cfg.Engine
	for _, field := range []struct {
		name  string
		value int
	}{
		{"engine.packet_samples", eng.PacketSamples},
		{"engine.max_outstanding_packets", eng.MaxOutstandingPackets},
		{"engine.verdict_timeout_ms", eng.VerdictTimeoutMs},
		{"engine.target_samples", eng.TargetSamples},
		{"engine.overflow_samples", eng.OverflowSamples},
		{"engine.min_samples", eng.MinSamples},
		{"engine.silence_timeout_ms", eng.SilenceTimeoutMs},
		{"engine.reorder_timeout_ms", eng.ReorderTimeoutMs},
		{"engine.sweep_interval_ms", eng.SweepIntervalMs},
		{"engine.worker_queue", eng.WorkerQueue},
	} {
		if field.value < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", field.name, field.value))
		}
	}
	if eng.TargetSamples > 0 && eng.OverflowSamples > 0 && eng.OverflowSamples < eng.TargetSamples {
		errs = append(errs, fmt.Errorf("engine.overflow_samples %d must be at least engine.target_samples %d", eng.OverflowSamples, eng.TargetSamples))
	}
	if eng.MinSamples > 0 && eng.TargetSamples > 0 && eng.MinSamples > eng.TargetSamples {
		errs = append(errs, fmt.Errorf("engine.min_samples %d must not exceed engine.target_samples %d", eng.MinSamples, eng.TargetSamples))
	}

	// Gateways
	validateDriverName("vad", cfg.VAD.Driver)
	validateDriverName("recognition", cfg.Recognition.Driver)

	if (cfg.VAD.Driver == "" || cfg.VAD.Driver == "websocket") && cfg.VAD.Endpoint == "" {
		errs = append(errs, errors.New("vad.endpoint is required for the websocket driver"))
	}
	if (cfg.Recognition.Driver == "" || cfg.Recognition.Driver == "http") && cfg.Recognition.Endpoint == "" {
		errs = append(errs, errors.New("recognition.endpoint is required for the http driver"))
	}
	if cfg.Recognition.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("recognition.concurrency %d must not be negative", cfg.Recognition.Concurrency))
	}

	// Stream
	if cfg.Stream.Mode != "" && !cfg.Stream.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("stream.mode %q is invalid; valid values: individual, mixed", cfg.Stream.Mode))
	}

	// Transcript
	for i, format := range cfg.Transcript.Formats {
		if !format.IsValid() {
			errs = append(errs, fmt.Errorf("transcript.formats[%d] %q is invalid; valid values: text, json, srt", i, format))
		}
	}
	if cfg.Transcript.ContextHistory < 0 {
		errs = append(errs, fmt.Errorf("transcript.context_history %d must not be negative", cfg.Transcript.ContextHistory))
	}

	// Glossary
	if cfg.Glossary.MinSimilarity < 0 || cfg.Glossary.MinSimilarity > 1 {
		errs = append(errs, fmt.Errorf("glossary.min_similarity %.2f is out of range [0, 1]", cfg.Glossary.MinSimilarity))
	}
	seen := make(map[string]int, len(cfg.Glossary.Terms))
	for i, term := range cfg.Glossary.Terms {
		if term == "" {
			errs = append(errs, fmt.Errorf("glossary.terms[%d] must not be empty", i))
			continue
		}
		if prev, ok := seen[term]; ok {
			errs = append(errs, fmt.Errorf("glossary.terms[%d] %q is a duplicate of glossary.terms[%d]", i, term, prev))
		}
		seen[term] = i
	}

	// Availability warnings. These keep the engine usable with partial
	// configs but make the degradation visible at startup.
	if cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive.postgres_dsn is empty; segments will not be archived")
	}
	if cfg.Transcript.OutputDir == "" {
		slog.Warn("transcript.output_dir is empty; transcripts will not be written to disk")
	}
	if cfg.Recorder.Enabled && cfg.Recorder.OutputDir == "" {
		slog.Warn("recorder.enabled is set without recorder.output_dir; using ./recordings")
	}

	// Resilience
	if cfg.Resilience.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("resilience.failure_threshold %d must not be negative", cfg.Resilience.FailureThreshold))
	}
	if cfg.Resilience.ResetTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout_ms %d must not be negative", cfg.Resilience.ResetTimeoutMs))
	}
	if cfg.Resilience.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("resilience.half_open_max %d must not be negative", cfg.Resilience.HalfOpenMax))
	}

	return errors.Join(errs...)
}

// validateDriverName logs a warning if name is non-empty and not found in
// the [ValidDrivers] list for the given kind.
func validateDriverName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidDrivers[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown gateway driver, may be a typo or external registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
