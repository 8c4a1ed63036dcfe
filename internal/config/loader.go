package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/pawgo/voice/internal/profile"
	"github.com/pawgo/voice/pkg/provider/s2s"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the transport names the CLI registers.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"gemini-live", "genai-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
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

	// Session
	s := cfg.Session
	if s.Provider != "" && !slices.Contains(ValidProviderNames, s.Provider) {
		slog.Warn("unknown session provider; it must be registered before use",
			"provider", s.Provider, "known", ValidProviderNames)
	}
	for i, name := range s.Fallback {
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("session.fallback[%d]: name is required", i))
		case name == s.Provider || slices.Index(s.Fallback, name) != i:
			errs = append(errs, fmt.Errorf("session.fallback[%d]: %q is listed twice", i, name))
		case !slices.Contains(ValidProviderNames, name):
			slog.Warn("unknown fallback provider; it must be registered before use", "provider", name)
		}
	}
	for _, m := range s.ResponseModalities {
		if m != string(s2s.ModalityAudio) && m != string(s2s.ModalityText) {
			errs = append(errs, fmt.Errorf("session.response_modalities: %q is invalid; valid values: AUDIO, TEXT", m))
		}
	}
	if s.SetupTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.setup_timeout must not be negative, got %s", s.SetupTimeout))
	}

	// Audio
	a := cfg.Audio
	if a.CaptureSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_sample_rate must be positive, got %d", a.CaptureSampleRate))
	}
	if a.CaptureChunkSamples < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_chunk_samples must be positive, got %d", a.CaptureChunkSamples))
	}
	if a.Resampler != "" && !a.Resampler.IsValid() {
		errs = append(errs, fmt.Errorf("audio.resampler %q is invalid; valid values: nearest, linear, sinc", a.Resampler))
	}
	if a.PlaybackPeriod < 0 {
		errs = append(errs, fmt.Errorf("audio.playback_period must not be negative, got %s", a.PlaybackPeriod))
	}

	// Retry
	r := cfg.Retry
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must not be negative, got %d", r.MaxAttempts))
	}
	if r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("retry.backoff and retry.max_backoff must not be negative"))
	}
	if r.MaxBackoff > 0 && r.Backoff > r.MaxBackoff {
		errs = append(errs, fmt.Errorf("retry.backoff (%s) exceeds retry.max_backoff (%s)", r.Backoff, r.MaxBackoff))
	}
	if r.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("retry.breaker_failures must not be negative, got %d", r.BreakerFailures))
	}

	// Profile
	p := cfg.Profile
	if p.Language != "" {
		if _, ok := profile.Languages[strings.ToLower(p.Language)]; !ok {
			errs = append(errs, fmt.Errorf("profile.language %q is not supported", p.Language))
		}
	}
	seen := make(map[string]bool, len(p.Dogs))
	for i, d := range p.Dogs {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("profile.dogs[%d]: name is required", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("profile.dogs[%d]: duplicate dog name %q", i, d.Name))
		}
		seen[d.Name] = true
		if d.Age < 0 || d.WeightKg < 0 || d.Streak < 0 {
			errs = append(errs, fmt.Errorf("profile.dogs[%d] %q: age, weight_kg and streak must not be negative", i, d.Name))
		}
	}
	if p.UserName == "" && len(p.Dogs) == 0 && s.SystemInstruction == "" {
		slog.Warn("profile is empty; the assistant will have no user or pack context")
	}

	return errors.Join(errs...)
}
