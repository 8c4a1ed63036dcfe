// Package config provides the configuration schema, loader, and transport
// registry for the PawGo voice service.
package config

import (
	"time"

	"github.com/pawgo/voice/internal/profile"
	"github.com/pawgo/voice/pkg/audio"
	"github.com/pawgo/voice/pkg/provider/s2s"
)

// LogLevel controls log verbosity.
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

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr      = ":9464"
	DefaultProvider        = "gemini-live"
	DefaultSetupTimeout    = 10 * time.Second
	DefaultCaptureRate     = 44100
	DefaultChunkSamples    = 4096
	DefaultPlaybackPeriod  = 20 * time.Millisecond
	DefaultMaxAttempts     = 3
	DefaultBackoff         = time.Second
	DefaultMaxBackoff      = 30 * time.Second
	DefaultBreakerFailures = 5
	DefaultBreakerReset    = 30 * time.Second
	DefaultLanguage        = "en"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Retry   RetryConfig   `yaml:"retry"`
	Profile ProfileConfig `yaml:"profile"`
}

// ServerConfig holds the admin HTTP listener and logging settings.
type ServerConfig struct {
	// ListenAddr serves /metrics, /healthz and /readyz. Set to "-" to disable.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SessionConfig selects the transport and the options sent when a session is
// opened.
type SessionConfig struct {
	// Provider selects the registered transport, e.g. "gemini-live".
	Provider string `yaml:"provider"`

	// Fallback lists transports tried in order when Provider cannot open a
	// session or its circuit is open.
	Fallback []string `yaml:"fallback"`

	// APIKey authenticates against the remote service. When empty the
	// GEMINI_API_KEY environment variable is used.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service endpoint. Mostly useful for tests.
	BaseURL string `yaml:"base_url"`

	// APIVersion selects the Gemini API version used by genai-live, e.g.
	// "v1alpha" for ephemeral tokens. Empty keeps the SDK default.
	APIVersion string `yaml:"api_version"`

	Model              string   `yaml:"model"`
	Voice              string   `yaml:"voice"`
	ResponseModalities []string `yaml:"response_modalities"`

	// SystemInstruction replaces the prompt generated from the profile.
	SystemInstruction string `yaml:"system_instruction"`

	// Pointers so an explicit false survives ApplyDefaults.
	CaptureUserTranscript  *bool `yaml:"capture_user_transcript"`
	CaptureModelTranscript *bool `yaml:"capture_model_transcript"`

	SetupTimeout time.Duration `yaml:"setup_timeout"`

	// OpenAI holds the settings of the openai-realtime transport, which does
	// not share credentials or models with the Gemini transports.
	OpenAI OpenAIConfig `yaml:"openai"`
}

// OpenAIConfig configures the openai-realtime transport.
type OpenAIConfig struct {
	// APIKey defaults to the OPENAI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// Model is used unless session.model already names a GPT model.
	Model string `yaml:"model"`

	// Voice is used when session.voice is not an OpenAI voice.
	Voice string `yaml:"voice"`
}

// AudioConfig configures the local capture and playback devices.
type AudioConfig struct {
	CaptureSampleRate   int            `yaml:"capture_sample_rate"`
	CaptureChunkSamples int            `yaml:"capture_chunk_samples"`
	Resampler           audio.Strategy `yaml:"resampler"`

	// CaptureFormat and CaptureInput are passed to ffmpeg as -f and -i.
	// Empty selects a platform default.
	CaptureFormat string `yaml:"capture_format"`
	CaptureInput  string `yaml:"capture_input"`

	PlaybackPeriod time.Duration `yaml:"playback_period"`
}

// RetryConfig controls how the supervisor reacts to failed sessions.
type RetryConfig struct {
	// MaxAttempts bounds consecutive failed sessions before the supervisor
	// gives up.
	MaxAttempts     int           `yaml:"max_attempts"`
	Backoff         time.Duration `yaml:"backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerReset    time.Duration `yaml:"breaker_reset"`
}

// ProfileConfig describes the user and their dogs. It feeds the generated
// system instruction.
type ProfileConfig struct {
	UserName string      `yaml:"user_name"`
	Language string      `yaml:"language"`
	Dogs     []DogConfig `yaml:"dogs"`
}

// DogConfig is one dog in the user's pack.
type DogConfig struct {
	Name     string  `yaml:"name"`
	Breed    string  `yaml:"breed"`
	Age      int     `yaml:"age"`
	WeightKg float64 `yaml:"weight_kg"`
	Streak   int     `yaml:"streak"`
}

// ApplyDefaults fills every unset option with its default. It is called by
// [LoadFromReader] before validation.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	s := &c.Session
	if s.Provider == "" {
		s.Provider = DefaultProvider
	}
	if s.Model == "" {
		s.Model = s2s.DefaultModel
	}
	if s.Voice == "" {
		s.Voice = s2s.DefaultVoice
	}
	if len(s.ResponseModalities) == 0 {
		s.ResponseModalities = []string{string(s2s.ModalityAudio)}
	}
	if s.CaptureUserTranscript == nil {
		s.CaptureUserTranscript = ptr(true)
	}
	if s.CaptureModelTranscript == nil {
		s.CaptureModelTranscript = ptr(true)
	}
	if s.SetupTimeout == 0 {
		s.SetupTimeout = DefaultSetupTimeout
	}

	a := &c.Audio
	if a.CaptureSampleRate == 0 {
		a.CaptureSampleRate = DefaultCaptureRate
	}
	if a.CaptureChunkSamples == 0 {
		a.CaptureChunkSamples = DefaultChunkSamples
	}
	if a.Resampler == "" {
		a.Resampler = audio.StrategyNearest
	}
	if a.PlaybackPeriod == 0 {
		a.PlaybackPeriod = DefaultPlaybackPeriod
	}

	r := &c.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Backoff == 0 {
		r.Backoff = DefaultBackoff
	}
	if r.MaxBackoff == 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}
	if r.BreakerFailures == 0 {
		r.BreakerFailures = DefaultBreakerFailures
	}
	if r.BreakerReset == 0 {
		r.BreakerReset = DefaultBreakerReset
	}

	if c.Profile.Language == "" {
		c.Profile.Language = DefaultLanguage
	}
}

// UserProfile converts the profile section into a [profile.Profile].
func (c *Config) UserProfile() profile.Profile {
	p := profile.Profile{
		UserName: c.Profile.UserName,
		Language: c.Profile.Language,
	}
	for _, d := range c.Profile.Dogs {
		p.Dogs = append(p.Dogs, profile.Dog{
			Name:     d.Name,
			Breed:    d.Breed,
			Age:      d.Age,
			WeightKg: d.WeightKg,
			Streak:   d.Streak,
		})
	}
	return p
}

// SessionOptions converts the session section into the transport open
// configuration. The system instruction is generated from the profile unless
// session.system_instruction overrides it.
func (c *Config) SessionOptions() s2s.Config {
	s := c.Session
	out := s2s.Config{
		ModelID:                s.Model,
		SystemInstruction:      s.SystemInstruction,
		CaptureUserTranscript:  s.CaptureUserTranscript == nil || *s.CaptureUserTranscript,
		CaptureModelTranscript: s.CaptureModelTranscript == nil || *s.CaptureModelTranscript,
		VoiceID:                s.Voice,
	}
	for _, m := range s.ResponseModalities {
		out.ResponseModalities = append(out.ResponseModalities, s2s.Modality(m))
	}
	if out.SystemInstruction == "" {
		out.SystemInstruction = profile.SystemInstruction(c.UserProfile())
	}
	return out
}

func ptr[T any](v T) *T { return &v }
