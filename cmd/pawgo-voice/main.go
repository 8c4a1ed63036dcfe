// Command pawgo-voice runs a live voice conversation with the PawGo dog
// expert from the terminal: it captures the default microphone, streams it to
// the configured speech-to-speech service, plays the spoken answers and
// prints both sides of the transcript.
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
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/pawgo/voice/internal/app"
	"github.com/pawgo/voice/internal/config"
	"github.com/pawgo/voice/internal/health"
	"github.com/pawgo/voice/internal/observe"
	"github.com/pawgo/voice/internal/resilience"
	"github.com/pawgo/voice/pkg/audio"
	"github.com/pawgo/voice/pkg/audio/ffmpeg"
	"github.com/pawgo/voice/pkg/provider/s2s"
	geminilive "github.com/pawgo/voice/pkg/provider/s2s/gemini"
	genailive "github.com/pawgo/voice/pkg/provider/s2s/genai"
	openairt "github.com/pawgo/voice/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "pawgo.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload profile and session options when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pawgo-voice: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pawgo-voice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("pawgo-voice starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Session.Provider,
		"model", cfg.Session.Model,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Transport ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	transport, err := buildTransport(cfg, reg)
	if err != nil {
		slog.Error("failed to build transport", "err", err)
		return 1
	}

	// ── Devices ───────────────────────────────────────────────────────────────
	mic := ffmpeg.NewMicrophone(ffmpeg.MicrophoneConfig{
		InputFormat:  cfg.Audio.CaptureFormat,
		Input:        cfg.Audio.CaptureInput,
		SampleRate:   cfg.Audio.CaptureSampleRate,
		ChunkSamples: cfg.Audio.CaptureChunkSamples,
	})
	caps := transport.Capabilities()
	outRate := caps.OutputRate
	if outRate <= 0 {
		outRate = audio.PlaybackRate
	}
	speaker := ffmpeg.NewSpeaker(outRate, cfg.Audio.PlaybackPeriod)

	supervisor := app.New(cfg, transport, mic, speaker,
		app.WithMetrics(metrics),
		app.WithProviderName(cfg.Session.Provider),
	)

	printStartupSummary(cfg, transport.Names(), caps)

	g, gctx := errgroup.WithContext(ctx)

	// ── Admin HTTP ────────────────────────────────────────────────────────────
	if cfg.Server.ListenAddr != "-" {
		hh := health.New(
			health.Checker{Name: "transport", Check: transport.Check},
			health.Checker{Name: "supervisor", Check: supervisor.Check},
		)
		hh.SetDetails(supervisor.Details)

		mux := http.NewServeMux()
		hh.Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("admin listener ready", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	// ── Config watcher ────────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, next *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
			}
			if d.SessionChanged || d.ProfileChanged {
				supervisor.UpdateSession(next.SessionOptions())
				slog.Info("session options updated; they apply from the next session")
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	// ── Voice sessions ────────────────────────────────────────────────────────
	g.Go(func() error {
		defer stop()
		return supervisor.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("pawgo-voice stopped", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the transports that ship with pawgo-voice
// into reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(e config.SessionConfig) (s2s.Provider, error) {
		var opts []geminilive.Option
		if e.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(e.BaseURL))
		}
		if e.SetupTimeout > 0 {
			opts = append(opts, geminilive.WithSetupTimeout(e.SetupTimeout))
		}
		return geminilive.New(apiKey(e), opts...), nil
	})

	reg.RegisterS2S("genai-live", func(e config.SessionConfig) (s2s.Provider, error) {
		var opts []genailive.Option
		if e.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(e.BaseURL))
		}
		if e.APIVersion != "" {
			opts = append(opts, genailive.WithAPIVersion(e.APIVersion))
		}
		if e.SetupTimeout > 0 {
			opts = append(opts, genailive.WithSetupTimeout(e.SetupTimeout))
		}
		p, err := genailive.New(ctx, apiKey(e), opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterS2S("openai-realtime", func(e config.SessionConfig) (s2s.Provider, error) {
		opts := []openairt.Option{
			openairt.WithModel(e.OpenAI.Model),
			openairt.WithVoice(e.OpenAI.Voice),
		}
		if e.BaseURL != "" {
			opts = append(opts, openairt.WithBaseURL(e.BaseURL))
		}
		if e.SetupTimeout > 0 {
			opts = append(opts, openairt.WithSetupTimeout(e.SetupTimeout))
		}
		return openairt.New(openAIKey(e), opts...), nil
	})
}

// buildTransport creates the configured transport followed by its fallbacks,
// each behind its own circuit breaker.
func buildTransport(cfg *config.Config, reg *config.Registry) (*resilience.S2SFallback, error) {
	fcfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Retry.BreakerFailures,
			ResetTimeout: cfg.Retry.BreakerReset,
			Counts:       resilience.CountsTransportFailure,
		},
	}

	primary, err := reg.CreateS2S(cfg.Session)
	if err != nil {
		return nil, err
	}
	slog.Info("provider created", "kind", "s2s", "name", cfg.Session.Provider)
	checkVoice(cfg.Session, primary.Capabilities())
	f := resilience.NewS2SFallback(primary, cfg.Session.Provider, fcfg)

	for _, name := range cfg.Session.Fallback {
		entry := cfg.Session
		entry.Provider = name
		entry.BaseURL = "" // base_url only overrides the primary endpoint
		p, err := reg.CreateS2S(entry)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		f.AddFallback(name, p)
		slog.Info("provider created", "kind", "s2s", "name", name, "fallback", true)
		checkVoice(entry, p.Capabilities())
	}
	return f, nil
}

// checkVoice warns when the voice configured for e is not one the transport
// advertises. The session is still attempted; the service has the last word.
func checkVoice(e config.SessionConfig, caps s2s.Capabilities) bool {
	voice := e.Voice
	if e.Provider == "openai-realtime" {
		voice = e.OpenAI.Voice
	}
	if voice == "" || len(caps.Voices) == 0 || slices.Contains(caps.Voices, voice) {
		return true
	}
	slog.Warn("voice not offered by transport, the service may reject the session",
		"provider", e.Provider, "voice", voice, "voices", caps.Voices)
	return false
}

func apiKey(e config.SessionConfig) string {
	if e.APIKey != "" {
		return e.APIKey
	}
	return os.Getenv("GEMINI_API_KEY")
}

func openAIKey(e config.SessionConfig) string {
	if e.OpenAI.APIKey != "" {
		return e.OpenAI.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, transports []string, caps s2s.Capabilities) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       PawGo voice: startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Transport", transports[0])
	for _, name := range transports[1:] {
		printRow("Fallback", name)
	}
	printRow("Model", cfg.Session.Model)
	printRow("Voice", cfg.Session.Voice)
	printRow("Max session", sessionLimit(caps))
	printRow("Resampler", string(cfg.Audio.Resampler))
	printRow("User", cfg.Profile.UserName)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Dogs", len(cfg.Profile.Dogs))
	if cfg.Server.ListenAddr != "-" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// sessionLimit formats the transport's session cap for the summary.
func sessionLimit(caps s2s.Capabilities) string {
	if caps.MaxSessionDuration <= 0 {
		return "none"
	}
	return caps.MaxSessionDuration.String()
}

func printRow(key, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
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
