// Package app supervises voice sessions for the PawGo CLI.
//
// The [App] plays the role of the calling UI: it starts a
// [voice.Controller], shows live transcripts, and decides whether to retry
// after a session fails. Every attempt gets a fresh controller; a controller
// is never restarted.
//
// For testing, inject devices and the transport directly into [New] and swap
// the transcript output with [WithOutput].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pawgo/voice/internal/config"
	"github.com/pawgo/voice/internal/observe"
	"github.com/pawgo/voice/internal/resilience"
	"github.com/pawgo/voice/internal/transcript"
	"github.com/pawgo/voice/internal/voice"
	"github.com/pawgo/voice/pkg/audio"
	"github.com/pawgo/voice/pkg/audio/playback"
	"github.com/pawgo/voice/pkg/provider/s2s"
)

// ErrGaveUp is wrapped by the error [App.Run] returns once retry.max_attempts
// consecutive sessions have failed.
var ErrGaveUp = errors.New("app: giving up")

// App runs voice sessions one after another until its context is cancelled
// or a failure is not worth retrying.
type App struct {
	provider     s2s.Provider
	providerName string
	mic          audio.Microphone
	speaker      playback.Output
	metrics      *observe.Metrics
	out          io.Writer
	strategy     audio.Strategy
	backoff      resilience.Backoff
	maxAttempts  int
	now          func() time.Time

	mu      sync.Mutex
	session s2s.Config
	current *voice.Controller
	status  Status
}

// Option is a functional option for [New].
type Option func(*App)

// WithOutput sets where live transcripts are printed. Default: os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithMetrics sets the metrics passed to every controller.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithProviderName labels sessions in logs and metrics.
func WithProviderName(name string) Option {
	return func(a *App) { a.providerName = name }
}

// New creates an App from cfg. The transport and devices are built by the
// caller (main.go via the config registry) so tests can inject doubles.
func New(cfg *config.Config, provider s2s.Provider, mic audio.Microphone, speaker playback.Output, opts ...Option) *App {
	a := &App{
		provider:     provider,
		providerName: cfg.Session.Provider,
		mic:          mic,
		speaker:      speaker,
		out:          os.Stdout,
		strategy:     cfg.Audio.Resampler,
		backoff:      resilience.Backoff{Initial: cfg.Retry.Backoff, Max: cfg.Retry.MaxBackoff},
		maxAttempts:  max(cfg.Retry.MaxAttempts, 1),
		now:          time.Now,
		session:      cfg.SessionOptions(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.status.State = voice.StateIdle
	return a
}

// UpdateSession replaces the options used for the next session. The running
// session, if any, keeps its configuration.
func (a *App) UpdateSession(cfg s2s.Config) {
	a.mu.Lock()
	a.session = cfg
	a.mu.Unlock()
}

// Run supervises sessions until ctx is cancelled, which is a clean exit and
// returns nil. A failure that retrying cannot fix (a missing device, a
// rejected API key) is returned at once; transient failures are retried with
// exponential backoff until retry.max_attempts consecutive ones wrap
// [ErrGaveUp].
func (a *App) Run(ctx context.Context) error {
	failures := 0
	for attempt := 1; ; attempt++ {
		started, err := a.runOnce(ctx, attempt)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			failures = 0
		}
		failures++
		a.recordFailure(failures, err)

		if !retryable(err) {
			a.giveUp()
			return fmt.Errorf("app: session failed: %w", err)
		}
		if failures >= a.maxAttempts {
			a.giveUp()
			return fmt.Errorf("%w after %d consecutive failures: %w", ErrGaveUp, failures, err)
		}

		delay := a.backoff.Delay(failures)
		slog.Warn("voice session failed, retrying",
			"attempt", attempt, "failures", failures, "retry_in", delay, "err", err)
		if a.backoff.Wait(ctx, failures) != nil {
			return nil
		}
	}
}

// runOnce starts one controller and blocks until it ends. started reports
// whether the session reached Active.
func (a *App) runOnce(ctx context.Context, attempt int) (started bool, err error) {
	a.mu.Lock()
	cfg := a.session
	a.mu.Unlock()

	opts := []voice.Option{
		voice.WithID(fmt.Sprintf("voice-%s-%d", a.now().UTC().Format("20060102T150405Z"), attempt)),
		voice.WithMetrics(a.metrics),
		voice.WithProviderName(a.providerName),
		voice.WithStateHandler(a.onState),
	}
	if r, rerr := audio.NewResampler(a.strategy, audio.TransportRate); rerr == nil {
		opts = append(opts, voice.WithResampler(r))
	} else {
		slog.Warn("falling back to the default resampler", "strategy", a.strategy, "err", rerr)
	}
	p := newPrinter(a.out)
	opts = append(opts,
		voice.WithTranscriptHandler(p.delta),
		voice.WithTurnHandler(func(transcript.Turn) { p.endTurn() }),
	)

	ctrl := voice.New(a.provider, a.mic, a.speaker, cfg, opts...)
	a.mu.Lock()
	a.current = ctrl
	a.status.SessionID = ctrl.ID()
	a.status.Attempt = attempt
	a.mu.Unlock()

	log := slog.With("session_id", ctrl.ID(), "attempt", attempt)
	log.Info("starting voice session", "provider", a.providerName, "model", cfg.ModelID)

	if err := ctrl.Start(ctx); err != nil {
		return false, err
	}
	a.mu.Lock()
	a.status.StartedAt = a.now()
	a.mu.Unlock()
	fmt.Fprintln(a.out, "Listening. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
		if err := ctrl.Close(); err != nil {
			log.Warn("releasing devices", "err", err)
		}
		p.endTurn()
		return true, ctx.Err()
	case <-ctrl.Done():
		p.endTurn()
		return true, ctrl.Err()
	}
}

func (a *App) onState(s voice.State, err error) {
	a.mu.Lock()
	a.status.State = s
	id := a.status.SessionID
	a.mu.Unlock()

	if err != nil {
		slog.Warn("voice session state", "session_id", id, "state", s, "err", err)
		return
	}
	slog.Info("voice session state", "session_id", id, "state", s)
}

func (a *App) recordFailure(failures int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.Failures = failures
	if err != nil {
		a.status.LastError = err.Error()
	}
}

func (a *App) giveUp() {
	a.mu.Lock()
	a.status.GaveUp = true
	a.mu.Unlock()
}

// retryable reports whether a new session could succeed where this one
// failed.
func retryable(err error) bool {
	var acq *voice.AcquisitionError
	if errors.As(err, &acq) {
		return false
	}
	if errors.Is(err, voice.ErrAlreadyStarted) {
		return false
	}
	kind, ok := s2s.KindOf(err)
	if ok && (kind == s2s.KindAuthRejected || kind == s2s.KindProtocol) {
		var open *voice.TransportOpenError
		return !errors.As(err, &open)
	}
	return true
}
