// Package voice runs one live voice conversation with a remote speech model.
//
// A [Controller] owns every resource of a session: the microphone, the
// output sink and its playback clock, and the transport session. It wires
//
//	capture → resample → encode → send
//	receive → decode → schedule playback / aggregate transcripts
//
// and guarantees that each resource is released exactly once, whether the
// session ends through Stop, a transport error or a remote close.
//
// A Controller is single-use. Start it once; to talk again, create a new one.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pawgo/voice/internal/observe"
	"github.com/pawgo/voice/internal/transcript"
	"github.com/pawgo/voice/pkg/audio"
	"github.com/pawgo/voice/pkg/audio/playback"
	"github.com/pawgo/voice/pkg/audio/wire"
	"github.com/pawgo/voice/pkg/provider/s2s"
)

// Role identifies the speaker of a transcript delta.
type Role int

const (
	RoleUser Role = iota
	RoleModel
)

// String returns "user" or "model".
func (r Role) String() string {
	if r == RoleModel {
		return "model"
	}
	return "user"
}

// Option configures a [Controller].
type Option func(*Controller)

// WithResampler sets the capture resampler. Its target rate must be
// [audio.TransportRate]. Default: nearest-neighbour.
func WithResampler(r audio.Resampler) Option {
	return func(c *Controller) { c.resampler = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithProviderName labels spans and metrics with the transport name.
func WithProviderName(name string) Option {
	return func(c *Controller) { c.providerName = name }
}

// WithID sets the session ID used in logs and spans.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithStateHandler registers fn to be called on every state change. For
// StateFailed, err is the failure reason. fn must not block.
func WithStateHandler(fn func(s State, err error)) Option {
	return func(c *Controller) { c.onState = fn }
}

// WithTranscriptHandler registers fn to receive every transcript delta as it
// arrives, for live display.
func WithTranscriptHandler(fn func(role Role, text string)) Option {
	return func(c *Controller) { c.onTranscript = fn }
}

// WithTurnHandler registers fn to receive each completed turn.
func WithTurnHandler(fn func(transcript.Turn)) Option {
	return func(c *Controller) { c.onTurn = fn }
}

// Controller is the voice session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	id           string
	provider     s2s.Provider
	providerName string
	mic          audio.Microphone
	speaker      playback.Output
	cfg          s2s.Config
	outRate      int
	resampler    audio.Resampler
	metrics      *observe.Metrics
	agg          *transcript.Aggregator

	onState      func(State, error)
	onTranscript func(Role, string)
	onTurn       func(transcript.Turn)

	mu          sync.Mutex
	state       State
	failure     error
	cancelStart context.CancelFunc
	wasActive   bool

	// Owned resources. Set under mu while Connecting and read once by
	// teardown.
	capture  audio.CaptureSource
	sink     playback.Sink
	session  s2s.Session
	sched    *playback.Scheduler
	loopDone chan struct{}

	// captured is the stream position, in nanoseconds, at the end of the last
	// frame handed to the transport.
	captured atomic.Int64

	teardownOnce sync.Once
	releaseErr   error
	done         chan struct{}
}

// New returns an Idle controller. Nothing is acquired until Start.
func New(provider s2s.Provider, mic audio.Microphone, speaker playback.Output, cfg s2s.Config, opts ...Option) *Controller {
	c := &Controller{
		id:           strconv.FormatInt(time.Now().UnixNano(), 36),
		provider:     provider,
		providerName: "s2s",
		mic:          mic,
		speaker:      speaker,
		cfg:          cfg,
		outRate:      provider.Capabilities().OutputRate,
		agg:          transcript.NewAggregator(),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.resampler == nil {
		c.resampler = &audio.NearestResampler{Target: audio.TransportRate}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.outRate <= 0 {
		c.outRate = audio.PlaybackRate
	}
	return c
}

// ID returns the session ID.
func (c *Controller) ID() string { return c.id }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure reason once the controller is Failed, else nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFailed {
		return nil
	}
	return c.failure
}

// Captured returns how much microphone audio has been sent to the transport,
// measured on the capture stream's own clock.
func (c *Controller) Captured() time.Duration { return time.Duration(c.captured.Load()) }

// Transcript returns the text of the turn in progress.
func (c *Controller) Transcript() transcript.Turn { return c.agg.Current() }

// Done is closed once the controller is Closed or Failed and every resource
// has been released.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Wait blocks until Done is closed or ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

// Start acquires the devices, opens the transport and begins capture, in
// that order. Capture starts only after the transport is open.
//
// Device failures return an [*AcquisitionError] and transport failures a
// [*TransportOpenError]; in both cases everything already acquired is
// released before Start returns and the controller is Failed. If Stop is
// called while Start is in progress, Start returns [ErrStopped].
func (c *Controller) Start(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		if st == StateConnecting || st == StateActive {
			return ErrAlreadyStarted
		}
		return ErrStopped
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelStart = cancel
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting, nil)

	ctx, span := observe.StartSpan(ctx, "voice.start", trace.WithAttributes(
		attribute.String("voice.session_id", c.id),
		attribute.String("s2s.provider", c.providerName),
	))
	began := time.Now()
	defer func() {
		c.metrics.RecordStart(ctx, c.providerName, time.Since(began), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	log := observe.Logger(ctx).With("session_id", c.id)

	src, err := c.mic.Acquire(ctx)
	if err != nil {
		return c.abortStart(&AcquisitionError{Device: "microphone", Err: err})
	}
	if !c.own(func() { c.capture = src }) {
		_ = src.Close()
		return c.interrupted()
	}

	sink, err := c.speaker.Open(ctx)
	if err != nil {
		return c.abortStart(&AcquisitionError{Device: "speaker", Err: err})
	}
	if !c.own(func() { c.sink = sink }) {
		_ = sink.Close()
		return c.interrupted()
	}

	sess, err := c.provider.Open(ctx, c.cfg)
	if err != nil {
		kind, _ := s2s.KindOf(err)
		return c.abortStart(&TransportOpenError{Kind: kind, Err: err})
	}
	sched := playback.NewScheduler(sink)
	loopDone := make(chan struct{})
	if !c.own(func() {
		c.session = sess
		c.sched = sched
		c.loopDone = loopDone
	}) {
		_ = sess.Close()
		return c.interrupted()
	}
	go c.eventLoop(sess, sched, sink, loopDone)

	rate := src.SampleRate()
	if err := src.Start(c.captureFunc(sess, rate)); err != nil {
		return c.abortStart(&AcquisitionError{Device: "microphone", Err: err})
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return c.interrupted()
	}
	c.state = StateActive
	c.wasActive = true
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("voice session active",
		"provider", c.providerName,
		"capture_rate", rate,
		"startup", time.Since(began))
	c.notify(StateActive, nil)
	return nil
}

// own runs set under the lock if the controller is still Connecting and
// reports whether it did. A false result means Stop or a failure has taken
// over teardown; the caller keeps responsibility for the resource in hand.
func (c *Controller) own(set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return false
	}
	set()
	return true
}

// abortStart fails the session with err, releases everything synchronously
// and returns err. If Stop already took over, it reports that instead.
func (c *Controller) abortStart(err error) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return c.interrupted()
	}
	c.state = StateClosing
	c.failure = err
	c.mu.Unlock()

	slog.Warn("voice session start failed", "session_id", c.id, "err", err)
	c.teardown()
	return err
}

// interrupted waits for the teardown already in progress and returns the
// failure reason, or ErrStopped for a local stop.
func (c *Controller) interrupted() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failure != nil {
		return c.failure
	}
	return ErrStopped
}

// ── Stop ──────────────────────────────────────────────────────────────────────

// Stop ends the session. It returns immediately; release runs in the
// background and Done is closed when it finishes. Stop is idempotent and
// safe to call after the session already ended.
func (c *Controller) Stop() {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.state = StateClosing
		c.mu.Unlock()
		c.teardown()
	case StateConnecting, StateActive:
		c.state = StateClosing
		cancel := c.cancelStart
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.notify(StateClosing, nil)
		go c.teardown()
	default:
		c.mu.Unlock()
	}
}

// Close stops the session and waits for release to finish. It returns the
// joined release errors, if any.
func (c *Controller) Close() error {
	c.Stop()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseErr
}

// fail moves an in-progress session to Closing with err as the reason and
// releases in the background. Later failures are ignored.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateActive {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.failure = err
	c.mu.Unlock()

	slog.Warn("voice session failed", "session_id", c.id, "err", err)
	go c.teardown()
}

// teardown releases owned resources in pipeline order: capture first so no
// more frames are sent, then the transport, then playback and the sink. It
// publishes the terminal state only after release completes.
func (c *Controller) teardown() {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		src, sess, sched, sink, loopDone := c.capture, c.session, c.sched, c.sink, c.loopDone
		wasActive := c.wasActive
		c.mu.Unlock()

		var errs []error
		if src != nil {
			if err := src.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close capture: %w", err))
			}
		}
		if sess != nil {
			if err := sess.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close transport: %w", err))
			}
		}
		if loopDone != nil {
			<-loopDone
		}
		if sched != nil {
			sched.Close()
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sink: %w", err))
			}
		}

		ctx := context.Background()
		if wasActive {
			c.metrics.ActiveSessions.Add(ctx, -1)
		}

		c.mu.Lock()
		c.releaseErr = errors.Join(errs...)
		final, failure := StateClosed, c.failure
		if failure != nil {
			final = StateFailed
		}
		c.state = final
		c.mu.Unlock()

		if c.releaseErr != nil {
			slog.Warn("voice session release errors", "session_id", c.id, "err", c.releaseErr)
		}
		if failure != nil {
			c.metrics.RecordFailure(ctx, failureKind(failure))
		}
		slog.Info("voice session ended", "session_id", c.id, "state", final, "captured", c.Captured())
		c.notify(final, failure)
		close(c.done)
	})
}

func (c *Controller) notify(s State, err error) {
	if c.onState != nil {
		c.onState(s, err)
	}
}

// ── Capture path ──────────────────────────────────────────────────────────────

// captureFunc returns the device callback. It never blocks: a full send
// queue drops the frame.
func (c *Controller) captureFunc(sess s2s.Session, rate int) func([]float32) {
	ctx := context.Background()
	var (
		warnOnce sync.Once
		position int
	)
	return func(samples []float32) {
		at := audio.SamplesDuration(position, rate)
		position += len(samples)
		frame, err := c.resampler.Resample(samples, rate)
		if err != nil {
			warnOnce.Do(func() {
				slog.Warn("voice: cannot resample capture audio", "session_id", c.id, "rate", rate, "err", err)
			})
			c.metrics.RecordDrop(ctx, "resample")
			return
		}
		if len(frame.Data) == 0 {
			return
		}
		frame.Timestamp = at
		pkt, err := wire.Encode(frame)
		if err != nil {
			// Resampler output is always mono 16-bit, so this is a bug.
			slog.Error("voice: encode capture frame", "session_id", c.id, "err", err)
			c.metrics.RecordDrop(ctx, "encode")
			return
		}
		switch err := sess.Send(pkt); {
		case err == nil:
			c.metrics.FramesSent.Add(ctx, 1)
			c.captured.Store(int64(frame.Timestamp + frame.Duration()))
		case errors.Is(err, s2s.ErrSendQueueFull):
			c.metrics.RecordDrop(ctx, "queue_full")
		default:
			c.metrics.RecordDrop(ctx, "closed")
		}
	}
}

// ── Receive path ──────────────────────────────────────────────────────────────

// eventLoop drains the transport until the session ends. It also watches the
// sink, so a dead output device fails the session instead of leaving it
// Active and silent.
func (c *Controller) eventLoop(sess s2s.Session, sched *playback.Scheduler, sink playback.Sink, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	events, sinkDone := sess.Events(), sink.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.fail(&TransportRuntimeError{
					Kind: s2s.KindNetworkDrop,
					Err:  errors.New("event stream ended without a close"),
				})
				return
			}
			if !c.handleEvent(ctx, ev, sched) {
				return
			}
		case <-sinkDone:
			err := sink.Err()
			if err == nil {
				err = errors.New("output stopped")
			}
			sched.Flush()
			c.fail(&DeviceError{Device: "speaker", Err: err})
			return
		}
	}
}

// handleEvent dispatches one inbound event. It returns false when the event
// ends the session.
func (c *Controller) handleEvent(ctx context.Context, ev s2s.Event, sched *playback.Scheduler) bool {
	switch ev.Type {
	case s2s.EventAudio:
		frame, err := wire.Decode(ev.Audio, c.outRate)
		if err != nil {
			slog.Warn("voice: dropping malformed audio chunk", "session_id", c.id, "err", err)
			c.metrics.DecodeErrors.Add(ctx, 1)
			return true
		}
		if _, err := sched.Schedule(frame); err != nil {
			if !errors.Is(err, playback.ErrClosed) {
				slog.Warn("voice: schedule audio chunk", "session_id", c.id, "err", err)
			}
			return true
		}
		c.metrics.ChunksScheduled.Add(ctx, 1)

	case s2s.EventOutputTranscript:
		c.agg.AppendModel(ev.Text)
		c.deliverTranscript(RoleModel, ev.Text)

	case s2s.EventInputTranscript:
		c.agg.AppendUser(ev.Text)
		c.deliverTranscript(RoleUser, ev.Text)

	case s2s.EventTurnComplete:
		turn := c.agg.TurnComplete()
		c.metrics.TurnsCompleted.Add(ctx, 1)
		if c.onTurn != nil {
			c.onTurn(turn)
		}

	case s2s.EventInterrupted:
		n := sched.Flush()
		c.metrics.RecordFlush(ctx, n)
		slog.Debug("voice: playback interrupted", "session_id", c.id, "stopped", n)

	case s2s.EventError:
		var err error = errors.New("unclassified transport error")
		kind := s2s.KindNetworkDrop
		if ev.Err != nil {
			err, kind = ev.Err, ev.Err.Kind
		}
		c.fail(&TransportRuntimeError{Kind: kind, Err: err})
		return false

	case s2s.EventClosed:
		reason := ev.Text
		if reason == "" {
			reason = "no reason given"
		}
		c.fail(&TransportRuntimeError{
			Kind: s2s.KindRemoteClosed,
			Err:  fmt.Errorf("closed by service: %s", reason),
		})
		return false
	}
	return true
}

func (c *Controller) deliverTranscript(role Role, text string) {
	if c.onTranscript != nil && text != "" {
		c.onTranscript(role, text)
	}
}
