package voice_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pawgo/voice/internal/observe"
	"github.com/pawgo/voice/internal/transcript"
	"github.com/pawgo/voice/internal/voice"
	"github.com/pawgo/voice/pkg/audio"
	audiomock "github.com/pawgo/voice/pkg/audio/mock"
	"github.com/pawgo/voice/pkg/audio/wire"
	"github.com/pawgo/voice/pkg/provider/s2s"
	s2smock "github.com/pawgo/voice/pkg/provider/s2s/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type rig struct {
	mic     *audiomock.Microphone
	src     *audiomock.CaptureSource
	speaker *audiomock.Speaker
	sink    *audiomock.Sink
	prov    *s2smock.Provider
	sess    *s2smock.Session

	mu     sync.Mutex
	states []voice.State
	turns  []transcript.Turn
	deltas []string
}

func newRig() *rig {
	src := &audiomock.CaptureSource{Rate: 44100}
	sink := audiomock.NewSink()
	sess := s2smock.NewSession()
	return &rig{
		mic:     &audiomock.Microphone{Source: src},
		src:     src,
		speaker: &audiomock.Speaker{Sink: sink},
		sink:    sink,
		prov:    &s2smock.Provider{Session: sess},
		sess:    sess,
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func (r *rig) controller(t *testing.T, opts ...voice.Option) *voice.Controller {
	t.Helper()
	opts = append([]voice.Option{
		voice.WithMetrics(testMetrics(t)),
		voice.WithStateHandler(func(s voice.State, _ error) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		}),
		voice.WithTurnHandler(func(turn transcript.Turn) {
			r.mu.Lock()
			r.turns = append(r.turns, turn)
			r.mu.Unlock()
		}),
		voice.WithTranscriptHandler(func(role voice.Role, text string) {
			r.mu.Lock()
			r.deltas = append(r.deltas, role.String()+":"+text)
			r.mu.Unlock()
		}),
	}, opts...)
	c := voice.New(r.prov, r.mic, r.speaker, s2s.DefaultConfig(), opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (r *rig) start(t *testing.T, opts ...voice.Option) *voice.Controller {
	t.Helper()
	c := r.controller(t, opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func (r *rig) stateLog() []voice.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]voice.State(nil), r.states...)
}

// assertReleased checks that every resource was released exactly once.
func (r *rig) assertReleased(t *testing.T) {
	t.Helper()
	if r.mic.Held() {
		t.Error("microphone still held")
	}
	if n := r.src.Closes(); n != 1 {
		t.Errorf("capture closed %d times, want 1", n)
	}
	if n := r.sink.Closes(); n != 1 {
		t.Errorf("sink closed %d times, want 1", n)
	}
}

func waitDone(t *testing.T, c *voice.Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Wait(ctx); err != nil {
		t.Fatalf("controller did not finish: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func nextSent(t *testing.T, sess *s2smock.Session) wire.Packet {
	t.Helper()
	select {
	case p := <-sess.Sends():
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a sent packet")
		return wire.Packet{}
	}
}

// responseChunk returns an audio event carrying d of silence at 24 kHz.
func responseChunk(d time.Duration) s2s.Event {
	pcm := make([]byte, audio.DurationSamples(d, audio.PlaybackRate)*audio.BytesPerSample)
	return s2s.Event{Type: s2s.EventAudio, Audio: wire.EncodeBytes(pcm, audio.PlaybackRate)}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_OpensTransportBeforeCapture(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.prov.OpenHook = func(context.Context) error {
		if r.src.Starts() != 0 {
			t.Error("capture started before the transport opened")
		}
		if !r.mic.Held() {
			t.Error("microphone not acquired before the transport opened")
		}
		return nil
	}

	c := r.start(t)

	if c.State() != voice.StateActive {
		t.Fatalf("state = %v, want active", c.State())
	}
	if r.src.Starts() != 1 {
		t.Errorf("capture started %d times, want 1", r.src.Starts())
	}
	got := r.stateLog()
	if len(got) != 2 || got[0] != voice.StateConnecting || got[1] != voice.StateActive {
		t.Errorf("states = %v, want [connecting active]", got)
	}
	if r.prov.Opens() != 1 || r.prov.OpenCalls[0].Cfg.ModelID != s2s.DefaultModel {
		t.Errorf("open calls = %+v", r.prov.OpenCalls)
	}
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	if err := c.Start(context.Background()); !errors.Is(err, voice.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, voice.ErrStopped) {
		t.Errorf("Start after Close = %v, want ErrStopped", err)
	}
}

func TestStart_AcquisitionFailures(t *testing.T) {
	t.Parallel()

	errDenied := errors.New("permission denied")
	tests := []struct {
		name       string
		setup      func(r *rig)
		wantDevice string
		micCloses  int
	}{
		{
			name:       "microphone",
			setup:      func(r *rig) { r.mic.AcquireErr = errDenied },
			wantDevice: "microphone",
		},
		{
			name:       "speaker",
			setup:      func(r *rig) { r.speaker.OpenErr = errDenied },
			wantDevice: "speaker",
			micCloses:  1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newRig()
			tc.setup(r)
			c := r.controller(t)

			err := c.Start(context.Background())
			var acq *voice.AcquisitionError
			if !errors.As(err, &acq) || acq.Device != tc.wantDevice || !errors.Is(err, errDenied) {
				t.Fatalf("Start = %v, want AcquisitionError(%s)", err, tc.wantDevice)
			}
			if r.prov.Opens() != 0 {
				t.Error("transport opened despite acquisition failure")
			}
			if c.State() != voice.StateFailed || !errors.Is(c.Err(), errDenied) {
				t.Errorf("state = %v, err = %v", c.State(), c.Err())
			}
			if r.mic.Held() || r.src.Closes() != tc.micCloses {
				t.Errorf("mic held = %v, capture closes = %d", r.mic.Held(), r.src.Closes())
			}
			select {
			case <-c.Done():
			default:
				t.Error("Done not closed after failed Start")
			}
		})
	}
}

func TestStart_TransportOpenFailure(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.prov.OpenErr = &s2s.TransportError{Kind: s2s.KindAuthRejected, Reason: "bad key"}
	c := r.controller(t)

	err := c.Start(context.Background())
	var open *voice.TransportOpenError
	if !errors.As(err, &open) || open.Kind != s2s.KindAuthRejected {
		t.Fatalf("Start = %v, want TransportOpenError(auth_rejected)", err)
	}
	if r.src.Starts() != 0 {
		t.Error("capture began although the transport never opened")
	}
	r.assertReleased(t)
	if got := r.stateLog(); got[len(got)-1] != voice.StateFailed {
		t.Errorf("states = %v, want to end failed", got)
	}
}

func TestStart_CaptureStartFailure(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.src.StartErr = errors.New("device unplugged")
	c := r.controller(t)

	var acq *voice.AcquisitionError
	if err := c.Start(context.Background()); !errors.As(err, &acq) {
		t.Fatalf("Start = %v, want AcquisitionError", err)
	}
	if !r.sess.Closed() {
		t.Error("transport left open")
	}
	r.assertReleased(t)
}

func TestStart_DeviceExclusive(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.start(t)

	other := voice.New(&s2smock.Provider{}, r.mic, &audiomock.Speaker{}, s2s.DefaultConfig(),
		voice.WithMetrics(testMetrics(t)))
	err := other.Start(context.Background())
	if !errors.Is(err, audio.ErrDeviceBusy) {
		t.Fatalf("second session Start = %v, want ErrDeviceBusy", err)
	}
}

func TestStop_DuringConnecting(t *testing.T) {
	t.Parallel()
	r := newRig()
	entered := make(chan struct{})
	r.prov.OpenHook = func(ctx context.Context) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}
	c := r.controller(t)

	errc := make(chan error, 1)
	go func() { errc <- c.Start(context.Background()) }()
	<-entered
	c.Stop()

	if err := <-errc; !errors.Is(err, voice.ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}
	waitDone(t, c)
	if c.State() != voice.StateClosed || c.Err() != nil {
		t.Errorf("state = %v, err = %v, want closed", c.State(), c.Err())
	}
	if r.src.Starts() != 0 {
		t.Error("capture began after stop")
	}
	r.assertReleased(t)
}

// ── Capture path ──────────────────────────────────────────────────────────────

func TestCapture_ResamplesAndSendsInOrder(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.start(t)

	for i := range 3 {
		chunk := make([]float32, 4096)
		chunk[0] = float32(i+1) / 10
		if !r.src.Emit(chunk) {
			t.Fatal("capture callback not registered")
		}
	}

	for i := range 3 {
		pkt := nextSent(t, r.sess)
		frame, err := wire.Decode(pkt, 0)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if frame.SampleRate != audio.TransportRate {
			t.Errorf("packet %d: rate = %d, want %d", i, frame.SampleRate, audio.TransportRate)
		}
		if n := frame.Samples(); n < 1485 || n > 1487 {
			t.Errorf("packet %d: %d samples, want ≈1486", i, n)
		}
		want := audio.FloatToPCM16([]float32{float32(i+1) / 10})
		if audio.SampleAt(frame.Data, 0) != audio.SampleAt(want, 0) {
			t.Errorf("packet %d out of order: first sample %d", i, audio.SampleAt(frame.Data, 0))
		}
	}
	if n := len(r.sess.Sent()); n != 3 {
		t.Errorf("sent %d packets, want 3", n)
	}
}

func TestCapture_FullQueueDropsWithoutFailing(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.sess.SendErr = s2s.ErrSendQueueFull
	c := r.start(t)

	r.src.Emit(make([]float32, 441))
	r.src.Emit(make([]float32, 441))

	if c.State() != voice.StateActive {
		t.Errorf("state = %v, want active", c.State())
	}
	if n := len(r.sess.Sent()); n != 0 {
		t.Errorf("recorded %d packets, want 0", n)
	}
}

func TestCapture_StampsStreamPosition(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	for range 3 {
		r.src.Emit(make([]float32, 441))
		nextSent(t, r.sess)
	}
	// Three 10ms chunks at 44.1 kHz: the last one starts at 20ms.
	waitFor(t, "captured position", func() bool { return c.Captured() == 30*time.Millisecond })
}

// ── Receive path ──────────────────────────────────────────────────────────────

func TestReceive_BackToBackChunksAreGapless(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.start(t)
	r.sink.SetNow(5 * time.Second)

	r.sess.Emit(responseChunk(20 * time.Millisecond))
	r.sess.Emit(responseChunk(40 * time.Millisecond))
	waitFor(t, "two scheduled chunks", func() bool { return len(r.sink.PlayCalls()) == 2 })

	calls := r.sink.PlayCalls()
	if calls[0].At != 5*time.Second {
		t.Errorf("first chunk at %v, want 5s", calls[0].At)
	}
	if want := calls[0].At + 20*time.Millisecond; calls[1].At != want {
		t.Errorf("second chunk at %v, want %v", calls[1].At, want)
	}
	if calls[1].Frame.SampleRate != audio.PlaybackRate {
		t.Errorf("frame rate = %d, want %d", calls[1].Frame.SampleRate, audio.PlaybackRate)
	}
}

func TestReceive_UntaggedChunkUsesProviderOutputRate(t *testing.T) {
	t.Parallel()
	r := newRig()
	r.prov.Caps = s2s.Capabilities{InputRate: audio.TransportRate, OutputRate: 16000}
	r.start(t)

	pcm := make([]byte, 160*audio.BytesPerSample)
	r.sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: wire.Packet{Data: wire.EncodeBytes(pcm, 16000).Data}})
	waitFor(t, "scheduled chunk", func() bool { return len(r.sink.PlayCalls()) == 1 })

	frame := r.sink.PlayCalls()[0].Frame
	if frame.SampleRate != 16000 {
		t.Errorf("frame rate = %d, want 16000", frame.SampleRate)
	}
	if d := frame.Duration(); d != 10*time.Millisecond {
		t.Errorf("frame duration = %v, want 10ms", d)
	}
}

func TestReceive_InterruptedFlushesPlaybackOnly(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	r.sess.Emit(responseChunk(100 * time.Millisecond))
	r.sess.Emit(responseChunk(100 * time.Millisecond))
	waitFor(t, "two scheduled chunks", func() bool { return len(r.sink.PlayCalls()) == 2 })

	r.sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	waitFor(t, "both voices stopped", func() bool {
		calls := r.sink.PlayCalls()
		return calls[0].Voice.Stopped() && calls[1].Voice.Stopped()
	})

	// Nothing from before the interruption may play on, and a new chunk
	// starts at the current clock position.
	r.sink.Advance(time.Second)
	r.sess.Emit(responseChunk(20 * time.Millisecond))
	waitFor(t, "post-interruption chunk", func() bool { return len(r.sink.PlayCalls()) == 3 })
	if at := r.sink.PlayCalls()[2].At; at != time.Second {
		t.Errorf("post-interruption chunk at %v, want 1s", at)
	}

	// Capture keeps flowing.
	r.src.Emit(make([]float32, 441))
	nextSent(t, r.sess)
	if c.State() != voice.StateActive {
		t.Errorf("state = %v, want active", c.State())
	}
}

func TestReceive_InterruptedWithNothingPlayingIsNoOp(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	r.sess.Emit(s2s.Event{Type: s2s.EventInterrupted})
	r.sess.Emit(responseChunk(20 * time.Millisecond))
	waitFor(t, "chunk after no-op interrupt", func() bool { return len(r.sink.PlayCalls()) == 1 })

	if c.State() != voice.StateActive {
		t.Errorf("state = %v, want active", c.State())
	}
}

func TestReceive_MalformedChunkIsDropped(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	r.sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: wire.Packet{MIMEType: "audio/pcm;rate=24000", Data: "%%%"}})
	r.sess.Emit(s2s.Event{Type: s2s.EventAudio, Audio: wire.EncodeBytes([]byte{1, 2, 3}, 24000)})
	r.sess.Emit(responseChunk(20 * time.Millisecond))
	waitFor(t, "valid chunk", func() bool { return len(r.sink.PlayCalls()) == 1 })

	if c.State() != voice.StateActive {
		t.Errorf("state = %v, want active", c.State())
	}
}

func TestReceive_TranscriptsAggregatePerTurn(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	for _, ev := range []s2s.Event{
		{Type: s2s.EventInputTranscript, Text: "Is Bella "},
		{Type: s2s.EventOutputTranscript, Text: "Bella is "},
		{Type: s2s.EventInputTranscript, Text: "walking enough?"},
		{Type: s2s.EventOutputTranscript, Text: "doing great."},
		{Type: s2s.EventTurnComplete},
		{Type: s2s.EventOutputTranscript, Text: "Anything else?"},
	} {
		r.sess.Emit(ev)
	}
	waitFor(t, "live transcript", func() bool { return c.Transcript().Model == "Anything else?" })

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.turns) != 1 {
		t.Fatalf("turns = %d, want 1", len(r.turns))
	}
	turn := r.turns[0]
	if turn.User != "Is Bella walking enough?" || turn.Model != "Bella is doing great." {
		t.Errorf("turn = %+v", turn)
	}
	if len(r.deltas) != 5 || r.deltas[0] != "user:Is Bella " || r.deltas[1] != "model:Bella is " {
		t.Errorf("deltas = %q", r.deltas)
	}
}

// ── Teardown ──────────────────────────────────────────────────────────────────

func TestFailure_TransportEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		event    s2s.Event
		wantKind s2s.ErrorKind
	}{
		{
			name:     "network drop",
			event:    s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{Kind: s2s.KindNetworkDrop, Reason: "read"}},
			wantKind: s2s.KindNetworkDrop,
		},
		{
			name:     "server error",
			event:    s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{Kind: s2s.KindServer, Reason: "boom"}},
			wantKind: s2s.KindServer,
		},
		{
			name:     "remote close",
			event:    s2s.Event{Type: s2s.EventClosed, Text: "session limit reached"},
			wantKind: s2s.KindRemoteClosed,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r := newRig()
			var heldAtFailed bool
			c := r.start(t, voice.WithStateHandler(func(s voice.State, _ error) {
				if s == voice.StateFailed {
					heldAtFailed = r.mic.Held()
				}
			}))

			r.sess.Emit(responseChunk(100 * time.Millisecond))
			waitFor(t, "chunk", func() bool { return len(r.sink.PlayCalls()) == 1 })
			r.sess.Emit(tc.event)
			waitDone(t, c)

			if c.State() != voice.StateFailed {
				t.Fatalf("state = %v, want failed", c.State())
			}
			var rt *voice.TransportRuntimeError
			if !errors.As(c.Err(), &rt) || rt.Kind != tc.wantKind {
				t.Errorf("Err = %v, want TransportRuntimeError(%v)", c.Err(), tc.wantKind)
			}
			if heldAtFailed {
				t.Error("Failed published before the microphone was released")
			}
			if !r.sink.PlayCalls()[0].Voice.Stopped() {
				t.Error("playback not flushed on failure")
			}
			if r.sess.Closes() != 1 {
				t.Errorf("transport closed %d times, want 1", r.sess.Closes())
			}
			r.assertReleased(t)

			// Stop after the failure is a no-op.
			c.Stop()
			if c.State() != voice.StateFailed {
				t.Errorf("Stop changed state to %v", c.State())
			}
		})
	}
}

func TestFailure_SpeakerStopsPlaying(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	r.sess.Emit(responseChunk(100 * time.Millisecond))
	r.sess.Emit(responseChunk(100 * time.Millisecond))
	waitFor(t, "two scheduled chunks", func() bool { return len(r.sink.PlayCalls()) == 2 })

	r.sink.Fail(errors.New("broken pipe"))
	waitDone(t, c)

	if c.State() != voice.StateFailed {
		t.Fatalf("state = %v, want failed", c.State())
	}
	var dev *voice.DeviceError
	if !errors.As(c.Err(), &dev) || dev.Device != "speaker" {
		t.Fatalf("Err = %v, want DeviceError(speaker)", c.Err())
	}
	if dev.Err == nil || dev.Err.Error() != "broken pipe" {
		t.Errorf("DeviceError.Err = %v, want the sink error", dev.Err)
	}
	for i, call := range r.sink.PlayCalls() {
		if !call.Voice.Stopped() {
			t.Errorf("voice %d still scheduled after the speaker failed", i)
		}
	}
	if r.sess.Closes() != 1 {
		t.Errorf("transport closed %d times, want 1", r.sess.Closes())
	}
	r.assertReleased(t)
}

func TestStop_IdempotentAndNonBlocking(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	c.Stop()
	c.Stop()
	waitDone(t, c)
	c.Stop()

	if c.State() != voice.StateClosed || c.Err() != nil {
		t.Errorf("state = %v, err = %v, want closed", c.State(), c.Err())
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close after Stop = %v", err)
	}
	r.assertReleased(t)
	if r.sess.Closes() != 1 {
		t.Errorf("transport closed %d times, want 1", r.sess.Closes())
	}
	got := r.stateLog()
	want := []voice.State{voice.StateConnecting, voice.StateActive, voice.StateClosing, voice.StateClosed}
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("state %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStop_RacesRemoteClose(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.start(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.sess.Emit(s2s.Event{Type: s2s.EventClosed})
	}()
	go func() {
		defer wg.Done()
		c.Stop()
	}()
	wg.Wait()
	waitDone(t, c)

	if s := c.State(); !s.Terminal() {
		t.Errorf("state = %v, want terminal", s)
	}
	r.assertReleased(t)
}

func TestStop_BeforeStart(t *testing.T) {
	t.Parallel()
	r := newRig()
	c := r.controller(t)

	c.Stop()
	waitDone(t, c)
	if c.State() != voice.StateClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
	if r.mic.Acquisitions() != 0 {
		t.Error("stopped controller acquired the microphone")
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := map[voice.State]string{
		voice.StateIdle:       "idle",
		voice.StateConnecting: "connecting",
		voice.StateActive:     "active",
		voice.StateClosing:    "closing",
		voice.StateClosed:     "closed",
		voice.StateFailed:     "failed",
		voice.State(42):       "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", int(s), s.String(), want)
		}
	}
}
