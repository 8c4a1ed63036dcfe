// Package mock provides in-memory mock implementations of [audio.Microphone],
// [audio.CaptureSource], [playback.Output] and [playback.Sink] for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.CaptureSource{Rate: 44100}
//	mic := &mock.Microphone{Source: src}
//	sink := mock.NewSink()
//	speaker := &mock.Speaker{Sink: sink}
//	// ... start a session ...
//	src.Emit(make([]float32, 4096))
//	sink.Finish(0)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pawgo/voice/pkg/audio"
	"github.com/pawgo/voice/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureSource = (*CaptureSource)(nil)
	_ playback.Sink       = (*Sink)(nil)
	_ playback.Output     = (*Speaker)(nil)
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// Source is returned by Acquire when AcquireErr is nil.
	Source *CaptureSource

	// AcquireErr is returned by Acquire.
	AcquireErr error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	lease audio.Lease
}

// Acquire implements [audio.Microphone].
func (m *Microphone) Acquire(_ context.Context) (audio.CaptureSource, error) {
	m.mu.Lock()
	m.CallCountAcquire++
	err := m.AcquireErr
	src := m.Source
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := m.lease.Take(); err != nil {
		return nil, err
	}
	if src == nil {
		src = &CaptureSource{Rate: 48000}
	}
	src.attach(&m.lease)
	return src, nil
}

// Acquisitions returns CallCountAcquire under the lock.
func (m *Microphone) Acquisitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountAcquire
}

// Held reports whether the microphone is currently acquired.
func (m *Microphone) Held() bool { return m.lease.Held() }

// ─── CaptureSource ────────────────────────────────────────────────────────────

// CaptureSource is a mock implementation of [audio.CaptureSource]. Tests push
// samples with Emit once Start has been called.
type CaptureSource struct {
	mu sync.Mutex

	// Rate is returned by SampleRate.
	Rate int

	// StartErr is returned by Start.
	StartErr error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onSamples func([]float32)
	lease     *audio.Lease
	closed    bool
	started   chan struct{}
}

func (c *CaptureSource) attach(l *audio.Lease) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lease = l
	c.closed = false
}

// SampleRate implements [audio.CaptureSource].
func (c *CaptureSource) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Rate
}

// Start implements [audio.CaptureSource].
func (c *CaptureSource) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStart++
	if c.StartErr != nil {
		return c.StartErr
	}
	if c.closed {
		return errors.New("mock: capture source closed")
	}
	c.onSamples = onSamples
	c.startedLocked()
	return nil
}

func (c *CaptureSource) startedLocked() {
	if c.started == nil {
		c.started = make(chan struct{})
	}
	select {
	case <-c.started:
	default:
		close(c.started)
	}
}

// Started returns a channel closed once Start has succeeded.
func (c *CaptureSource) Started() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started == nil {
		c.started = make(chan struct{})
	}
	return c.started
}

// Emit delivers samples to the registered callback, as the device would.
// It reports whether a callback was registered and the source is open.
func (c *CaptureSource) Emit(samples []float32) bool {
	c.mu.Lock()
	fn := c.onSamples
	closed := c.closed
	c.mu.Unlock()
	if fn == nil || closed {
		return false
	}
	fn(samples)
	return true
}

// Close implements [audio.CaptureSource].
func (c *CaptureSource) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if c.closed {
		return nil
	}
	c.closed = true
	c.onSamples = nil
	if c.lease != nil {
		c.lease.Release()
	}
	return nil
}

// Closes returns CallCountClose under the lock.
func (c *CaptureSource) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

// Starts returns CallCountStart under the lock.
func (c *CaptureSource) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountStart
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records a single invocation of [Sink.Play].
type PlayCall struct {
	Frame audio.AudioFrame
	At    time.Duration
	Voice *Voice
}

// Voice is the [playback.Voice] returned by [Sink.Play].
type Voice struct {
	mu      sync.Mutex
	stopped bool
	ended   bool
	onEnded func()
}

// Stop implements [playback.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Sink is a mock implementation of [playback.Sink] driven by a manual clock.
// Nothing ends on its own: tests call Finish or Advance.
type Sink struct {
	mu sync.Mutex

	// PlayErr is returned by Play.
	PlayErr error

	// Calls holds every successful Play invocation in order.
	Calls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Lease guards exclusive use of the sink across sessions.
	Lease audio.Lease

	now    time.Duration
	played chan struct{}
	failed chan struct{}
	err    error
}

// NewSink returns a Sink whose clock starts at zero.
func NewSink() *Sink {
	return &Sink{played: make(chan struct{}, 1024)}
}

// Now implements [playback.Clock].
func (s *Sink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// SetNow moves the clock to d without ending any voice.
func (s *Sink) SetNow(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = d
}

// Play implements [playback.Sink].
func (s *Sink) Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (playback.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PlayErr != nil {
		return nil, s.PlayErr
	}
	if s.err != nil {
		return nil, s.err
	}
	v := &Voice{onEnded: onEnded}
	s.Calls = append(s.Calls, PlayCall{Frame: frame, At: at, Voice: v})
	if s.played != nil {
		select {
		case s.played <- struct{}{}:
		default:
		}
	}
	return v, nil
}

// Played returns a channel that receives once per Play call.
func (s *Sink) Played() <-chan struct{} { return s.played }

// PlayCalls returns a snapshot of Calls.
func (s *Sink) PlayCalls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PlayCall(nil), s.Calls...)
}

// Finish ends the i-th played voice naturally, invoking its onEnded callback
// unless it was stopped or already finished.
func (s *Sink) Finish(i int) {
	s.mu.Lock()
	v := s.Calls[i].Voice
	s.mu.Unlock()

	v.mu.Lock()
	if v.stopped || v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Advance moves the clock forward by d and finishes every voice whose end
// position has been reached.
func (s *Sink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	now := s.now
	var due []int
	for i, c := range s.Calls {
		if c.At+c.Frame.Duration() <= now {
			due = append(due, i)
		}
	}
	s.mu.Unlock()

	for _, i := range due {
		s.Finish(i)
	}
}

// Close implements [playback.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.Lease.Release()
	return nil
}

// Done implements [playback.Sink]. Only Fail closes it, so a Sink can be
// reopened across sessions.
func (s *Sink) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedLocked()
}

// Err implements [playback.Sink].
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Fail simulates a device failure: Play returns err from now on and Done is
// closed. Later calls are no-ops.
func (s *Sink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.failedLocked())
}

// revive clears a simulated failure so the next session gets a working sink,
// as a real device reopened after its player died would.
func (s *Sink) revive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.err = nil
		s.failed = nil
	}
}

func (s *Sink) failedLocked() chan struct{} {
	if s.failed == nil {
		s.failed = make(chan struct{})
	}
	return s.failed
}

// Closes returns CallCountClose under the lock.
func (s *Sink) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [playback.Output] handing out Sink.
type Speaker struct {
	mu sync.Mutex

	// Sink is returned by Open when OpenErr is nil. A fresh Sink is created
	// on first use if nil.
	Sink *Sink

	// OpenErr is returned by Open.
	OpenErr error

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [playback.Output].
func (s *Speaker) Open(_ context.Context) (playback.Sink, error) {
	s.mu.Lock()
	s.CallCountOpen++
	if s.OpenErr != nil {
		err := s.OpenErr
		s.mu.Unlock()
		return nil, err
	}
	if s.Sink == nil {
		s.Sink = NewSink()
	}
	sink := s.Sink
	s.mu.Unlock()

	if err := sink.Lease.Take(); err != nil {
		return nil, err
	}
	sink.revive()
	return sink, nil
}

// Opens returns CallCountOpen under the lock.
func (s *Speaker) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountOpen
}
