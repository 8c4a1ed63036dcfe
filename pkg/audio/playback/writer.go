package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pawgo/voice/pkg/audio"
)

// Compile-time interface assertion.
var _ Sink = (*WriterSink)(nil)

const (
	// DefaultPeriod is the render interval of a [WriterSink].
	DefaultPeriod = 20 * time.Millisecond
)

// ErrSinkClosed is returned by [WriterSink.Play] after Close or after the
// render loop stopped on a write error.
var ErrSinkClosed = errors.New("playback: sink closed")

// maxCatchUp bounds how much audio one wake-up renders after the loop fell
// behind wall time.
const maxCatchUp = time.Second

// WriterOption configures a [WriterSink] during construction.
type WriterOption func(*WriterSink)

// WithPeriod sets the render interval. Shorter periods lower the latency of
// Stop at the cost of more frequent writes.
func WithPeriod(d time.Duration) WriterOption {
	return func(s *WriterSink) {
		if d > 0 {
			s.period = d
		}
	}
}

// WithCloser registers a function run after the render loop has stopped,
// typically to release the process or device behind the writer.
func WithCloser(fn func() error) WriterOption {
	return func(s *WriterSink) { s.closer = fn }
}

// WriterSink renders scheduled voices onto a sample-accurate timeline and
// streams the mix as mono s16le PCM to an io.Writer. Its clock is the number
// of samples rendered so far.
//
// Frames at a different rate than the sink are converted with linear
// interpolation before they are queued.
//
// A failed write stops the sink for good: every queued voice is dropped, Play
// is refused and Done is closed with the write error available from Err.
type WriterSink struct {
	w      io.Writer
	rate   int
	period time.Duration
	closer func() error

	mu       sync.Mutex
	rendered int64
	voices   []*writerVoice
	closed   bool
	err      error

	done      chan struct{}
	halted    chan struct{}
	haltOnce  sync.Once
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	warnRate  sync.Once
}

// writerVoice is a queued buffer in sink samples.
type writerVoice struct {
	sink    *WriterSink
	start   int64
	samples []int16
	onEnded func()
	stopped bool
}

// Stop implements [Voice].
func (v *writerVoice) Stop() {
	v.sink.mu.Lock()
	defer v.sink.mu.Unlock()
	v.stopped = true
}

// NewWriterSink creates a sink rendering at rate Hz into w and starts its
// render goroutine. Call [WriterSink.Close] to stop it.
func NewWriterSink(w io.Writer, rate int, opts ...WriterOption) *WriterSink {
	s := &WriterSink{
		w:      w,
		rate:   rate,
		period: DefaultPeriod,
		done:   make(chan struct{}),
		halted: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// newIdleWriterSink builds a sink without a render goroutine; tests drive it
// with renderOnce.
func newIdleWriterSink(w io.Writer, rate int) *WriterSink {
	return &WriterSink{
		w:      w,
		rate:   rate,
		period: DefaultPeriod,
		done:   make(chan struct{}),
		halted: make(chan struct{}),
	}
}

// Now implements [Clock].
func (s *WriterSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesDuration(int(s.rendered), s.rate)
}

// Play implements [Sink].
func (s *WriterSink) Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (Voice, error) {
	samples, err := s.toSinkRate(frame)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSinkClosed, s.err)
		}
		return nil, ErrSinkClosed
	}
	start := max(int64(audio.DurationSamples(at, s.rate)), s.rendered)
	v := &writerVoice{sink: s, start: start, samples: samples, onEnded: onEnded}
	s.voices = append(s.voices, v)
	return v, nil
}

// toSinkRate returns frame as sink-rate samples. A frame that cannot be
// converted is refused rather than played at the wrong pitch.
func (s *WriterSink) toSinkRate(frame audio.AudioFrame) ([]int16, error) {
	pcm := frame.Data
	if frame.SampleRate != s.rate {
		s.warnRate.Do(func() {
			slog.Warn("playback: frame rate differs from sink, converting",
				"from", frame.SampleRate, "to", s.rate)
		})
		r := audio.LinearResampler{Target: s.rate}
		converted, err := r.Resample(audio.PCM16ToFloat(pcm), frame.SampleRate)
		if err != nil {
			slog.Warn("playback: dropping frame", "rate", frame.SampleRate, "err", err)
			return nil, fmt.Errorf("playback: convert frame: %w", err)
		}
		pcm = converted.Data
	}
	out := make([]int16, len(pcm)/audio.BytesPerSample)
	for i := range out {
		out[i] = audio.SampleAt(pcm, i)
	}
	return out, nil
}

func (s *WriterSink) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n := s.due(time.Since(start))
			if n == 0 {
				continue
			}
			if err := s.renderOnce(n); err != nil {
				slog.Warn("playback: write failed, stopping render loop", "err", err)
				s.halt(err)
				return
			}
		}
	}
}

// due returns how many samples the render loop owes after elapsed wall time.
// The clock follows wall time rather than tick count, because a Ticker drops
// ticks when the loop falls behind. Only the render goroutine calls it.
func (s *WriterSink) due(elapsed time.Duration) int {
	n := int64(audio.DurationSamples(elapsed, s.rate)) - s.rendered
	if n <= 0 {
		return 0
	}
	return int(min(n, int64(audio.DurationSamples(maxCatchUp, s.rate))))
}

// renderOnce mixes the next n samples of the timeline, writes them and fires
// onEnded for voices that finished inside the window.
func (s *WriterSink) renderOnce(n int) error {
	mix := make([]int32, n)
	var ended []func()

	s.mu.Lock()
	from := s.rendered
	to := from + int64(n)
	kept := s.voices[:0]
	for _, v := range s.voices {
		if v.stopped {
			continue
		}
		end := v.start + int64(len(v.samples))
		lo := max(v.start, from)
		hi := min(end, to)
		for t := lo; t < hi; t++ {
			mix[t-from] += int32(v.samples[t-v.start])
		}
		if end <= to {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(s.voices[len(kept):])
	s.voices = kept
	s.rendered = to
	s.mu.Unlock()

	buf := make([]byte, n*audio.BytesPerSample)
	for i, v := range mix {
		audio.PutSample(buf, i, audio.ClampInt16(v))
	}
	_, err := s.w.Write(buf)

	for _, fn := range ended {
		fn()
	}
	if err != nil {
		return fmt.Errorf("playback: write: %w", err)
	}
	return nil
}

// Pending returns the number of voices queued or playing.
func (s *WriterSink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.voices)
}

// Done implements [Sink].
func (s *WriterSink) Done() <-chan struct{} { return s.halted }

// Err implements [Sink].
func (s *WriterSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// halt refuses further frames and drops every voice without firing its
// onEnded. err is the write failure, nil for Close.
func (s *WriterSink) halt(err error) {
	s.haltOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		clear(s.voices)
		s.voices = nil
		s.mu.Unlock()
		close(s.halted)
	})
}

// Close implements [Sink]. It stops the render loop, drops all voices and
// runs the closer registered with [WithCloser].
func (s *WriterSink) Close() error {
	s.closeOnce.Do(func() {
		s.halt(nil)
		close(s.done)
		// The closer may be what unblocks a render loop stuck in Write.
		if s.closer != nil {
			s.closeErr = s.closer()
		}
		s.wg.Wait()
	})
	return s.closeErr
}
