package audio

import (
	"fmt"
	"log/slog"

	resampling "github.com/tphakala/go-audio-resampling"
)

// SincResampler wraps a high-quality polyphase resampler. The underlying
// filter is created lazily for the first source rate seen and rebuilt if the
// source rate changes mid-stream.
//
// The filter holds back its first output samples while it primes. Those are
// replaced with leading silence, and filter output is carried over between
// calls, so every chunk has the length [ResampledLength] gives for the stream
// so far. The stream as a whole is delayed by the filter latency.
type SincResampler struct {
	target  int
	srcRate int
	inner   resampling.Resampler
	buf     []float64

	// Stream totals since the filter was built, in source and target samples.
	in, out int
	primed  bool
	carry   []float32
}

// NewSincResampler returns a [SincResampler] producing mono PCM at targetRate.
func NewSincResampler(targetRate int) *SincResampler {
	return &SincResampler{target: targetRate}
}

// TargetRate implements [Resampler].
func (r *SincResampler) TargetRate() int { return r.target }

// Resample implements [Resampler].
func (r *SincResampler) Resample(samples []float32, srcRate int) (AudioFrame, error) {
	frame, ok, err := prepare(samples, srcRate, r.target)
	if ok || err != nil {
		return frame, err
	}

	if r.inner == nil || r.srcRate != srcRate {
		if r.inner != nil {
			slog.Warn("audio: capture rate changed, rebuilding resampler",
				"from", r.srcRate, "to", srcRate)
		}
		inner, err := resampling.New(&resampling.Config{
			InputRate:  float64(srcRate),
			OutputRate: float64(r.target),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return AudioFrame{}, fmt.Errorf("audio: create sinc resampler: %w", err)
		}
		r.inner = inner
		r.srcRate = srcRate
		r.in, r.out, r.primed, r.carry = 0, 0, false, r.carry[:0]
	}

	r.buf = r.buf[:0]
	for _, s := range samples {
		r.buf = append(r.buf, float64(s))
	}
	processed, err := r.inner.Process(r.buf)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("audio: sinc resample: %w", err)
	}

	for _, s := range processed {
		r.carry = append(r.carry, float32(s))
	}
	if !r.primed && len(processed) >= ResampledLength(len(samples), srcRate, r.target)-1 {
		r.primed = true
	}

	r.in += len(samples)
	need := ResampledLength(r.in, srcRate, r.target) - r.out
	out := make([]float32, 0, need)
	if short := need - len(r.carry); short > 0 && !r.primed {
		out = append(out, make([]float32, short)...)
	}
	n := min(need-len(out), len(r.carry))
	out = append(out, r.carry[:n]...)
	r.carry = r.carry[:copy(r.carry, r.carry[n:])]
	r.out += len(out)

	frame.Data = FloatToPCM16(out)
	return frame, nil
}
