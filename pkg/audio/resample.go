package audio

import (
	"errors"
	"fmt"
)

// Strategy names a resampling algorithm.
type Strategy string

const (
	// StrategyNearest picks the nearest preceding source sample for each
	// output sample. It is the cheapest strategy and the default.
	StrategyNearest Strategy = "nearest"

	// StrategyLinear interpolates linearly between neighbouring source samples.
	StrategyLinear Strategy = "linear"

	// StrategySinc uses a band-limited windowed-sinc filter. It keeps filter
	// state across calls and delays the stream by the filter latency, padding
	// the start with silence so chunk durations still hold.
	StrategySinc Strategy = "sinc"
)

// IsValid reports whether s names a known strategy.
func (s Strategy) IsValid() bool {
	switch s {
	case StrategyNearest, StrategyLinear, StrategySinc:
		return true
	default:
		return false
	}
}

// ErrInvalidRate is returned when a source or target rate is not positive.
var ErrInvalidRate = errors.New("audio: sample rate must be positive")

// Resampler converts normalised float samples captured at an arbitrary device
// rate into mono 16-bit PCM frames at a fixed target rate.
//
// Output duration matches input duration: N samples at srcRate yield
// N·target/srcRate samples (within one sample). When srcRate equals the target
// rate the samples pass through with only the float→int16 conversion.
// Zero-length input produces a zero-length frame and never an error.
//
// Implementations are not safe for concurrent use; create one per capture
// stream.
type Resampler interface {
	Resample(samples []float32, srcRate int) (AudioFrame, error)

	// TargetRate returns the output sample rate.
	TargetRate() int
}

// NewResampler returns a [Resampler] for the given strategy. An empty
// strategy selects [StrategyNearest].
func NewResampler(s Strategy, targetRate int) (Resampler, error) {
	if targetRate <= 0 {
		return nil, fmt.Errorf("audio: new resampler: %w", ErrInvalidRate)
	}
	switch s {
	case "", StrategyNearest:
		return &NearestResampler{Target: targetRate}, nil
	case StrategyLinear:
		return &LinearResampler{Target: targetRate}, nil
	case StrategySinc:
		return NewSincResampler(targetRate), nil
	default:
		return nil, fmt.Errorf("audio: unknown resampler strategy %q", s)
	}
}

// ResampledLength returns the output sample count for n input samples taken
// from srcRate to dstRate, rounded up so a partial trailing sample is kept.
func ResampledLength(n, srcRate, dstRate int) int {
	if n <= 0 || srcRate <= 0 || dstRate <= 0 {
		return 0
	}
	return int((int64(n)*int64(dstRate) + int64(srcRate) - 1) / int64(srcRate))
}

// ── Nearest ────────────────────────────────────────────────────────────────────

// NearestResampler steps through the source buffer by the rate ratio and
// takes the sample at the floor of each position (decimation or duplication).
type NearestResampler struct {
	Target int
}

// TargetRate implements [Resampler].
func (r *NearestResampler) TargetRate() int { return r.Target }

// Resample implements [Resampler].
func (r *NearestResampler) Resample(samples []float32, srcRate int) (AudioFrame, error) {
	frame, ok, err := prepare(samples, srcRate, r.Target)
	if ok || err != nil {
		return frame, err
	}
	n := ResampledLength(len(samples), srcRate, r.Target)
	out := make([]float32, n)
	for i := range n {
		idx := int(int64(i) * int64(srcRate) / int64(r.Target))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		out[i] = samples[idx]
	}
	frame.Data = FloatToPCM16(out)
	return frame, nil
}

// ── Linear ─────────────────────────────────────────────────────────────────────

// LinearResampler interpolates linearly between the two source samples
// surrounding each output position. The last source sample is held at the
// end of the buffer.
type LinearResampler struct {
	Target int
}

// TargetRate implements [Resampler].
func (r *LinearResampler) TargetRate() int { return r.Target }

// Resample implements [Resampler].
func (r *LinearResampler) Resample(samples []float32, srcRate int) (AudioFrame, error) {
	frame, ok, err := prepare(samples, srcRate, r.Target)
	if ok || err != nil {
		return frame, err
	}
	n := ResampledLength(len(samples), srcRate, r.Target)
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(r.Target)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		frac := pos - float64(idx)
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	frame.Data = FloatToPCM16(out)
	return frame, nil
}

// prepare handles the cases every strategy shares. It returns done=true when
// frame is already the final result (empty input or equal rates).
func prepare(samples []float32, srcRate, target int) (frame AudioFrame, done bool, err error) {
	frame = AudioFrame{SampleRate: target, Channels: 1}
	if len(samples) == 0 {
		frame.Data = []byte{}
		return frame, true, nil
	}
	if srcRate <= 0 {
		return AudioFrame{}, true, fmt.Errorf("audio: resample from %d Hz: %w", srcRate, ErrInvalidRate)
	}
	if srcRate == target {
		frame.Data = FloatToPCM16(samples)
		return frame, true, nil
	}
	return frame, false, nil
}
