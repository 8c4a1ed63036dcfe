package audio

import "time"

// Fixed rates of the voice pipeline.
const (
	// TransportRate is the sample rate of audio sent to the remote model.
	TransportRate = 16000

	// PlaybackRate is the sample rate of audio the remote model sends back.
	PlaybackRate = 24000

	// BytesPerSample is the width of one signed 16-bit PCM sample.
	BytesPerSample = 2
)

// AudioFrame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport: produced by a [Resampler] from
// captured samples, encoded for the wire, and decoded again for playback.
type AudioFrame struct {
	// Data holds signed 16-bit little-endian PCM, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for transport, 24000 for playback).
	SampleRate int

	// Channels: 1 for mono. The voice pipeline is mono end to end.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of sample frames (per-channel samples) in f.
func (f AudioFrame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (BytesPerSample * ch)
}

// Duration returns the play-out time of f at its sample rate. Frames with
// no sample rate have zero duration.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return SamplesDuration(f.Samples(), f.SampleRate)
}

// Valid reports whether f carries whole samples for its channel count.
func (f AudioFrame) Valid() bool {
	ch := f.Channels
	if ch <= 0 {
		return false
	}
	return len(f.Data)%(BytesPerSample*ch) == 0
}

// SamplesDuration converts a sample count at rate into a duration without
// accumulating float rounding error.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}

// DurationSamples converts d into the nearest whole number of samples at
// rate. It inverts [SamplesDuration] exactly.
func DurationSamples(d time.Duration, rate int) int {
	if d <= 0 || rate <= 0 {
		return 0
	}
	return int((int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second))
}
