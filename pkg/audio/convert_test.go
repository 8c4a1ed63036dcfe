package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/pawgo/voice/pkg/audio"
)

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFloatToPCM16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3, -32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := bytesToSamples(audio.FloatToPCM16([]float32{tt.in}))
			if len(got) != 1 {
				t.Fatalf("got %d samples, want 1", len(got))
			}
			if got[0] != tt.want {
				t.Errorf("FloatToPCM16(%v) = %d, want %d", tt.in, got[0], tt.want)
			}
		})
	}
}

func TestPCM16ToFloat_Extremes(t *testing.T) {
	t.Parallel()

	pcm := audio.FloatToPCM16([]float32{-1, 0, 1})
	got := audio.PCM16ToFloat(pcm)
	want := []float32{-1, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPCM16ToFloat_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()

	if got := audio.PCM16ToFloat([]byte{0, 0, 7}); len(got) != 1 {
		t.Errorf("got %d samples, want 1", len(got))
	}
}

func TestClampInt16(t *testing.T) {
	t.Parallel()

	if got := audio.ClampInt16(40000); got != 32767 {
		t.Errorf("ClampInt16(40000) = %d", got)
	}
	if got := audio.ClampInt16(-40000); got != -32768 {
		t.Errorf("ClampInt16(-40000) = %d", got)
	}
	if got := audio.ClampInt16(123); got != 123 {
		t.Errorf("ClampInt16(123) = %d", got)
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()

	frame := audio.AudioFrame{
		Data:       make([]byte, 2400*2),
		SampleRate: audio.PlaybackRate,
		Channels:   1,
	}
	if got := frame.Samples(); got != 2400 {
		t.Errorf("Samples() = %d, want 2400", got)
	}
	if got := frame.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration() = %v, want 100ms", got)
	}
	if !frame.Valid() {
		t.Error("expected frame to be valid")
	}
	frame.Data = frame.Data[:3]
	if frame.Valid() {
		t.Error("expected odd-length frame to be invalid")
	}
}

func TestDurationSamples_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, rate := range []int{16000, 24000, 44100, 48000} {
		d := audio.SamplesDuration(rate/2, rate)
		if got := audio.DurationSamples(d, rate); got != rate/2 {
			t.Errorf("rate %d: DurationSamples(SamplesDuration(%d)) = %d", rate, rate/2, got)
		}
	}
}
