package ffmpeg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"slices"
	"testing"
)

func f32le(samples ...float32) []byte {
	buf := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	return buf
}

func TestPump_DeliversChunks(t *testing.T) {
	t.Parallel()

	in := f32le(0.1, 0.2, 0.3, 0.4, 0.5)
	var chunks [][]float32
	err := pump(bytes.NewReader(in), 2, func(s []float32) {
		chunks = append(chunks, slices.Clone(s))
	})
	if err != nil {
		t.Fatalf("pump: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if len(chunks[2]) != 1 || chunks[2][0] != 0.5 {
		t.Errorf("trailing chunk = %v, want [0.5]", chunks[2])
	}
	if chunks[1][0] != 0.3 || chunks[1][1] != 0.4 {
		t.Errorf("second chunk = %v", chunks[1])
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("device unplugged") }

func TestPump_PropagatesReadError(t *testing.T) {
	t.Parallel()

	if err := pump(errReader{}, 4, func([]float32) {}); err == nil {
		t.Error("expected error")
	}
	if err := pump(io.LimitReader(bytes.NewReader(nil), 0), 4, func([]float32) {
		t.Error("callback invoked for empty stream")
	}); err != nil {
		t.Errorf("empty stream: %v", err)
	}
}

func TestMicrophone_Args(t *testing.T) {
	t.Parallel()

	m := NewMicrophone(MicrophoneConfig{InputFormat: "pulse", Input: "default"})
	got := m.Args()
	want := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "pulse", "-i", "default",
		"-ac", "1", "-ar", "44100",
		"-f", "f32le", "-",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Args() = %v, want %v", got, want)
	}
	if m.cfg.ChunkSamples != DefaultChunkSamples {
		t.Errorf("ChunkSamples = %d, want %d", m.cfg.ChunkSamples, DefaultChunkSamples)
	}
}

func TestDefaultInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goos, format, input string
	}{
		{"darwin", "avfoundation", ":0"},
		{"linux", "pulse", "default"},
		{"windows", "dshow", "audio=default"},
	}
	for _, tt := range tests {
		f, i := defaultInput(tt.goos)
		if f != tt.format || i != tt.input {
			t.Errorf("%s: got (%q, %q), want (%q, %q)", tt.goos, f, i, tt.format, tt.input)
		}
	}
}

func TestSpeaker_Args(t *testing.T) {
	t.Parallel()

	got := NewSpeaker(0, 0).Args()
	if !slices.Contains(got, "24000") || !slices.Contains(got, "s16le") {
		t.Errorf("Args() = %v", got)
	}
}
