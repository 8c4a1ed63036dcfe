// Package ffmpeg implements the audio device interfaces on top of the ffmpeg
// and ffplay command-line tools. Capture runs ffmpeg reading the platform's
// default input and writing float32 little-endian samples to stdout; playback
// runs ffplay reading s16le from stdin, fed by a [playback.WriterSink].
//
// Each Microphone and Speaker value is an exclusive device: it can be held by
// one session at a time.
package ffmpeg

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pawgo/voice/pkg/audio"
	"github.com/pawgo/voice/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ audio.Microphone = (*Microphone)(nil)
	_ playback.Output  = (*Speaker)(nil)
)

const (
	// DefaultCaptureRate is the device rate requested from ffmpeg.
	DefaultCaptureRate = 44100

	// DefaultChunkSamples is the number of samples delivered per callback.
	DefaultChunkSamples = 4096
)

// ErrNotInstalled is returned when the required binary is not on PATH.
var ErrNotInstalled = errors.New("ffmpeg: binary not found in PATH")

// ── Microphone ─────────────────────────────────────────────────────────────────

// MicrophoneConfig configures a [Microphone].
type MicrophoneConfig struct {
	// InputFormat is the ffmpeg demuxer, e.g. "pulse" or "avfoundation".
	// Empty selects a default for the running OS.
	InputFormat string

	// Input is the device name passed to -i. Empty selects a default.
	Input string

	// SampleRate is the capture rate in Hz. Zero selects [DefaultCaptureRate].
	SampleRate int

	// ChunkSamples is the number of samples per callback. Zero selects
	// [DefaultChunkSamples].
	ChunkSamples int
}

// Microphone captures from the default input device via ffmpeg.
type Microphone struct {
	cfg   MicrophoneConfig
	lease audio.Lease
}

// NewMicrophone returns a Microphone with defaults applied to cfg.
func NewMicrophone(cfg MicrophoneConfig) *Microphone {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultCaptureRate
	}
	if cfg.ChunkSamples <= 0 {
		cfg.ChunkSamples = DefaultChunkSamples
	}
	if cfg.InputFormat == "" || cfg.Input == "" {
		format, input := defaultInput(runtime.GOOS)
		if cfg.InputFormat == "" {
			cfg.InputFormat = format
		}
		if cfg.Input == "" {
			cfg.Input = input
		}
	}
	return &Microphone{cfg: cfg}
}

func defaultInput(goos string) (format, input string) {
	switch goos {
	case "darwin":
		return "avfoundation", ":0"
	case "windows":
		return "dshow", "audio=default"
	default:
		return "pulse", "default"
	}
}

// Args returns the ffmpeg arguments used for capture.
func (m *Microphone) Args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", m.cfg.InputFormat, "-i", m.cfg.Input,
		"-ac", "1", "-ar", strconv.Itoa(m.cfg.SampleRate),
		"-f", "f32le", "-",
	}
}

// Acquire implements [audio.Microphone]. It checks that ffmpeg is installed
// and takes the device lease; the process is spawned by Start.
func (m *Microphone) Acquire(_ context.Context) (audio.CaptureSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg", ErrNotInstalled)
	}
	if err := m.lease.Take(); err != nil {
		return nil, err
	}
	return &captureSource{mic: m}, nil
}

type captureSource struct {
	mic *Microphone

	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool
	done   chan struct{}
}

func (c *captureSource) SampleRate() int { return c.mic.cfg.SampleRate }

func (c *captureSource) Start(onSamples func([]float32)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("ffmpeg: capture closed")
	}
	if c.cmd != nil {
		return errors.New("ffmpeg: capture already started")
	}

	cmd := exec.Command("ffmpeg", c.mic.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: start capture: %w", err)
	}
	c.cmd = cmd
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		if err := pump(stdout, c.mic.cfg.ChunkSamples, onSamples); err != nil {
			slog.Warn("ffmpeg: capture stream ended", "err", err)
		}
	}()
	return nil
}

func (c *captureSource) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cmd, done := c.cmd, c.done
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		<-done
	}
	c.mic.lease.Release()
	return nil
}

// pump reads float32 little-endian samples from r and delivers them to
// onSamples in chunks of n. A trailing partial chunk is delivered at EOF.
func pump(r io.Reader, n int, onSamples func([]float32)) error {
	br := bufio.NewReaderSize(r, n*4)
	raw := make([]byte, n*4)
	samples := make([]float32, n)
	for {
		read, err := io.ReadFull(br, raw)
		count := read / 4
		for i := range count {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		if count > 0 {
			onSamples(samples[:count])
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.ErrClosedPipe):
			return nil
		default:
			return err
		}
	}
}

// ── Speaker ────────────────────────────────────────────────────────────────────

// Speaker plays mono PCM through ffplay.
type Speaker struct {
	rate   int
	period time.Duration
	lease  audio.Lease
}

// NewSpeaker returns a Speaker rendering at rate Hz. A zero period uses
// [playback.DefaultPeriod].
func NewSpeaker(rate int, period time.Duration) *Speaker {
	if rate <= 0 {
		rate = audio.PlaybackRate
	}
	return &Speaker{rate: rate, period: period}
}

// Args returns the ffplay arguments used for playback.
func (s *Speaker) Args() []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(s.rate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

// Open implements [playback.Output].
func (s *Speaker) Open(_ context.Context) (playback.Sink, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, fmt.Errorf("%w: ffplay", ErrNotInstalled)
	}
	if err := s.lease.Take(); err != nil {
		return nil, err
	}

	cmd := exec.Command("ffplay", s.Args()...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.lease.Release()
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		s.lease.Release()
		return nil, fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}

	opts := []playback.WriterOption{
		playback.WithCloser(func() error {
			_ = stdin.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			s.lease.Release()
			return nil
		}),
	}
	if s.period > 0 {
		opts = append(opts, playback.WithPeriod(s.period))
	}
	return playback.NewWriterSink(stdin, s.rate, opts...), nil
}
