// Package audio defines the audio types, PCM conversions, resamplers and
// device abstractions used by the PawGo voice pipeline.
//
// The two device abstractions are:
//
//   - [Microphone]: an exclusive handle on a capture device that yields a
//     [CaptureSource] delivering raw float samples at the device rate.
//   - playback.Sink (in the playback sub-package): the output device that
//     accepts PCM buffers scheduled at a start time on its own clock.
//
// Device implementations live in sub-packages (audio/ffmpeg for real hardware,
// audio/mock for tests). A device object may be held by one voice session at a
// time; a second acquisition fails with [ErrDeviceBusy] until the first holder
// releases it.
package audio

import (
	"context"
	"errors"
	"sync"
)

// ErrDeviceBusy is returned when a device is already held by another session.
var ErrDeviceBusy = errors.New("audio: device busy")

// Microphone is a capture device that can be acquired exclusively.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Acquire obtains exclusive access to the device. It may block while the
	// platform asks for permission or opens the hardware; ctx bounds that
	// wait. Returns [ErrDeviceBusy] if another session holds the device.
	Acquire(ctx context.Context) (CaptureSource, error)
}

// CaptureSource is an acquired capture stream.
//
// Samples are delivered through the callback passed to Start, at a cadence
// driven by the device and not by the caller. The callback runs on a device
// goroutine and must not block.
type CaptureSource interface {
	// SampleRate returns the native device rate of delivered samples.
	SampleRate() int

	// Start begins delivering mono float samples in [-1, 1] to onSamples.
	// The slice passed to onSamples is only valid for the duration of the call.
	Start(onSamples func(samples []float32)) error

	// Close stops capture and releases the device. Safe to call more than once;
	// later calls return nil.
	Close() error
}

// Lease is an exclusivity token embedded in device implementations. The zero
// value is an unheld lease.
type Lease struct {
	mu   sync.Mutex
	held bool
}

// Take marks the lease held. It returns [ErrDeviceBusy] if already held.
func (l *Lease) Take() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return ErrDeviceBusy
	}
	l.held = true
	return nil
}

// Release marks the lease free. Releasing an unheld lease is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
}

// Held reports whether the lease is currently taken.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
