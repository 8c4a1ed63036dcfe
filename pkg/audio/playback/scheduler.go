// Package playback schedules decoded response audio on an output device clock.
//
// The [Scheduler] keeps a monotonically advancing "next free slot" on the
// sink's clock. Each frame starts at max(now, nextFreeSlot) and pushes the
// slot forward by its own duration, so frames arriving in network bursts play
// back-to-back with no gap and no overlap. [Scheduler.Flush] stops everything
// in flight at once and is how barge-in is implemented.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pawgo/voice/pkg/audio"
)

// Clock reports the current position of an output device's timeline.
type Clock interface {
	// Now returns the play-out position. It never decreases.
	Now() time.Duration
}

// Voice is a handle on one scheduled buffer.
type Voice interface {
	// Stop silences the voice immediately, whether it is playing or still
	// pending. Stopping an already finished voice is a no-op.
	Stop()
}

// Sink is an output device that accepts PCM buffers at a start time on its
// own clock.
//
// onEnded passed to Play is invoked exactly once when the buffer finishes
// playing naturally, and never for a stopped voice. It must never be invoked
// synchronously from within Play or Stop.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	Clock

	// Play schedules frame to start at the given clock position. A start
	// position in the past plays immediately.
	Play(frame audio.AudioFrame, at time.Duration, onEnded func()) (Voice, error)

	// Close stops all voices and releases the device. Safe to call more than
	// once.
	Close() error

	// Done is closed once the sink has stopped playing, either through Close
	// or because the device failed.
	Done() <-chan struct{}

	// Err returns the device failure that stopped the sink, or nil while it
	// runs and after a normal Close.
	Err() error
}

// Output is an output device that can be opened by one session at a time.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Open obtains exclusive use of the device and returns its sink. It returns
	// [audio.ErrDeviceBusy] while another session holds the device.
	Open(ctx context.Context) (Sink, error)
}

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Scheduled describes where a frame landed on the output clock.
type Scheduled struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// End returns the clock position at which the frame finishes.
func (s Scheduled) End() time.Duration { return s.Start + s.Duration }

type entry struct {
	Scheduled
	voice Voice
}

// Scheduler places frames gaplessly on a [Sink] and tracks every scheduled
// frame until it finishes or is flushed.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	sink Sink

	mu     sync.Mutex
	next   time.Duration
	seq    uint64
	active map[uint64]*entry
	closed bool
}

// NewScheduler returns a Scheduler driving sink. The next free slot starts at
// the sink's current clock position.
func NewScheduler(sink Sink) *Scheduler {
	return &Scheduler{
		sink:   sink,
		next:   sink.Now(),
		active: make(map[uint64]*entry),
	}
}

// Schedule queues frame to start at max(now, nextFreeSlot) and advances the
// next free slot by the frame's duration. Empty frames are accepted and
// occupy no time.
func (s *Scheduler) Schedule(frame audio.AudioFrame) (Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Scheduled{}, ErrClosed
	}

	start := max(s.sink.Now(), s.next)
	d := frame.Duration()
	if d == 0 {
		return Scheduled{Start: start}, nil
	}

	s.seq++
	id := s.seq
	voice, err := s.sink.Play(frame, start, func() { s.finished(id) })
	if err != nil {
		return Scheduled{}, fmt.Errorf("playback: schedule: %w", err)
	}

	e := &entry{
		Scheduled: Scheduled{ID: id, Start: start, Duration: d},
		voice:     voice,
	}
	s.active[id] = e
	s.next = start + d
	return e.Scheduled, nil
}

// finished removes a naturally completed frame from the active set.
func (s *Scheduler) finished(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// Flush stops every playing and pending frame, empties the active set and
// resets the next free slot to the current clock position. It returns the
// number of frames it stopped. Flushing with nothing active is a no-op.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	if len(s.active) == 0 {
		s.mu.Unlock()
		return 0
	}
	voices := make([]Voice, 0, len(s.active))
	for id, e := range s.active {
		voices = append(voices, e.voice)
		delete(s.active, id)
	}
	s.next = s.sink.Now()
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
	return len(voices)
}

// Close flushes and refuses further frames. It does not close the sink.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Flush()
}

// Active returns the number of frames scheduled and not yet finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextFreeSlot returns the clock position at which the next frame would start
// if the clock has not yet reached it.
func (s *Scheduler) NextFreeSlot() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
