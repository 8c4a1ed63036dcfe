package s2s

import (
	"context"
	"sync"

	"github.com/pawgo/voice/pkg/audio/wire"
)

// Stream is the plumbing shared by transport implementations: a bounded,
// order-preserving outbound queue and an inbound event channel that is closed
// exactly once after every producer goroutine has exited.
//
// A transport starts its goroutines with Go, drains Outgoing in a single
// writer goroutine, reports inbound traffic with Emit and calls Shutdown when
// the connection ends for any reason.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc

	outgoing chan wire.Packet
	events   chan Event

	wg       sync.WaitGroup
	failOnce sync.Once
}

// NewStream returns a Stream with the given queue capacities.
func NewStream(sendBuffer, eventBuffer int) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		ctx:      ctx,
		cancel:   cancel,
		outgoing: make(chan wire.Packet, sendBuffer),
		events:   make(chan Event, eventBuffer),
	}
}

// Context is cancelled when the stream shuts down.
func (s *Stream) Context() context.Context { return s.ctx }

// Go runs fn in a goroutine tracked by the stream. The event channel closes
// only after all tracked goroutines have returned and Seal has been called.
func (s *Stream) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Seal arranges for the event channel to close once the stream has shut
// down and every goroutine started with Go has returned. Call it once, after
// the transport has started all of its goroutines.
func (s *Stream) Seal() {
	go func() {
		<-s.ctx.Done()
		s.wg.Wait()
		close(s.events)
	}()
}

// Enqueue implements [Session.Send] without blocking.
func (s *Stream) Enqueue(pkt wire.Packet) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.outgoing <- pkt:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Outgoing returns queued packets in Send order.
func (s *Stream) Outgoing() <-chan wire.Packet { return s.outgoing }

// Events returns the inbound event channel.
func (s *Stream) Events() <-chan Event { return s.events }

// Emit delivers ev, waiting for the consumer if the buffer is full. It returns
// false if the stream shut down first.
func (s *Stream) Emit(ev Event) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Fail emits a terminal event once and shuts the stream down. Later calls,
// and calls after a local Shutdown, are ignored.
func (s *Stream) Fail(ev Event) {
	s.failOnce.Do(func() {
		s.Emit(ev)
		s.cancel()
	})
}

// Shutdown cancels the stream. Safe to call more than once.
func (s *Stream) Shutdown() {
	s.failOnce.Do(func() {})
	s.cancel()
}

// Closed reports whether the stream has shut down.
func (s *Stream) Closed() bool { return s.ctx.Err() != nil }
