// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Open calls and hand out a controlled Session. Use
// Session to inject inbound events and inspect the packets the caller sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Open(ctx, cfg)
//	sess.Emit(s2s.Event{Type: s2s.EventTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/pawgo/voice/pkg/audio/wire"
	"github.com/pawgo/voice/pkg/provider/s2s"
)

// Compile-time assertions.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*Session)(nil)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	Ctx context.Context
	Cfg s2s.Config
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Open. If nil, Open creates one with NewSession.
	Session *Session

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenHook, if set, runs at the start of Open. A non-nil result replaces
	// OpenErr. Useful for blocking Open until the test releases it.
	OpenHook func(ctx context.Context) error

	// Fresh makes every successful Open hand out a new Session, replacing
	// the Session field. Opened reports each one.
	Fresh bool

	// Caps is returned by Capabilities.
	Caps s2s.Capabilities

	opened chan *Session

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Session or OpenErr.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config) (s2s.Session, error) {
	p.mu.Lock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	hook := p.OpenHook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Session == nil || p.Fresh {
		p.Session = NewSession()
	}
	select {
	case p.openedLocked() <- p.Session:
	default:
	}
	return p.Session, nil
}

// Opened delivers each Session handed out by a successful Open.
func (p *Provider) Opened() <-chan *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openedLocked()
}

func (p *Provider) openedLocked() chan *Session {
	if p.opened == nil {
		p.opened = make(chan *Session, 64)
	}
	return p.opened
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() s2s.Capabilities {
	return p.Caps
}

// Opens returns the number of Open calls so far.
func (p *Provider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Reset clears recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.Session.
type Session struct {
	mu sync.RWMutex

	// SendErr, if non-nil, is returned from Send instead of recording.
	SendErr error

	sent     []wire.Packet
	sentCh   chan wire.Packet
	events   chan s2s.Event
	done     chan struct{}
	closed   bool
	ended    bool
	closes   int
	doneOnce sync.Once
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		sentCh: make(chan wire.Packet, 256),
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
	}
}

// Send records pkt. It returns s2s.ErrSessionClosed after Close.
func (s *Session) Send(pkt wire.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, pkt)
	select {
	case s.sentCh <- pkt:
	default:
	}
	return nil
}

// Sent returns a copy of every packet recorded by Send.
func (s *Session) Sent() []wire.Packet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.Packet, len(s.sent))
	copy(out, s.sent)
	return out
}

// Sends delivers each recorded packet as it arrives.
func (s *Session) Sends() <-chan wire.Packet { return s.sentCh }

// Events returns the inbound stream fed by Emit.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Emit pushes ev to the consumer. It reports false once the session is closed.
func (s *Session) Emit(ev s2s.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.ended {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// End closes the event stream without an explicit Closed event, the way a
// transport does after a terminal event.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// Close marks the session closed and closes the event stream. Idempotent.
func (s *Session) Close() error {
	s.doneOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	s.closed = true
	s.closes++
	s.mu.Unlock()
	s.End()
	return nil
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closes
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
