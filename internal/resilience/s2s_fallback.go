package resilience

import (
	"context"
	"errors"

	"github.com/pawgo/voice/pkg/provider/s2s"
)

var _ s2s.Provider = (*S2SFallback)(nil)

// S2SFallback is an [s2s.Provider] that opens sessions on the first healthy
// transport of a [FallbackGroup]. Only Open is guarded: once a session is
// established its failures are reported on the event stream as usual.
type S2SFallback struct {
	group *FallbackGroup[s2s.Provider]
}

// NewS2SFallback creates an S2SFallback with primary as the first transport.
func NewS2SFallback(primary s2s.Provider, primaryName string, cfg FallbackConfig) *S2SFallback {
	return &S2SFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another transport, tried after the ones before it.
func (f *S2SFallback) AddFallback(name string, p s2s.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the transport names in the order they are tried.
func (f *S2SFallback) Names() []string { return f.group.Names() }

// Open implements [s2s.Provider].
func (f *S2SFallback) Open(ctx context.Context, cfg s2s.Config) (s2s.Session, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p s2s.Provider) (s2s.Session, error) {
		return p.Open(ctx, cfg)
	})
}

// Capabilities returns the primary transport's capabilities.
func (f *S2SFallback) Capabilities() s2s.Capabilities {
	return f.group.Primary().Capabilities()
}

// Check reports an error when every transport's circuit is open. It has the
// signature of a readiness check.
func (f *S2SFallback) Check(context.Context) error {
	if f.group.Available() {
		return nil
	}
	return errors.New("resilience: every transport circuit is open")
}

// CountsTransportFailure is a [CircuitBreakerConfig.Counts] policy for
// transports: configuration mistakes and cancellations do not trip the
// breaker, refused connections and server faults do.
func CountsTransportFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	kind, ok := s2s.KindOf(err)
	if !ok {
		return false
	}
	return kind != s2s.KindAuthRejected && kind != s2s.KindProtocol
}
