package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/pawgo/voice/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by [Registry.CreateS2S] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// S2SFactory builds a transport from the session section.
type S2SFactory func(SessionConfig) (s2s.Provider, error)

// Registry maps transport names to their constructor functions. It is safe
// for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	s2s map[string]S2SFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{s2s: make(map[string]S2SFactory)}
}

// RegisterS2S registers a transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// CreateS2S instantiates the transport named by entry.Provider.
func (r *Registry) CreateS2S(entry SessionConfig) (s2s.Provider, error) {
	r.mu.RLock()
	f, ok := r.s2s[entry.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, entry.Provider)
	}
	p, err := f(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create s2s/%q: %w", entry.Provider, err)
	}
	return p, nil
}

// S2SNames returns the registered transport names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
