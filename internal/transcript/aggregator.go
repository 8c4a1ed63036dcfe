// Package transcript accumulates the incremental speech transcripts a live
// session produces into per-turn text.
//
// The remote service streams user and model transcripts as small deltas.
// [Aggregator] concatenates them in arrival order into two buffers and hands
// both out atomically when the turn completes. Only the order within one
// buffer is preserved; interleaving between the user and model buffers is
// not tracked.
package transcript

import (
	"strings"
	"sync"
)

// Turn is one finished exchange: what the user said and what the model said.
// Either side may be empty, e.g. when transcript capture is disabled.
type Turn struct {
	// Seq is the 1-based position of the turn within the session.
	Seq int

	User  string
	Model string
}

// Empty reports whether neither side produced any text.
func (t Turn) Empty() bool { return t.User == "" && t.Model == "" }

// Aggregator collects transcript deltas for the current turn.
// All methods are safe for concurrent use.
type Aggregator struct {
	mu    sync.Mutex
	user  strings.Builder
	model strings.Builder
	turns int
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// AppendUser appends a delta of the user's transcribed speech.
func (a *Aggregator) AppendUser(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.user.WriteString(text)
	a.mu.Unlock()
}

// AppendModel appends a delta of the model's spoken (or text) response.
func (a *Aggregator) AppendModel(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.model.WriteString(text)
	a.mu.Unlock()
}

// Current returns the text gathered so far without clearing it.
func (a *Aggregator) Current() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Turn{Seq: a.turns + 1, User: a.user.String(), Model: a.model.String()}
}

// TurnComplete returns both buffers and resets them in one step.
func (a *Aggregator) TurnComplete() Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns++
	t := Turn{Seq: a.turns, User: a.user.String(), Model: a.model.String()}
	a.user.Reset()
	a.model.Reset()
	return t
}

// Turns returns how many turns have completed.
func (a *Aggregator) Turns() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.turns
}
