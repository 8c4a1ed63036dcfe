package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/pawgo/voice/internal/voice"
)

// Status is a snapshot of the supervisor.
type Status struct {
	// SessionID identifies the latest controller.
	SessionID string

	// State is the latest controller's lifecycle state.
	State voice.State

	// Attempt counts sessions started since Run began, starting at 1.
	Attempt int

	// Failures counts consecutive failed sessions.
	Failures int

	// StartedAt is when the latest session became active. Zero if it never
	// did.
	StartedAt time.Time

	// LastError is the most recent failure, if any.
	LastError string

	// GaveUp is set once Run has stopped retrying.
	GaveUp bool
}

// Status returns a snapshot of the supervisor state.
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Transcript returns the in-progress turn of the running session.
func (a *App) Transcript() (user, model string) {
	a.mu.Lock()
	ctrl := a.current
	a.mu.Unlock()
	if ctrl == nil {
		return "", ""
	}
	t := ctrl.Transcript()
	return t.User, t.Model
}

// Check is a readiness check: it fails once the supervisor has given up.
func (a *App) Check(context.Context) error {
	st := a.Status()
	if st.GaveUp {
		return errors.New("supervisor gave up: " + st.LastError)
	}
	return nil
}

// Details renders the status for the health endpoints.
func (a *App) Details() map[string]string {
	st := a.Status()
	d := map[string]string{
		"session_state": st.State.String(),
		"attempt":       strconv.Itoa(st.Attempt),
		"failures":      strconv.Itoa(st.Failures),
	}
	if st.SessionID != "" {
		d["session_id"] = st.SessionID
	}
	if !st.StartedAt.IsZero() && st.State == voice.StateActive {
		d["active_for"] = time.Since(st.StartedAt).Round(time.Second).String()
	}
	if st.LastError != "" {
		d["last_error"] = st.LastError
	}
	return d
}
