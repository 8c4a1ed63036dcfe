package voice

import (
	"errors"
	"fmt"

	"github.com/pawgo/voice/pkg/provider/s2s"
)

var (
	// ErrAlreadyStarted is returned by Start on a controller that has left
	// the Idle state. Create a new controller for a new session.
	ErrAlreadyStarted = errors.New("voice: session already started")

	// ErrStopped is returned by Start when Stop was called before the
	// session became active.
	ErrStopped = errors.New("voice: session stopped")
)

// AcquisitionError reports that a local audio device could not be obtained.
// Start returns it before any network activity.
type AcquisitionError struct {
	// Device is "microphone" or "speaker".
	Device string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("voice: acquire %s: %v", e.Device, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// DeviceError reports that a local audio device stopped working during an
// active session, for example because the player process behind the speaker
// exited. It is the failure reason of a controller in the Failed state.
type DeviceError struct {
	// Device is "microphone" or "speaker".
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("voice: %s failed: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// TransportOpenError reports that the remote session could not be opened.
// Capture never begins when Start returns it.
type TransportOpenError struct {
	Kind s2s.ErrorKind
	Err  error
}

func (e *TransportOpenError) Error() string {
	return fmt.Sprintf("voice: open transport (%s): %v", e.Kind, e.Err)
}

func (e *TransportOpenError) Unwrap() error { return e.Err }

// TransportRuntimeError reports that an active session lost its transport.
// It is the failure reason of a controller in the Failed state.
type TransportRuntimeError struct {
	Kind s2s.ErrorKind
	Err  error
}

func (e *TransportRuntimeError) Error() string {
	return fmt.Sprintf("voice: transport (%s): %v", e.Kind, e.Err)
}

func (e *TransportRuntimeError) Unwrap() error { return e.Err }

// failureKind labels err for metrics.
func failureKind(err error) string {
	var (
		acq *AcquisitionError
		dev *DeviceError
		rt  *TransportRuntimeError
		op  *TransportOpenError
	)
	switch {
	case errors.As(err, &rt):
		return rt.Kind.String()
	case errors.As(err, &op):
		return op.Kind.String()
	case errors.As(err, &acq):
		return "acquisition"
	case errors.As(err, &dev):
		return "device"
	default:
		return "unknown"
	}
}
