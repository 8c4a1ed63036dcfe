package s2s

import (
	"errors"
	"fmt"

	"github.com/pawgo/voice/pkg/audio/wire"
)

// EventType classifies inbound session events.
type EventType int

const (
	// EventAudio carries one encoded chunk of the model's spoken response.
	EventAudio EventType = iota

	// EventOutputTranscript carries a text fragment of the model's response.
	EventOutputTranscript

	// EventInputTranscript carries a text fragment of the user's speech.
	EventInputTranscript

	// EventTurnComplete marks the end of a model turn.
	EventTurnComplete

	// EventInterrupted reports that the user spoke over the model.
	EventInterrupted

	// EventError reports a session failure. It is always followed by the
	// event channel closing.
	EventError

	// EventClosed reports that the remote side ended the session.
	EventClosed
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventAudio:
		return "AUDIO"
	case EventOutputTranscript:
		return "OUTPUT_TRANSCRIPT"
	case EventInputTranscript:
		return "INPUT_TRANSCRIPT"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventError:
		return "ERROR"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is a tagged union of everything a session reports. Only the field
// matching Type is set.
type Event struct {
	Type EventType

	// Audio is set for EventAudio.
	Audio wire.Packet

	// Text is set for the transcript events. For EventClosed it holds the
	// close reason given by the server, if any.
	Text string

	// Err is set for EventError.
	Err *TransportError
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	// KindConnectionRefused means the service could not be reached.
	KindConnectionRefused ErrorKind = iota

	// KindAuthRejected means the service refused the credentials.
	KindAuthRejected

	// KindNetworkDrop means an established connection was lost.
	KindNetworkDrop

	// KindServer means the service reported an error.
	KindServer

	// KindProtocol means the service sent something the transport could not
	// interpret, or did not acknowledge the setup in time.
	KindProtocol

	// KindRemoteClosed means the service ended a session cleanly while the
	// caller still wanted it. Transports report this as EventClosed; the
	// kind is for callers that turn that event into an error.
	KindRemoteClosed
)

// String returns the human-readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConnectionRefused:
		return "connection_refused"
	case KindAuthRejected:
		return "auth_rejected"
	case KindNetworkDrop:
		return "network_drop"
	case KindServer:
		return "server_error"
	case KindProtocol:
		return "protocol_error"
	case KindRemoteClosed:
		return "remote_closed"
	default:
		return "unknown"
	}
}

// TransportError is a classified transport failure.
type TransportError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return fmt.Sprintf("s2s: %s: %s: %v", e.Kind, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("s2s: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("s2s: %s: %s", e.Kind, e.Reason)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first [*TransportError] in err's chain, and
// false if there is none.
func KindOf(err error) (ErrorKind, bool) {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}

// Sentinel errors returned by [Session.Send].
var (
	ErrSessionClosed = errors.New("s2s: session closed")
	ErrSendQueueFull = errors.New("s2s: send queue full")
)
