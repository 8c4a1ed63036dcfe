// Package s2s defines the transport contract for real-time speech-to-speech
// model services.
//
// A [Provider] opens a [Session]: a bidirectional channel that accepts encoded
// microphone audio and reports everything the remote model does as a single
// ordered stream of [Event] values. Open failures are returned synchronously
// as a [*TransportError]; failures after a session is established arrive as
// an [EventError] on the event stream, never as a panic or a blocked call.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pawgo/voice/pkg/audio/wire"
)

// Modality selects what the remote model responds with.
type Modality string

const (
	// ModalityAudio requests spoken responses.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text responses.
	ModalityText Modality = "TEXT"
)

// Default session settings.
const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"
	DefaultVoice = "Zephyr"
)

// Config is the configuration sent when a session is opened. Every field the
// transports understand is listed here; there are no optional extras.
type Config struct {
	// ModelID identifies the remote model, without the "models/" prefix.
	ModelID string

	// ResponseModalities selects audio, text, or both. Empty is rejected by
	// Validate; DefaultConfig selects audio.
	ResponseModalities []Modality

	// SystemInstruction is the system prompt for the conversation.
	SystemInstruction string

	// CaptureUserTranscript asks the service to transcribe the user's speech.
	CaptureUserTranscript bool

	// CaptureModelTranscript asks the service to transcribe its own speech.
	CaptureModelTranscript bool

	// VoiceID selects the prebuilt voice for spoken responses.
	VoiceID string
}

// DefaultConfig returns a Config with every option set to its default.
func DefaultConfig() Config {
	return Config{
		ModelID:                DefaultModel,
		ResponseModalities:     []Modality{ModalityAudio},
		CaptureUserTranscript:  true,
		CaptureModelTranscript: true,
		VoiceID:                DefaultVoice,
	}
}

// Validate returns an error describing every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.ModelID == "" {
		errs = append(errs, errors.New("s2s: model id is required"))
	}
	if len(c.ResponseModalities) == 0 {
		errs = append(errs, errors.New("s2s: at least one response modality is required"))
	}
	for _, m := range c.ResponseModalities {
		if m != ModalityAudio && m != ModalityText {
			errs = append(errs, fmt.Errorf("s2s: unknown response modality %q", m))
		}
	}
	return errors.Join(errs...)
}

// WantsAudio reports whether spoken responses were requested.
func (c Config) WantsAudio() bool {
	return slices.Contains(c.ResponseModalities, ModalityAudio)
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputRate is the sample rate the service expects for microphone audio.
	InputRate int

	// OutputRate is the sample rate of audio the service returns.
	OutputRate int

	// MaxSessionDuration is the service-imposed session limit. Zero means no
	// documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice identifiers.
	Voices []string
}

// Session is an open connection to the remote model.
//
// The session is the hot path of the voice pipeline; Send never blocks on the
// network.
type Session interface {
	// Send queues an encoded audio packet. Packets are transmitted in the order
	// Send was called. It returns [ErrSendQueueFull] when the outbound queue is
	// saturated and [ErrSessionClosed] after Close or a terminal failure.
	Send(pkt wire.Packet) error

	// Events returns the inbound event stream. It is the only way the session
	// reports anything. The channel is closed after the session ends; when the
	// remote side ended it, the last event is [EventClosed] or [EventError].
	Events() <-chan Event

	// Close terminates the session. It is safe to call more than once and after
	// the remote side has already closed; later calls return nil.
	Close() error
}

// Provider opens sessions against a remote speech-to-speech service.
type Provider interface {
	// Open establishes a session and waits until the service has accepted the
	// configuration. Failures are returned as a [*TransportError] whose Kind
	// tells refused connections apart from rejected credentials.
	Open(ctx context.Context, cfg Config) (Session, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
