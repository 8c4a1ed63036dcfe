// Package wire implements the text-safe audio interchange format spoken with
// the remote model service: raw mono s16le PCM, base64 encoded, tagged with a
// MIME-like format string of the form "audio/pcm;rate=<hz>".
//
// The codec treats frames as opaque byte buffers; it never inspects samples.
// [EncodeBytes] and [DecodeBytes] round-trip any byte sequence. The frame-level
// [Decode] additionally requires whole 16-bit samples and fails with a
// [DecodeError] otherwise.
package wire

import (
	"encoding/base64"
	"fmt"
	"mime"
	"strconv"
	"strings"

	"github.com/pawgo/voice/pkg/audio"
)

// MediaType is the MIME type of raw PCM audio on the wire.
const MediaType = "audio/pcm"

// Packet is a text-safe audio payload plus its format tag. Packets are
// produced by [Encode] and never mutated afterwards.
type Packet struct {
	// MIMEType identifies the PCM format, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64 (standard alphabet, padded) encoding of the PCM bytes.
	Data string
}

// DecodeError reports a malformed inbound packet.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: decode: %s: %v", e.Reason, e.Err)
	}
	return "wire: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports an outbound frame that violates the frame invariants.
// It indicates a programming error upstream of the codec.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string { return "wire: encode: " + e.Reason }

// FormatTag returns the format string for mono PCM at rate.
func FormatTag(rate int) string {
	return MediaType + ";rate=" + strconv.Itoa(rate)
}

// ParseFormatTag extracts the sample rate from a format string. A tag without
// a rate parameter yields rate 0 and no error.
func ParseFormatTag(tag string) (int, error) {
	mediaType, params, err := mime.ParseMediaType(tag)
	if err != nil {
		return 0, &DecodeError{Reason: "invalid format tag", Err: err}
	}
	if !strings.EqualFold(mediaType, MediaType) {
		return 0, &DecodeError{Reason: fmt.Sprintf("unsupported media type %q", mediaType)}
	}
	raw, ok := params["rate"]
	if !ok {
		return 0, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, &DecodeError{Reason: fmt.Sprintf("invalid rate %q", raw)}
	}
	return rate, nil
}

// EncodeBytes wraps an opaque byte buffer into a packet tagged with rate.
func EncodeBytes(b []byte, rate int) Packet {
	return Packet{
		MIMEType: FormatTag(rate),
		Data:     base64.StdEncoding.EncodeToString(b),
	}
}

// DecodeBytes returns the raw bytes carried by p.
func DecodeBytes(p Packet) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid base64", Err: err}
	}
	return b, nil
}

// Encode converts a mono PCM frame into a packet tagged with the frame's rate.
func Encode(f audio.AudioFrame) (Packet, error) {
	if f.SampleRate <= 0 {
		return Packet{}, &EncodeError{Reason: fmt.Sprintf("sample rate %d", f.SampleRate)}
	}
	if f.Channels != 1 {
		return Packet{}, &EncodeError{Reason: fmt.Sprintf("%d channels, want mono", f.Channels)}
	}
	if !f.Valid() {
		return Packet{}, &EncodeError{Reason: fmt.Sprintf("odd byte length %d", len(f.Data))}
	}
	return EncodeBytes(f.Data, f.SampleRate), nil
}

// Decode converts a packet back into a mono PCM frame. The frame rate is taken
// from the packet tag; if the tag carries no rate, defaultRate is used.
func Decode(p Packet, defaultRate int) (audio.AudioFrame, error) {
	rate := defaultRate
	if p.MIMEType != "" {
		r, err := ParseFormatTag(p.MIMEType)
		if err != nil {
			return audio.AudioFrame{}, err
		}
		if r > 0 {
			rate = r
		}
	}
	if rate <= 0 {
		return audio.AudioFrame{}, &DecodeError{Reason: "packet has no sample rate"}
	}
	b, err := DecodeBytes(p)
	if err != nil {
		return audio.AudioFrame{}, err
	}
	if len(b)%audio.BytesPerSample != 0 {
		return audio.AudioFrame{}, &DecodeError{Reason: fmt.Sprintf("odd byte length %d", len(b))}
	}
	return audio.AudioFrame{Data: b, SampleRate: rate, Channels: 1}, nil
}
