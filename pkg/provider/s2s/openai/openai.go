// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// The Realtime API speaks 24 kHz PCM in both directions. Microphone packets
// arrive at the transport rate and are upsampled before they are appended to
// the input audio buffer; response audio is already at the playback rate and
// is passed through without decoding.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"

	"github.com/pawgo/voice/pkg/audio"
	"github.com/pawgo/voice/pkg/audio/wire"
	"github.com/pawgo/voice/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-realtime-preview"
	defaultVoice   = "alloy"

	// realtimeRate is the only PCM rate the Realtime API accepts.
	realtimeRate = 24000

	defaultSetupTimeout = 10 * time.Second

	sendBuffer  = 64
	eventBuffer = 64
)

var voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions. A session config whose
// ModelID names a GPT model takes precedence.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithVoice sets the voice used when the session config names a voice this
// service does not offer.
func WithVoice(voice string) Option {
	return func(p *Provider) {
		if voice != "" {
			p.voice = voice
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Open waits for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	voice        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		voice:        defaultVoice,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
// InputRate is the rate Send accepts, not the rate on the wire.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputRate:          audio.TransportRate,
		OutputRate:         realtimeRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             slices.Clone(voices),
	}
}

// Open dials the Realtime endpoint, sends session.update and waits for the
// server to confirm it with session.updated.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config) (_ s2s.Session, err error) {
	ctx, span := s2s.StartOpenSpan(ctx, "openai-realtime", cfg)
	defer func() { s2s.EndSpan(span, err) }()

	if err := cfg.Validate(); err != nil {
		return nil, &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "invalid config", Err: err}
	}

	model := p.model
	if strings.HasPrefix(cfg.ModelID, "gpt-") {
		model = cfg.ModelID
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))

	dialCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, classifyDial(err, resp)
	}
	conn.SetReadLimit(4 << 20)

	sess := &session{
		conn:            conn,
		stream:          s2s.NewStream(sendBuffer, eventBuffer),
		modelTranscript: cfg.CaptureModelTranscript,
	}

	if err := sess.writeJSON(dialCtx, buildSessionUpdate(cfg, p.voice)); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &s2s.TransportError{Kind: s2s.KindNetworkDrop, Reason: "send session.update", Err: err}
	}
	if err := sess.awaitSessionUpdated(dialCtx); err != nil {
		conn.Close(websocket.StatusNormalClosure, "session rejected")
		return nil, err
	}

	sess.stream.Go(sess.receiveLoop)
	sess.stream.Go(sess.writeLoop)
	sess.stream.Seal()

	return sess, nil
}

// classifyDial maps a failed WebSocket handshake onto an error kind.
func classifyDial(err error, resp *http.Response) *s2s.TransportError {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &s2s.TransportError{Kind: s2s.KindAuthRejected, Reason: resp.Status, Err: err}
		}
		if resp.StatusCode >= 500 {
			return &s2s.TransportError{Kind: s2s.KindServer, Reason: resp.Status, Err: err}
		}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &s2s.TransportError{Kind: s2s.KindConnectionRefused, Reason: "connection refused", Err: err}
	}
	return &s2s.TransportError{Kind: s2s.KindConnectionRefused, Reason: "unreachable", Err: err}
}

// classifyServerError maps an error event onto an error kind. fatal is false for
// errors that leave the session usable.
func classifyServerError(e *serverErrorDetail) (kind s2s.ErrorKind, fatal bool) {
	switch {
	case e.Code == "invalid_api_key", e.Type == "authentication_error":
		return s2s.KindAuthRejected, true
	case e.Type == "invalid_request_error":
		// e.g. response.cancel with nothing to cancel.
		return s2s.KindProtocol, false
	default:
		return s2s.KindServer, true
	}
}

func buildSessionUpdate(cfg s2s.Config, fallbackVoice string) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"text"},
		Instructions:      cfg.SystemInstruction,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.WantsAudio() {
		params.Modalities = []string{"audio", "text"}
		params.Voice = fallbackVoice
		if slices.Contains(voices, strings.ToLower(cfg.VoiceID)) {
			params.Voice = strings.ToLower(cfg.VoiceID)
		}
	}
	if cfg.CaptureUserTranscript {
		params.InputAudioTranscription = &inputTranscription{Model: "whisper-1"}
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta, response.text.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn            *websocket.Conn
	stream          *s2s.Stream
	modelTranscript bool

	// responding is only touched by receiveLoop.
	responding bool
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSessionUpdated reads until the server confirms the configuration.
// session.created, which the server sends on connect, is skipped.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				kind := s2s.KindNetworkDrop
				if status == websocket.StatusPolicyViolation {
					kind = s2s.KindAuthRejected
				}
				return &s2s.TransportError{Kind: kind, Reason: "setup closed", Err: err}
			}
			if ctx.Err() != nil {
				return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "session.update not acknowledged", Err: err}
			}
			return &s2s.TransportError{Kind: s2s.KindNetworkDrop, Reason: "await session.updated", Err: err}
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "malformed setup reply", Err: err}
		}
		switch evt.Type {
		case "session.created":
			continue
		case "session.updated":
			return nil
		case "error":
			detail := errorDetail(&evt)
			kind, _ := classifyServerError(detail)
			return &s2s.TransportError{Kind: kind, Reason: detail.Message}
		default:
			return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "expected session.updated, got " + evt.Type}
		}
	}
}

// receiveLoop reads events from the WebSocket and translates them.
func (s *session) receiveLoop() {
	ctx := s.stream.Context()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: skipping malformed event", "err", err)
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

func (s *session) handleReadError(err error) {
	if s.stream.Closed() {
		return
	}
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		s.stream.Fail(s2s.Event{Type: s2s.EventClosed, Text: reason})
	case status == websocket.StatusPolicyViolation:
		s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{
			Kind: s2s.KindAuthRejected, Reason: "connection closed", Err: err,
		}})
	case status != -1:
		s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{
			Kind: s2s.KindServer, Reason: "connection closed", Err: err,
		}})
	default:
		s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{
			Kind: s2s.KindNetworkDrop, Reason: "read", Err: err,
		}})
	}
}

// handleServerEvent emits the s2s event for evt, if any. It returns false
// when the session has ended.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.created":
		s.responding = true

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.stream.Emit(s2s.Event{
			Type:  s2s.EventAudio,
			Audio: wire.Packet{MIMEType: wire.FormatTag(realtimeRate), Data: evt.Delta},
		})

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" || (evt.Type == "response.audio_transcript.delta" && !s.modelTranscript) {
			return true
		}
		return s.stream.Emit(s2s.Event{Type: s2s.EventOutputTranscript, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.stream.Emit(s2s.Event{Type: s2s.EventInputTranscript, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		// Server VAD cancels the running response itself; only report it when
		// there was one to cut off.
		if s.responding {
			s.responding = false
			return s.stream.Emit(s2s.Event{Type: s2s.EventInterrupted})
		}

	case "response.done":
		s.responding = false
		return s.stream.Emit(s2s.Event{Type: s2s.EventTurnComplete})

	case "error":
		detail := errorDetail(evt)
		kind, fatal := classifyServerError(detail)
		if !fatal {
			slog.Warn("openai: request rejected", "code", detail.Code, "message", detail.Message)
			return true
		}
		s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{Kind: kind, Reason: detail.Message}})
		return false
	}
	return true
}

func errorDetail(evt *serverEvent) *serverErrorDetail {
	if evt.Error == nil || evt.Error.Message == "" {
		return &serverErrorDetail{Message: "unknown error"}
	}
	return evt.Error
}

// writeLoop upsamples queued packets to the Realtime rate and appends them to
// the input audio buffer in order.
func (s *session) writeLoop() {
	ctx := s.stream.Context()
	up := &audio.LinearResampler{Target: realtimeRate}
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.stream.Outgoing():
			frame, err := wire.Decode(pkt, audio.TransportRate)
			if err != nil {
				slog.Warn("openai: dropping undecodable packet", "err", err)
				continue
			}
			if frame.SampleRate != realtimeRate {
				frame, err = up.Resample(audio.PCM16ToFloat(frame.Data), frame.SampleRate)
				if err != nil {
					slog.Warn("openai: dropping packet", "err", err)
					continue
				}
			}
			msg := appendAudioMessage{
				Type:  "input_audio_buffer.append",
				Audio: base64.StdEncoding.EncodeToString(frame.Data),
			}
			if err := s.writeJSON(ctx, msg); err != nil {
				if s.stream.Closed() {
					return
				}
				s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{
					Kind: s2s.KindNetworkDrop, Reason: "write", Err: err,
				}})
				return
			}
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Send queues a packet for transmission.
func (s *session) Send(pkt wire.Packet) error { return s.stream.Enqueue(pkt) }

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.stream.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	if s.stream.Closed() {
		s.conn.CloseNow()
		return nil
	}
	s.stream.Shutdown()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
