// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is sent as base64-encoded PCM realtime input; everything the
// server sends back is surfaced as s2s.Event values in arrival order.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
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
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultSetupTimeout = 10 * time.Second
	keepaliveInterval   = 20 * time.Second
	keepaliveTimeout    = 5 * time.Second

	sendBuffer  = 64
	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Open waits for the server to acknowledge
// the session setup.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.setupTimeout = d
		}
	}
}

// WithKeepalive overrides the WebSocket ping interval. Zero disables pings.
func WithKeepalive(d time.Duration) Option {
	return func(p *Provider) { p.keepalive = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey       string
	baseURL      string
	setupTimeout time.Duration
	keepalive    time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
		keepalive:    keepaliveInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return Capabilities()
}

// Capabilities is shared with the Gen AI SDK transport, which talks to the
// same service.
func Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputRate:          audio.TransportRate,
		OutputRate:         audio.PlaybackRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Zephyr", "Puck", "Charon", "Kore", "Fenrir", "Aoede", "Leda", "Orus"},
	}
}

// Open dials the Live endpoint, sends the setup message and waits for
// setupComplete. Only then is the session returned, so a rejected key or
// model surfaces here rather than mid-stream.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config) (_ s2s.Session, err error) {
	ctx, span := s2s.StartOpenSpan(ctx, "gemini-live", cfg)
	defer func() { s2s.EndSpan(span, err) }()

	if err := cfg.Validate(); err != nil {
		return nil, &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "invalid config", Err: err}
	}

	wsURL := fmt.Sprintf("%s%s?key=%s", p.baseURL, endpointPath, url.QueryEscape(p.apiKey))

	dialCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, classifyDial(err, resp)
	}
	conn.SetReadLimit(4 << 20)

	sess := &session{
		conn:   conn,
		stream: s2s.NewStream(sendBuffer, eventBuffer),
	}

	if err := sess.writeJSON(dialCtx, buildSetup(cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, &s2s.TransportError{Kind: s2s.KindNetworkDrop, Reason: "send setup", Err: err}
	}
	if err := sess.awaitSetupComplete(dialCtx); err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup rejected")
		return nil, err
	}

	sess.stream.Go(sess.receiveLoop)
	sess.stream.Go(sess.writeLoop)
	if p.keepalive > 0 {
		sess.stream.Go(func() { sess.keepaliveLoop(p.keepalive) })
	}
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

// classifyClose maps a WebSocket close status onto an error kind.
func classifyClose(status websocket.StatusCode) s2s.ErrorKind {
	switch status {
	case websocket.StatusPolicyViolation:
		// Gemini closes with 1008 for invalid keys and unknown models.
		return s2s.KindAuthRejected
	case websocket.StatusInternalError, websocket.StatusTryAgainLater, websocket.StatusBadGateway:
		return s2s.KindServer
	default:
		return s2s.KindNetworkDrop
	}
}

// classifyServerError maps a Gemini error payload onto an error kind.
func classifyServerError(ge *geminiError) s2s.ErrorKind {
	switch {
	case ge.Code == http.StatusUnauthorized, ge.Code == http.StatusForbidden,
		ge.Status == "UNAUTHENTICATED", ge.Status == "PERMISSION_DENIED":
		return s2s.KindAuthRejected
	default:
		return s2s.KindServer
	}
}

func buildSetup(cfg s2s.Config) setupMessage {
	modalities := make([]string, len(cfg.ResponseModalities))
	for i, m := range cfg.ResponseModalities {
		modalities[i] = string(m)
	}

	model := cfg.ModelID
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model: model,
			GenerationConfig: generationConfig{
				ResponseModalities: modalities,
			},
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.VoiceID != "" && cfg.WantsAudio() {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.VoiceID},
			},
		}
	}
	if cfg.CaptureUserTranscript {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.CaptureModelTranscript {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio blob `json:"audio"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	stream *s2s.Stream

	// goAwayReason is only touched by receiveLoop.
	goAwayReason string
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// awaitSetupComplete reads until the server acknowledges the setup. Anything
// else the server might send first is a protocol error.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return &s2s.TransportError{Kind: classifyClose(status), Reason: "setup closed", Err: err}
		}
		if ctx.Err() != nil {
			return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "setup not acknowledged", Err: err}
		}
		return &s2s.TransportError{Kind: s2s.KindNetworkDrop, Reason: "await setup", Err: err}
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "malformed setup reply", Err: err}
	}
	if msg.Error != nil {
		return &s2s.TransportError{Kind: classifyServerError(msg.Error), Reason: msg.Error.Message}
	}
	if msg.SetupComplete == nil {
		return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "expected setupComplete"}
	}
	return nil
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It ends the stream when the connection ends.
func (s *session) receiveLoop() {
	ctx := s.stream.Context()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			s.handleReadError(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed frame", "err", err)
			continue
		}
		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

func (s *session) handleReadError(err error) {
	// Local Close: nothing to report.
	if s.stream.Closed() {
		return
	}
	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		reason := s.goAwayReason
		var ce websocket.CloseError
		if errors.As(err, &ce) && ce.Reason != "" {
			reason = ce.Reason
		}
		s.stream.Fail(s2s.Event{Type: s2s.EventClosed, Text: reason})
	case status != -1:
		s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{
			Kind: classifyClose(status), Reason: "connection closed", Err: err,
		}})
	default:
		s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{
			Kind: s2s.KindNetworkDrop, Reason: "read", Err: err,
		}})
	}
}

// handleServerMessage emits the events carried by msg. It returns false when
// the session has ended.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.stream.Fail(s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{
			Kind: classifyServerError(msg.Error), Reason: msg.Error.Message,
		}})
		return false
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server will close the session soon", "time_left", msg.GoAway.TimeLeft)
		s.goAwayReason = "go away"
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	var events []s2s.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				events = append(events, s2s.Event{
					Type:  s2s.EventAudio,
					Audio: wire.Packet{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data},
				})
			}
			if p.Text != "" {
				events = append(events, s2s.Event{Type: s2s.EventOutputTranscript, Text: p.Text})
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, s2s.Event{Type: s2s.EventInputTranscript, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, s2s.Event{Type: s2s.EventOutputTranscript, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		events = append(events, s2s.Event{Type: s2s.EventInterrupted})
	}
	if sc.TurnComplete {
		events = append(events, s2s.Event{Type: s2s.EventTurnComplete})
	}
	for _, ev := range events {
		if !s.stream.Emit(ev) {
			return false
		}
	}
	return true
}

// writeLoop transmits queued packets in order.
func (s *session) writeLoop() {
	ctx := s.stream.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.stream.Outgoing():
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					Audio: blob{MIMEType: pkt.MIMEType, Data: pkt.Data},
				},
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop(interval time.Duration) {
	ctx := s.stream.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
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
		// Remote side already ended the session; the connection is gone.
		s.conn.CloseNow()
		return nil
	}
	s.stream.Shutdown() // unblocks receiveLoop, writeLoop and keepaliveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
