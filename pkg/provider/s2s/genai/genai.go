// Package genai implements the s2s.Provider interface on top of the Google
// Gen AI SDK's Live client. It talks to the same Gemini Live service as the
// gemini package but delegates the wire protocol to the SDK, which is useful
// when the SDK's authentication options (ephemeral tokens, Vertex AI) are
// needed.
package genai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	sdk "google.golang.org/genai"

	"github.com/pawgo/voice/pkg/audio/wire"
	"github.com/pawgo/voice/pkg/provider/s2s"
	"github.com/pawgo/voice/pkg/provider/s2s/gemini"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Session = (*session)(nil)

const (
	defaultSetupTimeout = 10 * time.Second
	sendBuffer          = 64
	eventBuffer         = 64
)

// Option is a functional option for configuring a Provider.
type Option func(*options)

type options struct {
	baseURL      string
	apiVersion   string
	setupTimeout time.Duration
}

// WithBaseURL overrides the service base URL. A ws:// URL is used as-is;
// any other scheme is upgraded to wss:// by the SDK.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithAPIVersion selects the API version, e.g. "v1alpha" for ephemeral tokens.
func WithAPIVersion(v string) Option {
	return func(o *options) { o.apiVersion = v }
}

// WithSetupTimeout bounds how long Open waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.setupTimeout = d
		}
	}
}

// Provider implements s2s.Provider using the Gen AI SDK.
type Provider struct {
	client       *sdk.Client
	setupTimeout time.Duration
}

// New creates a Provider backed by the Gemini API with the given key.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	o := options{apiVersion: "v1beta", setupTimeout: defaultSetupTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	client, err := sdk.NewClient(ctx, &sdk.ClientConfig{
		APIKey:  apiKey,
		Backend: sdk.BackendGeminiAPI,
		HTTPOptions: sdk.HTTPOptions{
			BaseURL:    o.baseURL,
			APIVersion: o.apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genai: new client: %w", err)
	}
	return &Provider{client: client, setupTimeout: o.setupTimeout}, nil
}

// Capabilities returns static metadata about the Live service.
func (p *Provider) Capabilities() s2s.Capabilities {
	return gemini.Capabilities()
}

// Open connects through the SDK and waits for setupComplete.
func (p *Provider) Open(ctx context.Context, cfg s2s.Config) (_ s2s.Session, err error) {
	ctx, span := s2s.StartOpenSpan(ctx, "genai-live", cfg)
	defer func() { s2s.EndSpan(span, err) }()

	if err := cfg.Validate(); err != nil {
		return nil, &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "invalid config", Err: err}
	}

	conn, err := p.client.Live.Connect(ctx, cfg.ModelID, connectConfig(cfg))
	if err != nil {
		return nil, classifyConnect(err)
	}

	sess := &session{
		conn:   conn,
		stream: s2s.NewStream(sendBuffer, eventBuffer),
	}
	if err := sess.awaitSetupComplete(ctx, p.setupTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}

	sess.stream.Go(sess.receiveLoop)
	sess.stream.Go(sess.writeLoop)
	sess.stream.Seal()
	return sess, nil
}

func connectConfig(cfg s2s.Config) *sdk.LiveConnectConfig {
	lc := &sdk.LiveConnectConfig{}
	for _, m := range cfg.ResponseModalities {
		switch m {
		case s2s.ModalityAudio:
			lc.ResponseModalities = append(lc.ResponseModalities, sdk.ModalityAudio)
		case s2s.ModalityText:
			lc.ResponseModalities = append(lc.ResponseModalities, sdk.ModalityText)
		}
	}
	if cfg.SystemInstruction != "" {
		lc.SystemInstruction = &sdk.Content{Parts: []*sdk.Part{{Text: cfg.SystemInstruction}}}
	}
	if cfg.VoiceID != "" && cfg.WantsAudio() {
		lc.SpeechConfig = &sdk.SpeechConfig{
			VoiceConfig: &sdk.VoiceConfig{
				PrebuiltVoiceConfig: &sdk.PrebuiltVoiceConfig{VoiceName: cfg.VoiceID},
			},
		}
	}
	if cfg.CaptureUserTranscript {
		lc.InputAudioTranscription = &sdk.AudioTranscriptionConfig{}
	}
	if cfg.CaptureModelTranscript {
		lc.OutputAudioTranscription = &sdk.AudioTranscriptionConfig{}
	}
	return lc
}

// classifyConnect maps an SDK connect failure onto an error kind.
func classifyConnect(err error) *s2s.TransportError {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return &s2s.TransportError{Kind: s2s.KindConnectionRefused, Reason: "connection refused", Err: err}
	case errors.Is(err, websocket.ErrBadHandshake):
		// The SDK drops the HTTP response; a refused upgrade is almost always
		// a rejected key.
		return &s2s.TransportError{Kind: s2s.KindAuthRejected, Reason: "handshake rejected", Err: err}
	default:
		return &s2s.TransportError{Kind: s2s.KindConnectionRefused, Reason: "unreachable", Err: err}
	}
}

// classifyReceive maps an SDK receive failure onto an event. The bool result
// is false for a clean remote close.
func classifyReceive(err error) (s2s.Event, bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway:
			return s2s.Event{Type: s2s.EventClosed, Text: ce.Text}, false
		case websocket.ClosePolicyViolation:
			return errorEvent(s2s.KindAuthRejected, "connection closed", err), true
		case websocket.CloseInternalServerErr, websocket.CloseTryAgainLater:
			return errorEvent(s2s.KindServer, "connection closed", err), true
		default:
			return errorEvent(s2s.KindNetworkDrop, "connection closed", err), true
		}
	}
	if strings.Contains(err.Error(), "received error in response") {
		return errorEvent(s2s.KindServer, "server error", err), true
	}
	return errorEvent(s2s.KindNetworkDrop, "read", err), true
}

func errorEvent(kind s2s.ErrorKind, reason string, err error) s2s.Event {
	return s2s.Event{Type: s2s.EventError, Err: &s2s.TransportError{Kind: kind, Reason: reason, Err: err}}
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *sdk.Session
	stream *s2s.Stream

	closeOnce sync.Once
}

// awaitSetupComplete waits for the first server message. Receive has no
// context, so the connection is closed to unblock it on timeout.
func (s *session) awaitSetupComplete(ctx context.Context, timeout time.Duration) error {
	type result struct {
		msg *sdk.LiveServerMessage
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := s.conn.Receive()
		ch <- result{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			ev, _ := classifyReceive(r.err)
			if ev.Type == s2s.EventClosed {
				return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "closed during setup", Err: r.err}
			}
			return ev.Err
		}
		if r.msg.SetupComplete == nil {
			return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "expected setupComplete"}
		}
		return nil
	case <-timer.C:
		_ = s.conn.Close()
		return &s2s.TransportError{Kind: s2s.KindProtocol, Reason: "setup not acknowledged"}
	case <-ctx.Done():
		_ = s.conn.Close()
		return &s2s.TransportError{Kind: s2s.KindConnectionRefused, Reason: "open cancelled", Err: ctx.Err()}
	}
}

func (s *session) receiveLoop() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			if s.stream.Closed() {
				return
			}
			ev, _ := classifyReceive(err)
			s.stream.Fail(ev)
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

func (s *session) handle(msg *sdk.LiveServerMessage) bool {
	if msg.GoAway != nil {
		slog.Info("genai: server will close the session soon", "time_left", msg.GoAway.TimeLeft)
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}

	var events []s2s.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				events = append(events, s2s.Event{Type: s2s.EventAudio, Audio: wire.Packet{
					MIMEType: p.InlineData.MIMEType,
					Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
				}})
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

// writeLoop is the only goroutine writing to the SDK session.
func (s *session) writeLoop() {
	ctx := s.stream.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-s.stream.Outgoing():
			data, err := wire.DecodeBytes(pkt)
			if err != nil {
				slog.Warn("genai: dropping unencodable packet", "err", err)
				continue
			}
			err = s.conn.SendRealtimeInput(sdk.LiveRealtimeInput{
				Audio: &sdk.Blob{Data: data, MIMEType: pkt.MIMEType},
			})
			if err != nil {
				if s.stream.Closed() {
					return
				}
				s.stream.Fail(errorEvent(s2s.KindNetworkDrop, "write", err))
				_ = s.conn.Close()
				return
			}
		}
	}
}

// Send queues a packet for transmission.
func (s *session) Send(pkt wire.Packet) error { return s.stream.Enqueue(pkt) }

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.stream.Events() }

// Close terminates the session. Idempotent.
func (s *session) Close() error {
	s.stream.Shutdown()
	s.closeOnce.Do(func() {
		// Closing the connection unblocks Receive in receiveLoop.
		_ = s.conn.Close()
	})
	return nil
}
