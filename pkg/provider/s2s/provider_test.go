package s2s_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/pawgo/voice/pkg/provider/s2s"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := s2s.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.VoiceID != "Zephyr" {
		t.Errorf("VoiceID = %q, want Zephyr", cfg.VoiceID)
	}
	if !cfg.WantsAudio() {
		t.Error("default config should request audio")
	}
	if !cfg.CaptureUserTranscript || !cfg.CaptureModelTranscript {
		t.Error("transcripts should be captured by default")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*s2s.Config)
		wantErr string
	}{
		{"missing model", func(c *s2s.Config) { c.ModelID = "" }, "model id"},
		{"no modality", func(c *s2s.Config) { c.ResponseModalities = nil }, "response modality"},
		{"unknown modality", func(c *s2s.Config) { c.ResponseModalities = []s2s.Modality{"VIDEO"} }, `"VIDEO"`},
		{"text only", func(c *s2s.Config) { c.ResponseModalities = []s2s.Modality{s2s.ModalityText} }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := s2s.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	base := &s2s.TransportError{Kind: s2s.KindAuthRejected, Reason: "API key not valid"}
	wrapped := fmt.Errorf("open: %w", base)

	kind, ok := s2s.KindOf(wrapped)
	if !ok || kind != s2s.KindAuthRejected {
		t.Errorf("KindOf = (%v, %v), want (auth_rejected, true)", kind, ok)
	}
	if _, ok := s2s.KindOf(errors.New("plain")); ok {
		t.Error("KindOf should not match a plain error")
	}
	if !strings.Contains(base.Error(), "auth_rejected") {
		t.Errorf("Error() = %q", base.Error())
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()

	if s2s.EventInterrupted.String() != "INTERRUPTED" {
		t.Errorf("got %q", s2s.EventInterrupted.String())
	}
	if s2s.EventType(99).String() != "UNKNOWN" {
		t.Errorf("got %q", s2s.EventType(99).String())
	}
}
