package s2s

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/pawgo/voice/pkg/provider/s2s"

// StartOpenSpan starts the span covering a session open. Finish it with
// [EndSpan].
func StartOpenSpan(ctx context.Context, provider string, cfg Config) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "s2s.open", trace.WithAttributes(
		attribute.String("s2s.provider", provider),
		attribute.String("s2s.model", cfg.ModelID),
		attribute.String("s2s.voice", cfg.VoiceID),
	))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if kind, ok := KindOf(err); ok {
			span.SetAttributes(attribute.String("s2s.error_kind", kind.String()))
		}
	}
	span.End()
}
