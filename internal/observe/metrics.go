// Package observe provides the observability primitives shared by the voice
// service: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter bridge installed by [InitProvider]. Tests should use
// [NewMetrics] with their own [metric.MeterProvider] instead of
// [DefaultMetrics] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voice metrics.
const meterName = "github.com/pawgo/voice"

// Metrics holds the metric instruments for live voice sessions.
// All fields are safe for concurrent use.
type Metrics struct {
	// ── Session lifecycle ──

	// StartDuration tracks how long Start takes from Idle to Active,
	// including device acquisition and the transport handshake.
	StartDuration metric.Float64Histogram

	// SessionsStarted counts Start attempts. Attributes: provider, status.
	SessionsStarted metric.Int64Counter

	// SessionsFailed counts sessions that ended in Failed. Attribute: kind.
	SessionsFailed metric.Int64Counter

	// ActiveSessions tracks sessions currently in the Active state.
	ActiveSessions metric.Int64UpDownCounter

	// ── Capture path ──

	// FramesSent counts resampled capture frames handed to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts capture frames that could not be sent.
	// Attribute: reason.
	FramesDropped metric.Int64Counter

	// ── Playback path ──

	// ChunksScheduled counts response audio chunks placed on the output clock.
	ChunksScheduled metric.Int64Counter

	// DecodeErrors counts inbound audio packets dropped as malformed.
	DecodeErrors metric.Int64Counter

	// PlaybackFlushes counts barge-in flushes. Attribute: had_audio.
	PlaybackFlushes metric.Int64Counter

	// TurnsCompleted counts finished conversation turns.
	TurnsCompleted metric.Int64Counter

	// ── HTTP middleware ──

	// HTTPRequestDuration tracks HTTP request processing time.
	// Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries (seconds) sized for session
// start-up, which is dominated by a network handshake.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StartDuration, err = m.Float64Histogram("pawgo.voice.start.duration",
		metric.WithDescription("Time from start request to an active voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("pawgo.voice.sessions.started",
		metric.WithDescription("Voice session start attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFailed, err = m.Int64Counter("pawgo.voice.sessions.failed",
		metric.WithDescription("Voice sessions that ended in the failed state, by error kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("pawgo.voice.sessions.active",
		metric.WithDescription("Number of active voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("pawgo.voice.frames.sent",
		metric.WithDescription("Capture frames sent to the remote service."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("pawgo.voice.frames.dropped",
		metric.WithDescription("Capture frames dropped before sending, by reason."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("pawgo.voice.playback.chunks",
		metric.WithDescription("Response audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("pawgo.voice.playback.decode_errors",
		metric.WithDescription("Malformed response audio chunks that were dropped."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("pawgo.voice.playback.flushes",
		metric.WithDescription("Playback flushes triggered by interruptions."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("pawgo.voice.turns",
		metric.WithDescription("Completed conversation turns."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("pawgo.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStart records one Start attempt and, on success, its latency.
func (m *Metrics) RecordStart(ctx context.Context, provider string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SessionsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
	if err == nil {
		m.StartDuration.Record(ctx, d.Seconds(),
			metric.WithAttributes(attribute.String("provider", provider)))
	}
}

// RecordFailure records a session that ended in Failed.
func (m *Metrics) RecordFailure(ctx context.Context, kind string) {
	m.SessionsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDrop records a capture frame dropped for the given reason.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFlush records a playback flush.
func (m *Metrics) RecordFlush(ctx context.Context, stopped int) {
	m.PlaybackFlushes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("had_audio", stopped > 0)))
}
