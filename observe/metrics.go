// Package observe provides the gateway's OpenTelemetry metrics and the
// Prometheus bridge used to scrape them from /metrics.
//
// Tests should build a [Metrics] with [NewMetrics] and their own
// [metric.MeterProvider]. All Record helpers are nil-safe so packages can
// run without metrics wired.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/room4-2/memoir-dialog"

// Metrics holds all metric instruments for the gateway.
type Metrics struct {
	// ActiveDialogs tracks live end-user dialogue connections.
	ActiveDialogs metric.Int64UpDownCounter

	// ProviderConnects counts provider handshakes by status ("ok", "error").
	ProviderConnects metric.Int64Counter

	// ProviderConnectDuration tracks handshake latency.
	ProviderConnectDuration metric.Float64Histogram

	// FramesReceived counts decoded provider frames by message type.
	FramesReceived metric.Int64Counter

	// DecodeFailures counts provider frames that decoded to nothing.
	DecodeFailures metric.Int64Counter

	// Utterances counts persisted turns by role and status.
	Utterances metric.Int64Counter

	// PreviewCache counts preview cache lookups by result ("hit", "miss").
	PreviewCache metric.Int64Counter

	// IgnoredMessages counts end-user messages dropped by reason.
	IgnoredMessages metric.Int64Counter
}

var connectBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveDialogs, err = m.Int64UpDownCounter("memoir.dialogs.active",
		metric.WithDescription("Number of live dialogue connections."),
	); err != nil {
		return nil, err
	}
	if met.ProviderConnects, err = m.Int64Counter("memoir.provider.connects",
		metric.WithDescription("Provider connection handshakes by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderConnectDuration, err = m.Float64Histogram("memoir.provider.connect.duration",
		metric.WithDescription("Latency of the provider connection handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(connectBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("memoir.provider.frames",
		metric.WithDescription("Provider frames received by message type."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("memoir.provider.decode_failures",
		metric.WithDescription("Provider frames skipped because they could not be decoded."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("memoir.utterances",
		metric.WithDescription("Persisted conversation turns by role and status."),
	); err != nil {
		return nil, err
	}
	if met.PreviewCache, err = m.Int64Counter("memoir.preview.cache",
		metric.WithDescription("Voice preview cache lookups by result."),
	); err != nil {
		return nil, err
	}
	if met.IgnoredMessages, err = m.Int64Counter("memoir.client.ignored_messages",
		metric.WithDescription("End-user messages ignored by reason."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built from the global
// meter provider.
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

// DialogStarted increments the active dialogue gauge.
func (m *Metrics) DialogStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveDialogs.Add(ctx, 1)
}

// DialogEnded decrements the active dialogue gauge.
func (m *Metrics) DialogEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveDialogs.Add(ctx, -1)
}

// RecordConnect records one provider handshake.
func (m *Metrics) RecordConnect(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.ProviderConnects.Add(ctx, 1, attrs)
	m.ProviderConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordFrame records one decoded provider frame.
func (m *Metrics) RecordFrame(ctx context.Context, messageType string) {
	if m == nil {
		return
	}
	m.FramesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", messageType)))
}

// RecordDecodeFailure records one skipped provider frame.
func (m *Metrics) RecordDecodeFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.DecodeFailures.Add(ctx, 1)
}

// RecordUtterance records one persistence attempt.
func (m *Metrics) RecordUtterance(ctx context.Context, role, status string) {
	if m == nil {
		return
	}
	m.Utterances.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("status", status),
	))
}

// RecordPreviewCache records a preview cache lookup.
func (m *Metrics) RecordPreviewCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PreviewCache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordIgnoredMessage records an end-user message that was dropped.
func (m *Metrics) RecordIgnoredMessage(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.IgnoredMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
