package auth

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterRecorder reports verification outcomes as OpenTelemetry instruments.
type MeterRecorder struct {
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
}

var _ MetricsRecorder = (*MeterRecorder)(nil)

// NewMeterRecorder registers auth.verifications and auth.verification.duration on meter.
func NewMeterRecorder(meter metric.Meter) (*MeterRecorder, error) {
	attempts, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Token verification attempts by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.verification.duration",
		metric.WithDescription("Token verification latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &MeterRecorder{attempts: attempts, latency: latency}, nil
}

func (m *MeterRecorder) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}
