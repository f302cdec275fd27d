package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "batch/client"

// pollMetrics records wait behavior: how often callers back off and how long
// waits take.
type pollMetrics struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func newPollMetrics(mp metric.MeterProvider) *pollMetrics {
	meter := mp.Meter(meterName)
	m := &pollMetrics{}

	var err error
	m.attempts, err = meter.Int64Counter(
		"batch_client_poll_attempts_total",
		metric.WithDescription("Status fetches that found unfinished work and backed off"),
	)
	if err != nil {
		otel.Handle(err)
	}

	m.duration, err = meter.Float64Histogram(
		"batch_client_wait_duration_seconds",
		metric.WithDescription("Time spent waiting for jobs and batches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		otel.Handle(err)
	}
	return m
}

func (m *pollMetrics) recordAttempt(ctx context.Context, kind string) {
	if m.attempts == nil {
		return
	}
	m.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *pollMetrics) recordWait(ctx context.Context, kind string, success bool, seconds float64) {
	if m.duration == nil {
		return
	}
	m.duration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
	))
}
