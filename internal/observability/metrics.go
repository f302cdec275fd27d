package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "batch"

// Metrics holds the batch service instruments. All Record methods are safe
// to call on a nil *Metrics.
type Metrics struct {
	// HTTP
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Jobs
	JobsCreated      metric.Int64Counter
	JobTransitions   metric.Int64Counter
	JobDuration      metric.Float64Histogram
	JobsActive       metric.Int64UpDownCounter
	LaunchFailures   metric.Int64Counter
	LaunchQueueDepth metric.Int64Gauge
	RefreshDuration  metric.Float64Histogram

	// Callback dispatcher
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64
}

// NewMetrics installs a Prometheus-backed meter provider as the global
// provider and returns the service instruments plus the scrape handler.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := NewMetricsWithProvider(provider)
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewMetricsWithProvider creates the instruments on mp without touching
// global state.
func NewMetricsWithProvider(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	); err != nil {
		return nil, err
	}

	if m.JobsCreated, err = meter.Int64Counter(
		"batch_jobs_created_total",
		metric.WithDescription("Jobs accepted by the service"),
	); err != nil {
		return nil, err
	}
	if m.JobTransitions, err = meter.Int64Counter(
		"batch_job_transitions_total",
		metric.WithDescription("Job state transitions by target state"),
	); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram(
		"batch_job_duration_seconds",
		metric.WithDescription("Time from job creation to a terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	); err != nil {
		return nil, err
	}
	if m.JobsActive, err = meter.Int64UpDownCounter(
		"batch_jobs_active",
		metric.WithDescription("Jobs launched on the executor and not yet finished (saturation)"),
	); err != nil {
		return nil, err
	}
	if m.LaunchFailures, err = meter.Int64Counter(
		"batch_launch_failures_total",
		metric.WithDescription("Jobs the executor failed to start"),
	); err != nil {
		return nil, err
	}
	if m.LaunchQueueDepth, err = meter.Int64Gauge(
		"batch_launch_queue_depth",
		metric.WithDescription("Jobs waiting in the launch queue"),
	); err != nil {
		return nil, err
	}
	if m.RefreshDuration, err = meter.Float64Histogram(
		"batch_refresh_duration_seconds",
		metric.WithDescription("Time to re-inspect all active jobs"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total callbacks successfully delivered"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total callbacks failed after retries"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total callbacks dropped (buffer full or max requeues)"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total callbacks requeued due to open circuit"),
	); err != nil {
		return nil, err
	}
	if m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of callbacks in dispatcher queue (saturation)"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobCreated records a job accepted into the launch queue.
func (m *Metrics) RecordJobCreated(ctx context.Context, image string) {
	if m == nil {
		return
	}
	m.JobsCreated.Add(ctx, 1, metric.WithAttributes(imageAttr(image)))
}

// RecordJobLaunched records a successful Executor.Start.
func (m *Metrics) RecordJobLaunched(ctx context.Context) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr("Pending")))
	m.JobsActive.Add(ctx, 1)
}

// RecordLaunchFailed records a job that never reached the executor.
func (m *Metrics) RecordLaunchFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.LaunchFailures.Add(ctx, 1)
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr("Complete")))
}

// RecordJobTransition records a non-terminal state change observed after launch.
func (m *Metrics) RecordJobTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
}

// RecordJobFinished records a job reaching Complete or Cancelled. wasActive
// reports whether the job had been launched and was still counted as active.
func (m *Metrics) RecordJobFinished(ctx context.Context, state string, wasActive, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobTransitions.Add(ctx, 1, metric.WithAttributes(stateAttr(state)))
	if wasActive {
		m.JobsActive.Add(ctx, -1)
	}
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(stateAttr(state), successAttr(success)))
}

// RecordJobDeleted records a job removed while it was still active.
func (m *Metrics) RecordJobDeleted(ctx context.Context, wasActive bool) {
	if m == nil || !wasActive {
		return
	}
	m.JobsActive.Add(ctx, -1)
}

// RecordLaunchQueueDepth records the number of queued launches.
func (m *Metrics) RecordLaunchQueueDepth(ctx context.Context, depth int64) {
	if m == nil {
		return
	}
	m.LaunchQueueDepth.Record(ctx, depth)
}

// RecordRefresh records one pass over the active jobs.
func (m *Metrics) RecordRefresh(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RefreshDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherDelivered records a successful callback delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	if m == nil {
		return
	}
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed callback delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped callback.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued callback.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	if m == nil {
		return
	}
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	if m == nil {
		return
	}
	m.DispatcherQueueSize.Record(ctx, size)
}
