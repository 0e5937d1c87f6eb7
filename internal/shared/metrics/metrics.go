// Package metrics exposes controller instrumentation through an
// OpenTelemetry meter backed by a Prometheus exporter. Each call site records
// through typed helpers so attribute sets stay low-cardinality.
package metrics

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the controller instruments: job and task outcomes, committer
// call latencies and dispatcher traffic.
type Metrics struct {
	meter metric.Meter

	JobsSubmitted metric.Int64Counter
	JobsFinished  metric.Int64Counter
	JobsActive    metric.Int64UpDownCounter
	JobDuration   metric.Float64Histogram

	TasksFinished metric.Int64Counter

	CommitterCalls    metric.Int64Counter
	CommitterDuration metric.Float64Histogram

	DispatcherQueueDepth metric.Int64Gauge
	DispatcherDelivered  metric.Int64Gauge
	DispatcherDropped    metric.Int64Gauge
}

// New creates the instruments on a fresh Prometheus registry and returns the
// handler serving it. Each New call is independent, so tests can build as
// many as they need.
func New(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("gridmr_controller")
	m := &Metrics{meter: meter}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFinished, err = meter.Int64Counter(
		"jobs_finished_total",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of jobs not yet in a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Submission-to-terminal job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksFinished, err = meter.Int64Counter(
		"tasks_finished_total",
		metric.WithDescription("Total number of tasks that reached a terminal state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CommitterCalls, err = meter.Int64Counter(
		"committer_calls_total",
		metric.WithDescription("Total number of completed output committer calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CommitterDuration, err = meter.Float64Histogram(
		"committer_call_duration_seconds",
		metric.WithDescription("Output committer call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueDepth, err = meter.Int64Gauge(
		"dispatcher_queue_depth",
		metric.WithDescription("Events published but not yet delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Gauge(
		"dispatcher_delivered_events",
		metric.WithDescription("Events delivered since the dispatcher started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Gauge(
		"dispatcher_dropped_events",
		metric.WithDescription("Events dropped since the dispatcher started"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// JobSubmitted records a job entering the controller.
func (m *Metrics) JobSubmitted() {
	ctx := context.Background()
	m.JobsSubmitted.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// JobFinished records a job reaching the given terminal state.
func (m *Metrics) JobFinished(state string, duration time.Duration) {
	ctx := context.Background()
	m.JobsFinished.Add(ctx, 1, withState(state))
	m.JobsActive.Add(ctx, -1)
	m.JobDuration.Record(ctx, duration.Seconds(), withState(state))
}

// TaskFinished records a task reaching the given terminal state.
func (m *Metrics) TaskFinished(kind, state string) {
	m.TasksFinished.Add(context.Background(), 1, withKindState(kind, state))
}

// ObserveCommitterOp records one completed committer call. The signature
// matches the commit handler's observer hook.
func (m *Metrics) ObserveCommitterOp(op string, d time.Duration) {
	ctx := context.Background()
	m.CommitterCalls.Add(ctx, 1, withOp(op))
	m.CommitterDuration.Record(ctx, d.Seconds(), withOp(op))
}

// RecordDispatcherStats records a snapshot of the dispatcher traffic
// counters. The serve loop samples these on a ticker.
func (m *Metrics) RecordDispatcherStats(published, delivered, dropped uint64) {
	ctx := context.Background()
	depth := int64(published) - int64(delivered) - int64(dropped)
	if depth < 0 {
		depth = 0
	}
	m.DispatcherQueueDepth.Record(ctx, depth)
	m.DispatcherDelivered.Record(ctx, int64(delivered))
	m.DispatcherDropped.Record(ctx, int64(dropped))
}
