// Package otel provides OpenTelemetry setup and metric instruments for the
// conversion engine.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "restack"

// Metrics holds all engine metric instruments.
type Metrics struct {
	TasksDispatched metric.Int64Counter
	TaskRetries     metric.Int64Counter
	TasksFailed     metric.Int64Counter
	TasksSkipped    metric.Int64Counter
	JobsCompleted   metric.Int64Counter
	JobsFailed      metric.Int64Counter
	JobDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("restack.tasks.dispatched",
		metric.WithDescription("Number of task executions dispatched"))
	if err != nil {
		return nil, err
	}

	m.TaskRetries, err = meter.Int64Counter("restack.tasks.retries",
		metric.WithDescription("Number of transient-failure retries"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("restack.tasks.failed",
		metric.WithDescription("Number of tasks that failed permanently"))
	if err != nil {
		return nil, err
	}

	m.TasksSkipped, err = meter.Int64Counter("restack.tasks.skipped",
		metric.WithDescription("Number of tasks skipped because a dependency failed"))
	if err != nil {
		return nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter("restack.jobs.completed",
		metric.WithDescription("Number of jobs that completed successfully"))
	if err != nil {
		return nil, err
	}

	m.JobsFailed, err = meter.Int64Counter("restack.jobs.failed",
		metric.WithDescription("Number of jobs that ended failed"))
	if err != nil {
		return nil, err
	}

	m.JobDuration, err = meter.Float64Histogram("restack.job.duration_seconds",
		metric.WithDescription("Job wall-clock duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
