package executor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments holds the executor's metric handles. With no meter
// provider installed these are no-ops.
type instruments struct {
	completed metric.Int64Counter
	failed    metric.Int64Counter
	depth     metric.Int64UpDownCounter
	duration  metric.Float64Histogram
	parallel  metric.Float64Histogram
}

func newInstruments() *instruments {
	meter := otel.Meter("github.com/tillerlabs/tiller/pkg/executor")
	completed, _ := meter.Int64Counter("tiller.executor.tasks_completed",
		metric.WithDescription("Tasks that reached COMPLETED"))
	failed, _ := meter.Int64Counter("tiller.executor.tasks_failed",
		metric.WithDescription("Task attempts that reached FAILED"))
	depth, _ := meter.Int64UpDownCounter("tiller.executor.queue_depth",
		metric.WithDescription("Ready tasks waiting in worker deques"))
	duration, _ := meter.Float64Histogram("tiller.executor.run_duration_seconds",
		metric.WithDescription("End-to-end graph execution duration"))
	parallel, _ := meter.Float64Histogram("tiller.executor.parallelization_factor",
		metric.WithDescription("Total task time over wall-clock time"))
	return &instruments{
		completed: completed,
		failed:    failed,
		depth:     depth,
		duration:  duration,
		parallel:  parallel,
	}
}

func (m *instruments) taskCompleted(ctx context.Context) {
	m.completed.Add(ctx, 1)
}

func (m *instruments) taskFailed(ctx context.Context) {
	m.failed.Add(ctx, 1)
}

func (m *instruments) queueDepth(ctx context.Context, delta int64) {
	m.depth.Add(ctx, delta)
}

func (m *instruments) recordRun(ctx context.Context, r *Report) {
	attrs := metric.WithAttributes(attribute.String("strategy", string(r.Strategy)))
	m.duration.Record(ctx, r.Duration.Seconds(), attrs)
	m.parallel.Record(ctx, r.ParallelizationFactor, attrs)
}
