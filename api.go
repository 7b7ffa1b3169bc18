package simuniverse

import (
	"context"
	"time"
)

// SchedulerObserver receives summaries after a pipeline layer completes,
// generalized from the teacher's WorkGroupCompleted hook.
type SchedulerObserver interface {
	PipelineStepCompleted(summary PipelineStepSummary)
}

// PipelineStepSummary captures execution metadata for one pipeline
// layer, renamed from the teacher's WorkGroupSummary to match the
// Pipeline/Mutator vocabulary.
type PipelineStepSummary struct {
	PipelineName    string
	Layer           int
	Tick            uint64
	Duration        time.Duration
	MutatorsTotal   int
	MutatorsRan     int
	MutatorsSkipped int
	Error           error
}

// PrometheusCollector handles pipeline-step summaries for Prometheus
// metrics (wired to real client_golang collectors in observability.go).
type PrometheusCollector interface {
	ObservePipelineStep(summary PipelineStepSummary)
}

// Logger captures structured log output from mutators and schedulers.
type Logger interface {
	With(key string, value any) Logger
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Tracer coordinates tracing spans for observability tooling.
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, TraceSpan)
}

// TraceSpan represents an active tracing region.
type TraceSpan interface {
	End()
}
