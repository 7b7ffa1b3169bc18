package simuniverse

import (
	"context"
	"time"
)

// DefaultPipelineName is the single pipeline TrivialScheduler drives,
// ported from original_source's universe_trivial_scheduler.c
// (KAN_UNIVERSE_TRIVIAL_SCHEDULER_PIPELINE_NAME = "update").
const DefaultPipelineName = "update"

// TrivialScheduler is the simplest WorldScheduler: it runs one named
// pipeline every tick and recurses into every child world, exactly
// matching trivial_scheduler_state_t's single-pipeline-name behavior.
type TrivialScheduler struct {
	PipelineName string
}

// NewTrivialScheduler builds a TrivialScheduler driving pipelineName. An
// empty name defaults to DefaultPipelineName.
func NewTrivialScheduler(pipelineName string) *TrivialScheduler {
	if pipelineName == "" {
		pipelineName = DefaultPipelineName
	}
	return &TrivialScheduler{PipelineName: pipelineName}
}

// Update implements WorldScheduler.
func (s *TrivialScheduler) Update(ctx context.Context, dt time.Duration, iface SchedulerInterface) error {
	if err := iface.RunPipeline(ctx, s.PipelineName, dt); err != nil {
		return err
	}
	return iface.UpdateAllChildren(ctx, dt)
}

var _ WorldScheduler = (*TrivialScheduler)(nil)
