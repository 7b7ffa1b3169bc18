package simuniverse

import (
	"context"
	"sync"
	"time"
)

// Default logical time step and advance clamp, ported from
// original_source's universe_pair_pipeline_scheduler.h:
// KAN_UNIVERSE_PAIR_PIPELINE_SCHEDULER_DEFAULT_LOGICAL_TIME_STEP_NS and
// ..._DEFAULT_MAX_LOGICAL_ADVANCE_TIME_NS (8ms / 25ms).
const (
	DefaultLogicalStep        = 8 * time.Millisecond
	DefaultMaxLogicalAdvance  = 25 * time.Millisecond
	DefaultLogicalPipeline    = "fixed"
	DefaultVisualPipeline     = "update"
)

// PairScheduler advances logical (fixed-step) and visual (variable-step)
// pipelines independently: the logical pipeline is run as many whole
// steps as the accumulated real time affords, bounded by
// MaxLogicalAdvance to avoid a death spiral when a frame runs long, then
// the visual pipeline runs once with the real frame delta. Leftover
// accumulated time carries over to the next tick instead of being
// discarded, so the simulation merely falls behind real time under
// sustained overload rather than losing logical steps outright.
//
// MaxLogicalAdvance is checked before starting each logical step
// (elapsed+step <= max), so it bounds whole steps taken this tick; it
// never admits a step that would only partially fit.
type PairScheduler struct {
	LogicalPipelineName string
	VisualPipelineName  string
	LogicalStep         time.Duration
	MaxLogicalAdvance   time.Duration

	mu          sync.Mutex
	accumulator time.Duration
}

// NewPairScheduler builds a PairScheduler with the kan-derived defaults.
func NewPairScheduler() *PairScheduler {
	return &PairScheduler{
		LogicalPipelineName: DefaultLogicalPipeline,
		VisualPipelineName:  DefaultVisualPipeline,
		LogicalStep:         DefaultLogicalStep,
		MaxLogicalAdvance:   DefaultMaxLogicalAdvance,
	}
}

// Update implements WorldScheduler.
func (s *PairScheduler) Update(ctx context.Context, dt time.Duration, iface SchedulerInterface) error {
	s.mu.Lock()
	s.accumulator += dt
	s.mu.Unlock()

	var elapsed time.Duration
	for {
		s.mu.Lock()
		acc := s.accumulator
		s.mu.Unlock()
		if acc < s.LogicalStep || elapsed+s.LogicalStep > s.MaxLogicalAdvance {
			break
		}
		if err := iface.RunPipeline(ctx, s.LogicalPipelineName, s.LogicalStep); err != nil {
			return err
		}
		s.mu.Lock()
		s.accumulator -= s.LogicalStep
		s.mu.Unlock()
		elapsed += s.LogicalStep
	}

	if err := iface.RunPipeline(ctx, s.VisualPipelineName, dt); err != nil {
		return err
	}
	return iface.UpdateAllChildren(ctx, dt)
}

var _ WorldScheduler = (*PairScheduler)(nil)
