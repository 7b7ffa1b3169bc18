package simuniverse

import (
	"context"
	"errors"
	"testing"
	"time"
)

func countLogical(calls []pipelineCall, name string) int {
	n := 0
	for _, c := range calls {
		if c.name == name {
			n++
		}
	}
	return n
}

func TestPairSchedulerDefaults(t *testing.T) {
	s := NewPairScheduler()
	if s.LogicalStep != DefaultLogicalStep {
		t.Fatalf("expected default logical step %v, got %v", DefaultLogicalStep, s.LogicalStep)
	}
	if s.MaxLogicalAdvance != DefaultMaxLogicalAdvance {
		t.Fatalf("expected default max logical advance %v, got %v", DefaultMaxLogicalAdvance, s.MaxLogicalAdvance)
	}
}

func TestPairSchedulerClampsLogicalStepsAndCarriesRemainder(t *testing.T) {
	s := NewPairScheduler()
	iface := &fakeSchedulerInterface{}

	// 25ms of real time at an 8ms logical step and a 25ms max advance
	// fits exactly 3 whole steps (24ms <= 25ms), with 1ms left over.
	if err := s.Update(context.Background(), 25*time.Millisecond, iface); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := countLogical(iface.calls, s.LogicalPipelineName); got != 3 {
		t.Fatalf("expected 3 logical steps, got %d", got)
	}
	if got := countLogical(iface.calls, s.VisualPipelineName); got != 1 {
		t.Fatalf("expected exactly 1 visual step, got %d", got)
	}
	if s.accumulator != 1*time.Millisecond {
		t.Fatalf("expected 1ms leftover accumulator, got %v", s.accumulator)
	}

	// The leftover 1ms alone isn't enough for another step.
	iface.calls = nil
	if err := s.Update(context.Background(), 0, iface); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := countLogical(iface.calls, s.LogicalPipelineName); got != 0 {
		t.Fatalf("expected no logical steps from the leftover alone, got %d", got)
	}

	// Adding 7ms brings the accumulator to exactly one more step.
	iface.calls = nil
	if err := s.Update(context.Background(), 7*time.Millisecond, iface); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := countLogical(iface.calls, s.LogicalPipelineName); got != 1 {
		t.Fatalf("expected 1 logical step once the carried remainder completes a step, got %d", got)
	}
	if s.accumulator != 0 {
		t.Fatalf("expected accumulator drained to 0, got %v", s.accumulator)
	}

	// A 1s frame affords 125 steps, but the 25ms max advance admits only
	// 3 (a 4th would bring elapsed to 32ms); the rest stays accumulated.
	s2 := NewPairScheduler()
	iface2 := &fakeSchedulerInterface{}
	if err := s2.Update(context.Background(), time.Second, iface2); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := countLogical(iface2.calls, s2.LogicalPipelineName); got != 3 {
		t.Fatalf("expected the clamp to allow 3 logical steps, got %d", got)
	}
	if s2.accumulator != 976*time.Millisecond {
		t.Fatalf("expected 976ms carried over, got %v", s2.accumulator)
	}
}

func TestPairSchedulerVisualRunsEveryTickEvenWithoutLogicalSteps(t *testing.T) {
	s := NewPairScheduler()
	iface := &fakeSchedulerInterface{}

	if err := s.Update(context.Background(), 2*time.Millisecond, iface); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := countLogical(iface.calls, s.LogicalPipelineName); got != 0 {
		t.Fatalf("expected no logical steps under one step's worth of time, got %d", got)
	}
	if got := countLogical(iface.calls, s.VisualPipelineName); got != 1 {
		t.Fatalf("expected the visual pipeline to still run, got %d", got)
	}
}

func TestPairSchedulerStopsOnLogicalPipelineError(t *testing.T) {
	s := NewPairScheduler()
	wantErr := errors.New("boom")
	iface := &fakeSchedulerInterface{failPipeline: s.LogicalPipelineName, failErr: wantErr}

	err := s.Update(context.Background(), 25*time.Millisecond, iface)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected logical pipeline error to propagate, got %v", err)
	}
	if countLogical(iface.calls, s.VisualPipelineName) != 0 {
		t.Fatalf("expected visual pipeline not reached after logical failure")
	}
}

func TestPairSchedulerRunsChildrenAfterVisual(t *testing.T) {
	s := NewPairScheduler()
	iface := &fakeSchedulerInterface{}

	if err := s.Update(context.Background(), time.Millisecond, iface); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if iface.childCalls != 1 {
		t.Fatalf("expected children updated once, got %d", iface.childCalls)
	}
}
