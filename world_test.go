package simuniverse

import (
	"context"
	"testing"
	"time"
)

func TestNewWorldDefaultsToTrivialScheduler(t *testing.T) {
	w, err := NewWorld("root", newFakeRegistry(), nil)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	if _, ok := w.sched.(*TrivialScheduler); !ok {
		t.Fatalf("expected default scheduler to be TrivialScheduler, got %T", w.sched)
	}
}

func TestWorldCreateChildAttachesParent(t *testing.T) {
	root, err := NewWorld("root", newFakeRegistry(), nil)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	child, err := root.CreateChild("child", newFakeRegistry(), nil)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if child.Parent() != root {
		t.Fatalf("expected child's parent to be root")
	}
	children := root.Children()
	if len(children) != 1 || children[0] != child {
		t.Fatalf("expected root to list child, got %v", children)
	}
}

func TestWorldUpdateRunsSchedulerAndChildren(t *testing.T) {
	root, err := NewWorld("root", newFakeRegistry(), nil, WithScheduler(NewTrivialScheduler("update")))
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	childRan := 0
	child, err := root.CreateChild("child", newFakeRegistry(), nil, WithScheduler(recordingScheduler{ran: &childRan}))
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	_ = child

	if err := root.Deploy(&Pipeline{Name: "update"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if err := root.Update(context.Background(), 16*time.Millisecond); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if childRan != 1 {
		t.Fatalf("expected child scheduler to run once, ran %d times", childRan)
	}
}

type recordingScheduler struct {
	ran *int
}

func (s recordingScheduler) Update(context.Context, time.Duration, SchedulerInterface) error {
	*s.ran++
	return nil
}

func TestWorldDestroyTearsDownChildrenFirst(t *testing.T) {
	root, err := NewWorld("root", newFakeRegistry(), nil)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	child, err := root.CreateChild("child", newFakeRegistry(), nil)
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if _, err := child.CreateChild("grandchild", newFakeRegistry(), nil); err != nil {
		t.Fatalf("CreateChild: %v", err)
	}

	if err := root.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(root.Children()) != 0 {
		t.Fatalf("expected root to have no children after Destroy")
	}
}

func TestWorldRunUndeployedPipelineErrors(t *testing.T) {
	w, err := NewWorld("root", newFakeRegistry(), nil)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	err = w.RunPipeline(context.Background(), "does-not-exist", 0)
	if err == nil {
		t.Fatalf("expected error running an undeployed pipeline")
	}
}
