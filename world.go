package simuniverse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WorldOption configures a World at construction time, generalized from
// the teacher's functional-options pattern (world.go).
type WorldOption func(*World)

// World owns one repository, the pipelines deployed onto it, a
// scheduler policy, and its position in the universe's world tree
// (spec.md §3 "World").
type World struct {
	name   string
	repo   *Repository
	jobs   JobSystem
	exec   *PipelineExecutor
	sched  WorldScheduler
	logger Logger
	tracer Tracer

	mu       sync.RWMutex
	parent   *World
	children []*World
}

// NewWorld constructs a world bound to a reflection registry. A nil
// JobSystem runs every pipeline layer inline.
func NewWorld(name string, registry ReflectionRegistry, jobs JobSystem, opts ...WorldOption) (*World, error) {
	repo, err := NewRepository(registry)
	if err != nil {
		return nil, err
	}
	w := &World{
		name:   name,
		repo:   repo,
		jobs:   jobs,
		exec:   NewPipelineExecutor(repo, jobs),
		sched:  NewTrivialScheduler(""),
		logger: noopLogger{},
		tracer: noopTracer{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.exec.SetLogger(w.logger)
	return w, nil
}

// WithScheduler overrides the default TrivialScheduler.
func WithScheduler(s WorldScheduler) WorldOption {
	return func(w *World) {
		if s != nil {
			w.sched = s
		}
	}
}

// WithLogger overrides the world's logger.
func WithLogger(l Logger) WorldOption {
	return func(w *World) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTracer overrides the world's tracer.
func WithTracer(t Tracer) WorldOption {
	return func(w *World) {
		if t != nil {
			w.tracer = t
		}
	}
}

// WithObserver installs a SchedulerObserver on the world's pipeline executor.
func WithObserver(o SchedulerObserver) WorldOption {
	return func(w *World) {
		w.exec.SetObserver(o)
	}
}

// Name returns the world's identifier.
func (w *World) Name() string { return w.name }

// Repository exposes the world's record store.
func (w *World) Repository() *Repository { return w.repo }

// Logger exposes the world's structured logger.
func (w *World) Logger() Logger { return w.logger }

// Tracer exposes the world's tracer.
func (w *World) Tracer() Tracer { return w.tracer }

// Parent returns the owning world, or nil for a root world.
func (w *World) Parent() *World {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.parent
}

// Children returns a snapshot of the world's direct children.
func (w *World) Children() []*World {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*World, len(w.children))
	copy(out, w.children)
	return out
}

// CreateChild allocates and attaches a new child world, per spec.md
// §4.7's create-world operation (allocate repository, register record
// types via the same registry, attach to parent).
func (w *World) CreateChild(name string, registry ReflectionRegistry, jobs JobSystem, opts ...WorldOption) (*World, error) {
	child, err := NewWorld(name, registry, jobs, opts...)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	child.parent = w
	w.children = append(w.children, child)
	w.mu.Unlock()
	return child, nil
}

// Deploy registers a pipeline on this world.
func (w *World) Deploy(p *Pipeline) error {
	return w.exec.Deploy(p)
}

// Update runs one tick of this world's scheduler, which in turn decides
// which pipelines run and recurses into children (spec.md §4.7).
func (w *World) Update(ctx context.Context, dt time.Duration) error {
	return w.sched.Update(ctx, dt, w)
}

// RunPipeline implements SchedulerInterface.
func (w *World) RunPipeline(ctx context.Context, name string, dt time.Duration) error {
	ctx, span := w.tracer.Start(ctx, fmt.Sprintf("pipeline:%s:%s", w.name, name))
	defer span.End()
	return w.exec.RunPipeline(ctx, name, dt)
}

// UpdateAllChildren implements SchedulerInterface: the only way a
// scheduler observes children (spec.md §4.7).
func (w *World) UpdateAllChildren(ctx context.Context, dt time.Duration) error {
	for _, child := range w.Children() {
		if err := child.Update(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

// Destroy tears a world down post-order: children first, then this
// world's reflected finalizers run (repo.Shutdown), its job system is
// closed and it detaches from its parent. It does not wait for a
// RunPipeline in progress on another goroutine, and it does not release
// the repository's storages.
func (w *World) Destroy() error {
	w.mu.Lock()
	children := append([]*World(nil), w.children...)
	w.children = nil
	w.mu.Unlock()

	for _, child := range children {
		if err := child.Destroy(); err != nil {
			return err
		}
	}
	w.repo.Shutdown()
	if w.jobs != nil {
		w.jobs.Close()
	}
	if w.parent != nil {
		w.parent.detach(w)
	}
	return nil
}

func (w *World) detach(child *World) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, c := range w.children {
		if c == child {
			w.children = append(w.children[:i], w.children[i+1:]...)
			return
		}
	}
}

var _ SchedulerInterface = (*World)(nil)
