package simuniverse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TickInterval controls how frequently a mutator runs, ported unchanged
// from the teacher's api.go (every N ticks, with an offset).
type TickInterval struct {
	Every  uint32
	Offset uint32
}

func shouldRunTick(tick uint64, interval TickInterval) bool {
	every := uint64(interval.Every)
	if every == 0 {
		return true
	}
	offset := uint64(interval.Offset % interval.Every)
	return (tick+offset)%every == 0
}

// ErrorPolicy defines how a pipeline responds to a mutator failure.
// Abort stops the remaining layers for this step; Continue logs the
// failure and runs the remaining layers anyway; Retry re-runs just the
// failing mutator up to maxMutatorRetryAttempts additional times
// (rolling back its CommandBuffer between attempts) before falling
// back to Abort's behavior.
type ErrorPolicy uint8

const (
	ErrorPolicyAbort ErrorPolicy = iota
	ErrorPolicyContinue
	ErrorPolicyRetry
)

// MutatorDescriptor declares one mutator's bindings and scheduling
// metadata — the "state record" of spec.md §3/§4.6, generalized from
// the teacher's SystemDescriptor with explicit depends_on/dependency_of
// edges so the scheduler can build a real topological layering instead
// of relying on registration order.
type MutatorDescriptor struct {
	Name         string
	Bindings     []Binding
	DependsOn    []string
	DependencyOf []string
	RunEvery     TickInterval
	// OnMigration is carried on the descriptor but read nowhere in this
	// package: no pipeline is assembled from flagged mutators. After a
	// migration, Universe runs the pipeline named when it was created.
	OnMigration bool
}

// MutatorResult indicates how a mutator behaved during execution.
type MutatorResult struct {
	Err error
}

// Mutator is a stateless function plus a state record, executed by the
// scheduler (spec.md's Glossary).
type Mutator interface {
	Descriptor() MutatorDescriptor
	Run(ctx context.Context, exec ExecutionContext) MutatorResult
}

// ExecutionContext supplies a mutator with scoped access to its world's
// repository, generalized from the teacher's api.go ExecutionContext.
type ExecutionContext interface {
	Repository() *Repository
	TimeDelta() time.Duration
	TickIndex() uint64
	Logger() Logger
	Defer(cmd Command)
}

// Pipeline is an ordered collection of mutators co-scheduled in one step
// (spec.md Glossary).
type Pipeline struct {
	Name        string
	Mutators    []Mutator
	ErrorPolicy ErrorPolicy
}

type pipelineLayer struct {
	mutators []Mutator
}

// PipelineExecutor runs one pipeline's mutators to completion, turning
// declared dependencies into a parallel execution plan over a JobSystem
// (spec.md §4.6). It is the shared machinery both standard schedulers
// (Trivial, Pair) drive through SchedulerInterface.RunPipeline.
type PipelineExecutor struct {
	repo       *Repository
	jobs       JobSystem
	pool       *CommandBufferPool
	logger     Logger
	observer   SchedulerObserver
	tickIndex  uint64
	pipelines  map[string]*Pipeline
	mu         sync.Mutex
}

// NewPipelineExecutor constructs an executor bound to a repository and
// job system.
func NewPipelineExecutor(repo *Repository, jobs JobSystem) *PipelineExecutor {
	return &PipelineExecutor{
		repo:      repo,
		jobs:      jobs,
		pool:      NewCommandBufferPool(),
		logger:    noopLogger{},
		observer:  noopObserver{},
		pipelines: make(map[string]*Pipeline),
	}
}

// SetLogger installs the logger used by mutator execution contexts.
func (e *PipelineExecutor) SetLogger(l Logger) {
	if l != nil {
		e.logger = l
	}
}

// SetObserver installs the observer notified after each pipeline step.
func (e *PipelineExecutor) SetObserver(o SchedulerObserver) {
	if o != nil {
		e.observer = o
	}
}

// Deploy registers a pipeline after checking that it has a name and that
// its dependency edges have no cycle (ErrAccessConflict). Access
// conflicts are not errors; the layering computed here is discarded and
// RunPipeline computes it again on every run.
func (e *PipelineExecutor) Deploy(p *Pipeline) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("%w: pipeline requires a non-empty name", ErrAccessConflict)
	}
	if _, err := layerPipeline(p.Mutators); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pipelines[p.Name] = p
	return nil
}

// TickIndex returns the number of steps executed so far.
func (e *PipelineExecutor) TickIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickIndex
}

// RunPipeline executes one previously deployed pipeline's mutators for
// one step (spec.md §4.6 steps 1-5).
func (e *PipelineExecutor) RunPipeline(ctx context.Context, name string, dt time.Duration) error {
	e.mu.Lock()
	p, ok := e.pipelines[name]
	tick := e.tickIndex
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: pipeline %s not deployed", ErrUnknownBinding, name)
	}

	layers, err := layerPipeline(p.Mutators)
	if err != nil {
		return err
	}

	aborted := false
	for layerIdx, layer := range layers {
		if aborted {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		started := time.Now()
		results := e.runLayer(ctx, layer, dt, tick, p.ErrorPolicy)
		e.repo.EndStep()

		var layerErr error
		ran := 0
		for _, res := range results {
			ran++
			if res.err == nil {
				continue
			}
			if layerErr == nil {
				layerErr = res.err
			}
			if p.ErrorPolicy == ErrorPolicyContinue {
				e.logger.Error("mutator failed", "mutator", res.name, "err", res.err)
				continue
			}
			aborted = true
		}
		e.observer.PipelineStepCompleted(PipelineStepSummary{
			PipelineName:    p.Name,
			Layer:           layerIdx,
			Tick:            tick,
			Duration:        time.Since(started),
			MutatorsTotal:   len(layer.mutators),
			MutatorsRan:     ran,
			MutatorsSkipped: len(layer.mutators) - ran,
			Error:           layerErr,
		})
	}

	e.mu.Lock()
	e.tickIndex++
	e.mu.Unlock()
	return nil
}

type mutatorRunResult struct {
	name string
	err  error
}

// maxMutatorRetryAttempts bounds ErrorPolicyRetry: the mutator's Run is
// called once, then retried up to this many additional times while it
// keeps returning an error, before the failure is reported upstream
// like any other (treated as an abort of the remaining layers).
const maxMutatorRetryAttempts = 2

func (e *PipelineExecutor) runLayer(ctx context.Context, layer pipelineLayer, dt time.Duration, tick uint64, policy ErrorPolicy) []mutatorRunResult {
	handles := make([]JobHandle, 0, len(layer.mutators))
	names := make([]string, 0, len(layer.mutators))

	for _, mut := range layer.mutators {
		mut := mut
		desc := mut.Descriptor()
		if !shouldRunTick(tick, desc.RunEvery) {
			continue
		}
		names = append(names, desc.Name)
		handles = append(handles, submitOrInline(e.jobs, ctx, func(jctx context.Context) JobResult {
			buf := e.pool.Get()
			defer e.pool.Put(buf)
			execCtx := &mutatorExecutionContext{
				repo:     e.repo,
				dt:       dt,
				tick:     tick,
				logger:   e.logger.With("mutator", desc.Name),
				commands: buf,
			}

			var result MutatorResult
			for attempt := 0; ; attempt++ {
				snapshot := buf.Snapshot()
				result = mut.Run(jctx, execCtx)
				if result.Err == nil || policy != ErrorPolicyRetry || attempt >= maxMutatorRetryAttempts {
					break
				}
				buf.Restore(snapshot)
				e.logger.Error("mutator failed, retrying", "mutator", desc.Name, "attempt", attempt+1, "err", result.Err)
			}

			commands := append([]Command(nil), buf.Drain()...)
			return JobResult{Err: result.Err, Commands: commands}
		}))
	}

	out := make([]mutatorRunResult, 0, len(handles))
	for i, h := range handles {
		res := h.Wait()
		if res.Err == nil {
			for _, cmd := range res.Commands {
				if err := cmd.Apply(e.repo); err != nil {
					res.Err = err
					break
				}
			}
		}
		out = append(out, mutatorRunResult{name: names[i], err: res.Err})
	}
	return out
}

// submitOrInline lets RunPipeline work whether or not a JobSystem is
// configured (nil runs inline, matching jobsystem.go's nil-pool
// semantics).
func submitOrInline(js JobSystem, ctx context.Context, fn func(context.Context) JobResult) JobHandle {
	if js == nil {
		return syncHandle(fn(ctx))
	}
	return js.Submit(ctx, fn)
}

// layerPipeline builds the conflict graph (spec.md §4.6 step 1) and a
// topological layering that respects declared DependsOn/DependencyOf
// edges (step 2), then splits any same-layer write conflicts into
// separate layers so at most one writer per storage is ever live within
// a layer (step 3's invariant, enforced structurally rather than left
// to the job system).
func layerPipeline(mutators []Mutator) ([]pipelineLayer, error) {
	n := len(mutators)
	index := make(map[string]int, n)
	descs := make([]MutatorDescriptor, n)
	for i, m := range mutators {
		d := m.Descriptor()
		if d.Name == "" {
			d.Name = fmt.Sprintf("<mutator#%d>", i)
		}
		descs[i] = d
		index[d.Name] = i
	}

	// Declared-edge adjacency: edge i->j means i must run before j.
	adj := make([][]int, n)
	indegree := make([]int, n)
	addEdge := func(from, to int) {
		adj[from] = append(adj[from], to)
		indegree[to]++
	}
	for i, d := range descs {
		for _, dep := range d.DependsOn {
			if j, ok := index[dep]; ok {
				addEdge(j, i)
			}
		}
		for _, dep := range d.DependencyOf {
			if j, ok := index[dep]; ok {
				addEdge(i, j)
			}
		}
	}

	// Conflict detection: writers must never share a layer with any
	// other access (read or write) to the same storage.
	reads := make([]map[string]bool, n)
	writes := make([]map[string]bool, n)
	for i, d := range descs {
		reads[i] = make(map[string]bool)
		writes[i] = make(map[string]bool)
		for _, b := range d.Bindings {
			key := b.Type.String()
			if b.Mode == AccessWrite || b.Insert {
				writes[i][key] = true
			} else {
				reads[i][key] = true
			}
		}
	}
	conflicts := func(i, j int) bool {
		for k := range writes[i] {
			if writes[j][k] || reads[j][k] {
				return true
			}
		}
		for k := range writes[j] {
			if reads[i][k] {
				return true
			}
		}
		return false
	}

	// Kahn's algorithm for longest-path layering from declared edges.
	layerOf := make([]int, n)
	remaining := append([]int(nil), indegree...)
	queue := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if remaining[i] == 0 {
			queue = append(queue, i)
			layerOf[i] = 0
		}
	}
	processed := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adj[cur] {
			if layerOf[next] < layerOf[cur]+1 {
				layerOf[next] = layerOf[cur] + 1
			}
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != n {
		return nil, fmt.Errorf("%w: cyclic depends_on/dependency_of among mutators", ErrAccessConflict)
	}

	// Greedily bump conflicting same-layer mutators forward until stable.
	for changed := true; changed; {
		changed = false
		byLayer := groupByLayer(layerOf, n)
		for _, group := range byLayer {
			for a := 0; a < len(group); a++ {
				for b := a + 1; b < len(group); b++ {
					i, j := group[a], group[b]
					if conflicts(i, j) {
						layerOf[j] = layerOf[i] + 1
						changed = true
					}
				}
			}
		}
	}

	byLayer := groupByLayer(layerOf, n)
	maxLayer := 0
	for l := range byLayer {
		if l > maxLayer {
			maxLayer = l
		}
	}
	layers := make([]pipelineLayer, 0, maxLayer+1)
	for l := 0; l <= maxLayer; l++ {
		group := byLayer[l]
		sort.Ints(group)
		ms := make([]Mutator, 0, len(group))
		for _, idx := range group {
			ms = append(ms, mutators[idx])
		}
		layers = append(layers, pipelineLayer{mutators: ms})
	}
	return layers, nil
}

func groupByLayer(layerOf []int, n int) map[int][]int {
	out := make(map[int][]int)
	for i := 0; i < n; i++ {
		out[layerOf[i]] = append(out[layerOf[i]], i)
	}
	return out
}

type mutatorExecutionContext struct {
	repo     *Repository
	dt       time.Duration
	tick     uint64
	logger   Logger
	commands *CommandBuffer
}

func (c *mutatorExecutionContext) Repository() *Repository   { return c.repo }
func (c *mutatorExecutionContext) TimeDelta() time.Duration  { return c.dt }
func (c *mutatorExecutionContext) TickIndex() uint64         { return c.tick }
func (c *mutatorExecutionContext) Logger() Logger            { return c.logger }
func (c *mutatorExecutionContext) Defer(cmd Command)         { c.commands.Push(cmd) }

// SchedulerInterface is the only way a WorldScheduler observes its
// world's pipelines and children (spec.md §4.7): it can run one named
// pipeline, or recurse into every child world's own scheduler.
type SchedulerInterface interface {
	RunPipeline(ctx context.Context, name string, dt time.Duration) error
	UpdateAllChildren(ctx context.Context, dt time.Duration) error
}

// WorldScheduler is the per-world policy that sequences pipelines and
// child-world updates (spec.md Glossary).
type WorldScheduler interface {
	Update(ctx context.Context, dt time.Duration, iface SchedulerInterface) error
}
