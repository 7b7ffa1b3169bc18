package simuniverse

import (
	"context"
	"sync"
)

// JobSystem is the external parallel task backend consumed by the
// Mutator Scheduler (spec.md §6): submit a task, wait for a task,
// release a task handle. Tasks are non-reentrant.
type JobSystem interface {
	Submit(ctx context.Context, fn func(context.Context) JobResult) JobHandle
	Close()
}

// JobHandle references one submitted task.
type JobHandle interface {
	Wait() JobResult
}

// JobResult is what a submitted task returns: an error (if the mutator
// failed) and the list of deferred commands it accumulated.
type JobResult struct {
	Err      error
	Commands []Command
}

// defaultJobSystem is a fixed-size worker pool, ported from the
// teacher's worker_pool.go channel-based design: a closeable job queue
// serviced by N goroutines, with graceful degradation to synchronous
// execution when size is zero (used for the synchronous scheduler
// layers, which never need the pool at all).
type defaultJobSystem struct {
	size   int
	jobs   chan jobRequest
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type jobRequest struct {
	ctx    context.Context
	fn     func(context.Context) JobResult
	result chan JobResult
}

// NewJobSystem constructs a job system with size worker goroutines. A
// non-positive size returns a nil JobSystem; the scheduler's
// submitOrInline runs jobs inline when its job system is nil.
func NewJobSystem(size int) JobSystem {
	if size <= 0 {
		return nil
	}
	p := &defaultJobSystem{
		size:   size,
		jobs:   make(chan jobRequest),
		closed: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *defaultJobSystem) worker() {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.execute(job)
		case <-p.closed:
			return
		}
	}
}

func (p *defaultJobSystem) execute(job jobRequest) {
	defer close(job.result)
	select {
	case <-job.ctx.Done():
		job.result <- JobResult{Err: job.ctx.Err()}
	default:
		job.result <- job.fn(job.ctx)
	}
}

func (p *defaultJobSystem) Submit(ctx context.Context, fn func(context.Context) JobResult) JobHandle {
	if fn == nil {
		return syncHandle(JobResult{})
	}
	if p == nil {
		return syncHandle(fn(ctx))
	}
	result := make(chan JobResult, 1)
	job := jobRequest{ctx: ctx, fn: fn, result: result}
	select {
	case <-p.closed:
		result <- JobResult{Err: ErrJobSystemClosed}
		close(result)
		return &poolHandle{result: result}
	case <-ctx.Done():
		result <- JobResult{Err: ctx.Err()}
		close(result)
		return &poolHandle{result: result}
	default:
	}
	if safeSendJob(p.jobs, job) {
		return &poolHandle{result: result}
	}
	result <- JobResult{Err: ErrJobSystemClosed}
	close(result)
	return &poolHandle{result: result}
}

func (p *defaultJobSystem) Close() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		close(p.closed)
		close(p.jobs)
	})
	p.wg.Wait()
}

type poolHandle struct {
	result chan JobResult
}

func (h *poolHandle) Wait() JobResult {
	res, ok := <-h.result
	if !ok {
		return JobResult{}
	}
	return res
}

type syncHandle JobResult

func (h syncHandle) Wait() JobResult { return JobResult(h) }

func safeSendJob(ch chan jobRequest, job jobRequest) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ch <- job
	return true
}
