package simuniverse

import "sync"

// CommandBuffer is the per-mutator deferred-write queue an
// ExecutionContext.Defer call lands in (scheduler.go's
// mutatorExecutionContext.commands): a mutator runs against a
// read/write binding set resolved before the step started, so any
// structural change (insert, delete, cross-record write outside its
// declared bindings) it wants to make is queued here instead of
// applied in place, and the scheduler drains and applies the queue
// once the mutator returns. Snapshot/Restore let the scheduler roll a
// buffer back to the state it had before a failed attempt when a
// pipeline's ErrorPolicy is ErrorPolicyRetry, so a retried mutator
// never replays commands queued by the attempt that failed.
type CommandBuffer struct {
	queued []Command
}

// NewCommandBuffer creates an empty buffer.
func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{}
}

// Len reports how many commands are currently queued.
func (b *CommandBuffer) Len() int {
	return len(b.queued)
}

// Push queues cmd for application once the current mutator returns.
// A nil command is a no-op, so mutators can push conditionally without
// an extra branch.
func (b *CommandBuffer) Push(cmd Command) {
	if cmd == nil {
		return
	}
	b.queued = append(b.queued, cmd)
}

// Drain hands back every queued command and empties the buffer.
func (b *CommandBuffer) Drain() []Command {
	out := b.queued
	b.queued = nil
	return out
}

// Snapshot returns a marker for the buffer's current length, to be
// passed to Restore if the in-flight attempt that pushed commands
// since this call needs to be undone.
func (b *CommandBuffer) Snapshot() int {
	return len(b.queued)
}

// Restore discards every command pushed after snapshot was taken,
// used when a retried mutator attempt must not leave behind the
// partial work of a failed prior attempt.
func (b *CommandBuffer) Restore(snapshot int) {
	if snapshot < 0 {
		snapshot = 0
	}
	if snapshot >= len(b.queued) {
		return
	}
	b.queued = b.queued[:snapshot]
}

// CommandBufferPool recycles CommandBuffers across mutator runs so a
// busy pipeline layer doesn't allocate one per mutator per tick.
type CommandBufferPool struct {
	pool sync.Pool
}

// NewCommandBufferPool constructs a pool that allocates fresh buffers
// on demand.
func NewCommandBufferPool() *CommandBufferPool {
	p := &CommandBufferPool{}
	p.pool.New = func() any { return NewCommandBuffer() }
	return p
}

// Get retrieves a buffer from the pool, allocating one if none is idle.
func (p *CommandBufferPool) Get() *CommandBuffer {
	return p.pool.Get().(*CommandBuffer)
}

// Put clears buf and returns it to the pool.
func (p *CommandBufferPool) Put(buf *CommandBuffer) {
	if buf == nil {
		return
	}
	buf.Drain()
	p.pool.Put(buf)
}
