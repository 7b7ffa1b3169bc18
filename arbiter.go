package simuniverse

import (
	"reflect"
	"sync"
)

// storageAccess tracks outstanding accesses for one storage (spec.md
// §4.3). Unlike the teacher's work-group-level conflict detection
// (validated once at registration time in scheduler_impl.go), this
// counts live accesses at runtime so arbitrary mutators — not just
// pipeline layers — can safely interleave.
type storageAccess struct {
	mu                     sync.Mutex
	cond                   *sync.Cond
	readers                int
	writers                int
	writersWaiting         int
	structuralChangePending bool
}

func newStorageAccess() *storageAccess {
	sa := &storageAccess{}
	sa.cond = sync.NewCond(&sa.mu)
	return sa
}

// AccessArbiter gates reads, writes, and structural changes per storage,
// enforcing §4.3's rules: a single writer at a time, readers excluded
// while a writer holds or waits, and structural changes only permitted
// once a storage is fully quiesced.
type AccessArbiter struct {
	mu    sync.Mutex
	table map[reflect.Type]*storageAccess
}

// NewAccessArbiter constructs an empty arbiter; entries are created
// lazily per storage on first access.
func NewAccessArbiter() *AccessArbiter {
	return &AccessArbiter{table: make(map[reflect.Type]*storageAccess)}
}

func (a *AccessArbiter) entry(t reflect.Type) *storageAccess {
	a.mu.Lock()
	defer a.mu.Unlock()
	sa, ok := a.table[t]
	if !ok {
		sa = newStorageAccess()
		a.table[t] = sa
	}
	return sa
}

// ReadAcquire blocks until no writer holds or is waiting on t, then
// registers a reader.
func (a *AccessArbiter) ReadAcquire(t reflect.Type) {
	sa := a.entry(t)
	sa.mu.Lock()
	for sa.writers > 0 || sa.writersWaiting > 0 || sa.structuralChangePending {
		sa.cond.Wait()
	}
	sa.readers++
	sa.mu.Unlock()
}

// WriteAcquire blocks until no reader or writer holds t, then registers
// the single writer. Fairness: once a writer is waiting, new readers are
// blocked by the writersWaiting check above, so writers never starve.
func (a *AccessArbiter) WriteAcquire(t reflect.Type) {
	sa := a.entry(t)
	sa.mu.Lock()
	sa.writersWaiting++
	for sa.readers > 0 || sa.writers > 0 || sa.structuralChangePending {
		sa.cond.Wait()
	}
	sa.writersWaiting--
	sa.writers++
	sa.mu.Unlock()
}

// ReadRelease releases one outstanding reader on t.
func (a *AccessArbiter) ReadRelease(t reflect.Type) {
	sa := a.entry(t)
	sa.mu.Lock()
	if sa.readers == 0 {
		sa.mu.Unlock()
		fatalf("read-release on %v with no outstanding readers", t)
	}
	sa.readers--
	sa.cond.Broadcast()
	sa.mu.Unlock()
}

// WriteRelease releases the outstanding writer on t.
func (a *AccessArbiter) WriteRelease(t reflect.Type) {
	sa := a.entry(t)
	sa.mu.Lock()
	if sa.writers == 0 {
		sa.mu.Unlock()
		fatalf("write-release on %v with no outstanding writer", t)
	}
	sa.writers--
	sa.cond.Broadcast()
	sa.mu.Unlock()
}

// Idle reports whether t currently has zero outstanding readers and
// writers — the precondition for structural changes and for the event
// router's step-boundary diffing (spec.md §4.3, §4.5).
func (a *AccessArbiter) Idle(t reflect.Type) bool {
	sa := a.entry(t)
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.readers == 0 && sa.writers == 0
}

// BeginStructural marks t as pending a structural change, blocking new
// acquires, and waits until the storage is idle. Call EndStructural when
// the change (insert publish, delete compaction, index rebuild, or
// migration) is complete.
func (a *AccessArbiter) BeginStructural(t reflect.Type) {
	sa := a.entry(t)
	sa.mu.Lock()
	sa.structuralChangePending = true
	for sa.readers > 0 || sa.writers > 0 {
		sa.cond.Wait()
	}
	sa.mu.Unlock()
}

// EndStructural clears the structural-change-pending bit and wakes
// blocked acquirers.
func (a *AccessArbiter) EndStructural(t reflect.Type) {
	sa := a.entry(t)
	sa.mu.Lock()
	sa.structuralChangePending = false
	sa.cond.Broadcast()
	sa.mu.Unlock()
}
