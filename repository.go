package simuniverse

import (
	"fmt"
	"reflect"
	"sync"
)

// Repository is one world's typed record store: the layout service, the
// three storage kinds, the Access Arbiter, the Query Engine, and the
// Automatic Event Router, wired together (spec.md §3 "World: owns one
// repository").
type Repository struct {
	layouts *LayoutService
	arbiter *AccessArbiter
	engine  *QueryEngine
	router  *EventRouter

	mu         sync.RWMutex
	singletons map[reflect.Type]SingletonStorage
	indexes    map[reflect.Type]IndexedStorage
	events     map[reflect.Type]EventStorage
}

// NewRepository constructs an empty repository bound to a reflection
// registry. Record storages are registered afterward via
// RegisterSingleton/RegisterIndexed/RegisterEvent, mirroring the
// teacher's "register component storage, then use it" sequencing
// (api.go's StorageProvider).
func NewRepository(registry ReflectionRegistry) (*Repository, error) {
	layouts, err := NewLayoutService(registry)
	if err != nil {
		return nil, err
	}
	repo := &Repository{
		layouts:    layouts,
		arbiter:    NewAccessArbiter(),
		router:     newEventRouter(),
		singletons: make(map[reflect.Type]SingletonStorage),
		indexes:    make(map[reflect.Type]IndexedStorage),
		events:     make(map[reflect.Type]EventStorage),
	}
	repo.engine = newQueryEngine(repo)
	return repo, nil
}

// Engine returns the repository's Query Engine.
func (r *Repository) Engine() *QueryEngine { return r.engine }

// Layouts returns the repository's Record Layout Service.
func (r *Repository) Layouts() *LayoutService { return r.layouts }

// RegisterSingleton attaches a singleton storage for t.
func (r *Repository) RegisterSingleton(t reflect.Type, storage SingletonStorage) error {
	if storage == nil {
		return ErrNilStorage
	}
	layout, ok := r.layouts.Layout(t)
	if !ok || layout.Classification != ClassificationSingleton {
		return fmt.Errorf("%w: %v is not a singleton type", ErrUnknownType, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.singletons[t]; exists {
		return ErrAlreadyRegistered
	}
	if storage.Get() == nil {
		storage.Set(layout.New())
	}
	r.singletons[t] = storage
	return nil
}

// RegisterIndexed attaches an indexed storage for t, built from
// strategy.
func (r *Repository) RegisterIndexed(t reflect.Type, strategy StorageStrategy) error {
	if strategy == nil {
		return ErrNilStorageStrategy
	}
	layout, ok := r.layouts.Layout(t)
	if !ok || layout.Classification != ClassificationIndexed {
		return fmt.Errorf("%w: %v is not an indexed type", ErrUnknownType, t)
	}
	storage := strategy.NewIndexed(t, layout)
	if storage == nil {
		return ErrNilStorage
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.indexes[t]; exists {
		return ErrAlreadyRegistered
	}
	r.indexes[t] = storage
	return nil
}

// RegisterEvent attaches an event storage for t.
func (r *Repository) RegisterEvent(t reflect.Type, storage EventStorage) error {
	if storage == nil {
		return ErrNilStorage
	}
	layout, ok := r.layouts.Layout(t)
	if !ok || layout.Classification != ClassificationEvent {
		return fmt.Errorf("%w: %v is not an event type", ErrUnknownType, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.events[t]; exists {
		return ErrAlreadyRegistered
	}
	r.events[t] = storage
	return nil
}

func (r *Repository) singleton(t reflect.Type) (SingletonStorage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.singletons[t]
	return s, ok
}

func (r *Repository) indexed(t reflect.Type) (IndexedStorage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.indexes[t]
	return s, ok
}

func (r *Repository) event(t reflect.Type) (EventStorage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.events[t]
	return s, ok
}

func (r *Repository) eventByType(t reflect.Type) (EventStorage, bool) {
	return r.event(t)
}

// RegisteredTypes returns every record type with an attached storage.
// The Migration Engine does not use it; it enumerates types from layout
// snapshots.
func (r *Repository) RegisteredTypes() []reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]reflect.Type, 0, len(r.singletons)+len(r.indexes)+len(r.events))
	for t := range r.singletons {
		types = append(types, t)
	}
	for t := range r.indexes {
		types = append(types, t)
	}
	for t := range r.events {
		types = append(types, t)
	}
	return types
}

// EndStep runs the structural-change phase for every indexed storage,
// whether or not it was touched this step: once the Access Arbiter reports the storage idle,
// staged inserts/deletes are published and indices refreshed (spec.md
// §4.2, §4.6 step 4). It also flushes every automatic event staged
// this step into its event storage, so neither structural changes nor
// router-emitted events are observable before the step boundary.
// Called by the scheduler when a pipeline layer drains.
func (r *Repository) EndStep() {
	r.mu.RLock()
	indexes := make(map[reflect.Type]IndexedStorage, len(r.indexes))
	for t, s := range r.indexes {
		indexes[t] = s
	}
	r.mu.RUnlock()

	for t, storage := range indexes {
		r.arbiter.BeginStructural(t)
		storage.Publish()
		r.arbiter.EndStructural(t)
	}

	r.router.flush()
}

// Shutdown runs reflected finalizers on every singleton and indexed
// record, per spec.md §4.7's post-order world teardown.
func (r *Repository) Shutdown() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t, s := range r.singletons {
		layout, ok := r.layouts.Layout(t)
		if !ok {
			continue
		}
		layout.Shutdown(s.Get())
	}
	for t, s := range r.indexes {
		layout, ok := r.layouts.Layout(t)
		if !ok {
			continue
		}
		s.Sequence(func(_ RecordHandle, record any) bool {
			layout.Shutdown(record)
			return true
		})
	}
}
