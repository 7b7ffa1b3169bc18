package simuniverse

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// MigrationEngine re-homes a repository's records when its
// ReflectionRegistry publishes a new Version (spec.md §4.8), porting the
// kan migration protocol: quiesce, build a per-type field-mapping plan
// matched by name (honoring renamed fields), and patch-apply into fresh
// storages. A singleton whose field plan is incompatible aborts the
// migration with ErrPatchIncompatible, since there is no partial result
// for a single record; an indexed record with an incompatible field
// plan is instead dropped with a logged diagnostic and counted
// (DroppedRecords), and migration continues with the rest of that
// type's records. The one-shot post-migration pipeline mentioned in
// spec.md §4.8 step 5 is the caller's responsibility (Universe.Tick
// runs it after Migrate succeeds) since running a pipeline needs a
// PipelineExecutor, which the engine itself has no reason to own.
type MigrationEngine struct {
	strategies   map[reflect.Type]StorageStrategy
	newSingleton func() SingletonStorage
	logger       Logger

	dropped atomic.Int64
}

// NewMigrationEngine builds an engine that uses strategies to allocate
// storage for newly appearing indexed types and newSingleton to allocate
// storage for newly appearing singleton types. A type missing from
// strategies but present in the new layout set cannot be migrated into
// and returns ErrPatchIncompatible.
func NewMigrationEngine(strategies map[reflect.Type]StorageStrategy, newSingleton func() SingletonStorage) *MigrationEngine {
	return &MigrationEngine{strategies: strategies, newSingleton: newSingleton, logger: noopLogger{}}
}

// SetLogger installs the logger used to report dropped-record
// diagnostics during indexed migration.
func (e *MigrationEngine) SetLogger(l Logger) {
	if l != nil {
		e.logger = l
	}
}

// DroppedRecords returns the total number of indexed records dropped
// across all migrations run by this engine because their field plan
// was ErrPatchIncompatible (spec.md §4.8 step 3, invariant 5).
func (e *MigrationEngine) DroppedRecords() int {
	return int(e.dropped.Load())
}

// Migrate runs the migration protocol against repo if its layouts are
// stale relative to the registry. Returns whether a migration ran.
func (e *MigrationEngine) Migrate(repo *Repository) (bool, error) {
	oldByName := repo.layouts.SnapshotByName()
	changed, err := repo.layouts.Refresh()
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	newByName := repo.layouts.SnapshotByName()

	for name, oldLayout := range oldByName {
		newLayout, stillExists := newByName[name]
		if !stillExists {
			e.dropType(repo, oldLayout)
			continue
		}
		if newLayout.Type == oldLayout.Type {
			continue
		}
		if err := e.migrateType(repo, oldLayout, newLayout); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (e *MigrationEngine) dropType(repo *Repository, layout *RecordLayout) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	switch layout.Classification {
	case ClassificationSingleton:
		delete(repo.singletons, layout.Type)
	case ClassificationIndexed:
		delete(repo.indexes, layout.Type)
	case ClassificationEvent:
		delete(repo.events, layout.Type)
	}
}

func (e *MigrationEngine) migrateType(repo *Repository, oldLayout, newLayout *RecordLayout) error {
	switch newLayout.Classification {
	case ClassificationSingleton:
		return e.migrateSingleton(repo, oldLayout, newLayout)
	case ClassificationIndexed:
		return e.migrateIndexed(repo, oldLayout, newLayout)
	case ClassificationEvent:
		// Events are transient queues; a version bump simply starts a
		// fresh, empty queue under the new type rather than attempting
		// to re-home in-flight events nobody has consumed yet.
		repo.mu.Lock()
		delete(repo.events, oldLayout.Type)
		repo.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: unknown classification for %s", ErrPatchIncompatible, newLayout.Name)
	}
}

func (e *MigrationEngine) migrateSingleton(repo *Repository, oldLayout, newLayout *RecordLayout) error {
	repo.mu.Lock()
	oldStorage, ok := repo.singletons[oldLayout.Type]
	repo.mu.Unlock()

	fresh := newLayout.New()
	if ok {
		old := oldStorage.Get()
		if err := patchRecord(old, fresh, newLayout); err != nil {
			return err
		}
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	delete(repo.singletons, oldLayout.Type)
	cell := e.newSingleton()
	cell.Set(fresh)
	repo.singletons[newLayout.Type] = cell
	return nil
}

func (e *MigrationEngine) migrateIndexed(repo *Repository, oldLayout, newLayout *RecordLayout) error {
	strategy := e.strategies[newLayout.Type]
	if strategy == nil {
		return fmt.Errorf("%w: no storage strategy registered for %s", ErrPatchIncompatible, newLayout.Name)
	}

	repo.mu.Lock()
	oldStorage, ok := repo.indexes[oldLayout.Type]
	repo.mu.Unlock()

	fresh := strategy.NewIndexed(newLayout.Type, newLayout)
	if ok {
		oldStorage.Sequence(func(_ RecordHandle, value any) bool {
			newRecord := newLayout.New()
			if err := patchRecord(value, newRecord, newLayout); err != nil {
				e.dropped.Add(1)
				e.logger.Error("dropping record: incompatible migration patch",
					"type", newLayout.Name, "err", err)
				return true
			}
			h := fresh.StageInsert(newRecord)
			fresh.Set(h, newRecord)
			return true
		})
		fresh.Publish()
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	delete(repo.indexes, oldLayout.Type)
	repo.indexes[newLayout.Type] = fresh
	return nil
}

// patchRecord copies every field old and new have in common into dst,
// matched by the new field's RenamedFrom metadata when one is declared
// and by identical name otherwise. A field present on the new layout with no
// corresponding source on old is left at its zero value; a field shared
// by name whose Go types are incompatible is a hard ErrPatchIncompatible
// since no conversion can be attempted without a kind-specific plan.
func patchRecord(oldRecord, newRecord any, newLayout *RecordLayout) error {
	oldVal := reflect.ValueOf(oldRecord)
	if oldVal.Kind() == reflect.Ptr {
		oldVal = oldVal.Elem()
	}
	newVal := reflect.ValueOf(newRecord)
	if newVal.Kind() == reflect.Ptr {
		newVal = newVal.Elem()
	}
	if !oldVal.IsValid() || !newVal.IsValid() {
		return nil
	}

	oldType := oldVal.Type()
	for i := 0; i < newVal.NumField(); i++ {
		nf := newVal.Type().Field(i)
		if !nf.IsExported() {
			continue
		}
		sourceName := nf.Name
		if from, ok := newLayout.fieldRenames[nf.Name]; ok {
			sourceName = from
		}
		sf, ok := oldType.FieldByName(sourceName)
		if !ok {
			continue
		}
		if sf.Type != nf.Type {
			return fmt.Errorf("%w: %s.%s is %s, source %s.%s is %s",
				ErrPatchIncompatible, newLayout.Name, nf.Name, nf.Type, oldType, sourceName, sf.Type)
		}
		newVal.Field(i).Set(oldVal.FieldByIndex(sf.Index))
	}
	return nil
}
