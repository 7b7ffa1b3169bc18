package simuniverse

import (
	"reflect"
	"testing"
)

// testIndexedStorage is a minimal map-backed IndexedStorage double, kept
// intentionally simple since these tests exercise migration, not indexing.
type testIndexedStorage struct {
	recordType reflect.Type
	records    map[uint32]any
	next       uint32
}

func newTestIndexedStorage(t reflect.Type) *testIndexedStorage {
	return &testIndexedStorage{recordType: t, records: make(map[uint32]any)}
}

func (s *testIndexedStorage) RecordType() reflect.Type { return s.recordType }
func (s *testIndexedStorage) Len() int                 { return len(s.records) }

func (s *testIndexedStorage) StageInsert(value any) RecordHandle {
	s.next++
	idx := s.next
	s.records[idx] = value
	return RecordHandleFromParts(idx, 1)
}

func (s *testIndexedStorage) StageDelete(handle RecordHandle) {
	delete(s.records, handle.Index())
}

func (s *testIndexedStorage) Get(handle RecordHandle) (any, bool) {
	v, ok := s.records[handle.Index()]
	return v, ok
}

func (s *testIndexedStorage) Set(handle RecordHandle, value any) bool {
	if _, ok := s.records[handle.Index()]; !ok {
		return false
	}
	s.records[handle.Index()] = value
	return true
}

func (s *testIndexedStorage) Sequence(fn func(RecordHandle, any) bool) {
	for idx, v := range s.records {
		if !fn(RecordHandleFromParts(idx, 1), v) {
			return
		}
	}
}

func (s *testIndexedStorage) FetchByValue(FieldPath, Operator, ...any) ([]RecordHandle, error) {
	return nil, nil
}
func (s *testIndexedStorage) FetchByHash(FieldPath, any) ([]RecordHandle, error) { return nil, nil }
func (s *testIndexedStorage) FetchBySpace(FieldPath, FieldPath, []float64, []float64) ([]RecordHandle, error) {
	return nil, nil
}
func (s *testIndexedStorage) Publish() {}

type testStrategy struct{}

func (testStrategy) Name() string { return "test-dense" }
func (testStrategy) NewIndexed(t reflect.Type, _ *RecordLayout) IndexedStorage {
	return newTestIndexedStorage(t)
}

type testCell struct{ value any }

func newTestCell() SingletonStorage           { return &testCell{} }
func (c *testCell) Get() any                  { return c.value }
func (c *testCell) Set(v any)                 { c.value = v }

// --- pre-migration record shapes ---

type counterV1 struct {
	Count int
}

type itemV1 struct {
	Name string
	HP   int
}

// --- post-migration record shapes ---

type counterV2 struct {
	Total int
}

type itemV2 struct {
	Name   string
	Health int
}

func preMigrationTypes() []TypeMeta {
	return []TypeMeta{
		{Name: "Counter", Type: reflect.TypeOf(counterV1{}), Classification: ClassificationSingleton},
		{
			Name:           "Item",
			Type:           reflect.TypeOf(itemV1{}),
			Classification: ClassificationIndexed,
			Fields:         []FieldMeta{{Name: "Name"}, {Name: "HP"}},
		},
		{Name: "Retired", Type: reflect.TypeOf(struct{ X int }{}), Classification: ClassificationSingleton},
	}
}

func postMigrationTypes() []TypeMeta {
	return []TypeMeta{
		{Name: "Counter", Type: reflect.TypeOf(counterV2{}), Classification: ClassificationSingleton, Fields: []FieldMeta{{Name: "Total", RenamedFrom: "Count"}}},
		{
			Name:           "Item",
			Type:           reflect.TypeOf(itemV2{}),
			Classification: ClassificationIndexed,
			Fields: []FieldMeta{
				{Name: "Name"},
				{Name: "Health", RenamedFrom: "HP"},
			},
		},
		// Retired is gone in the new version: its storage must be dropped.
	}
}

func newMigrationTestRepo(t *testing.T, reg ReflectionRegistry) *Repository {
	t.Helper()
	repo, err := NewRepository(reg)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	if err := repo.RegisterSingleton(reflect.TypeOf(counterV1{}), newTestCell()); err != nil {
		t.Fatalf("RegisterSingleton Counter: %v", err)
	}
	if err := repo.RegisterIndexed(reflect.TypeOf(itemV1{}), testStrategy{}); err != nil {
		t.Fatalf("RegisterIndexed Item: %v", err)
	}
	if err := repo.RegisterSingleton(reflect.TypeOf(struct{ X int }{}), newTestCell()); err != nil {
		t.Fatalf("RegisterSingleton Retired: %v", err)
	}
	return repo
}

func TestMigrationEngineRehomesRenamedSingletonField(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	repo := newMigrationTestRepo(t, reg)

	counter, _ := repo.singleton(reflect.TypeOf(counterV1{}))
	counter.Set(&counterV1{Count: 42})

	reg.bump(postMigrationTypes())

	strategies := map[reflect.Type]StorageStrategy{
		reflect.TypeOf(itemV2{}): testStrategy{},
	}
	engine := NewMigrationEngine(strategies, newTestCell)

	migrated, err := engine.Migrate(repo)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !migrated {
		t.Fatalf("expected migration to run")
	}

	newLayout, ok := repo.layouts.LayoutByName("Counter")
	if !ok {
		t.Fatalf("expected Counter layout after migration")
	}
	storage, ok := repo.singleton(newLayout.Type)
	if !ok {
		t.Fatalf("expected Counter singleton storage under new type")
	}
	got, ok := storage.Get().(*counterV2)
	if !ok {
		t.Fatalf("expected *counterV2, got %T", storage.Get())
	}
	if got.Total != 42 {
		t.Fatalf("expected Total carried over from Count, got %d", got.Total)
	}
}

func TestMigrationEngineRehomesIndexedRenamedField(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	repo := newMigrationTestRepo(t, reg)

	items, _ := repo.indexed(reflect.TypeOf(itemV1{}))
	h1 := items.StageInsert(&itemV1{Name: "sword", HP: 10})
	items.Set(h1, &itemV1{Name: "sword", HP: 10})
	h2 := items.StageInsert(&itemV1{Name: "shield", HP: 20})
	items.Set(h2, &itemV1{Name: "shield", HP: 20})

	reg.bump(postMigrationTypes())

	strategies := map[reflect.Type]StorageStrategy{
		reflect.TypeOf(itemV2{}): testStrategy{},
	}
	engine := NewMigrationEngine(strategies, newTestCell)

	if _, err := engine.Migrate(repo); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	newLayout, ok := repo.layouts.LayoutByName("Item")
	if !ok {
		t.Fatalf("expected Item layout after migration")
	}
	newStorage, ok := repo.indexed(newLayout.Type)
	if !ok {
		t.Fatalf("expected Item indexed storage under new type")
	}
	if newStorage.Len() != 2 {
		t.Fatalf("expected 2 migrated records, got %d", newStorage.Len())
	}

	seen := map[string]int{}
	newStorage.Sequence(func(_ RecordHandle, v any) bool {
		rec := v.(*itemV2)
		seen[rec.Name] = rec.Health
		return true
	})
	if seen["sword"] != 10 || seen["shield"] != 20 {
		t.Fatalf("expected Health carried over from HP, got %v", seen)
	}
}

func TestMigrationEngineDropsRemovedType(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	repo := newMigrationTestRepo(t, reg)

	reg.bump(postMigrationTypes())

	strategies := map[reflect.Type]StorageStrategy{
		reflect.TypeOf(itemV2{}): testStrategy{},
	}
	engine := NewMigrationEngine(strategies, newTestCell)

	if _, err := engine.Migrate(repo); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if _, ok := repo.layouts.LayoutByName("Retired"); ok {
		t.Fatalf("expected Retired layout to be gone after migration")
	}
	_, ok := repo.singleton(reflect.TypeOf(struct{ X int }{}))
	if ok {
		t.Fatalf("expected Retired storage to be dropped")
	}
}

func TestMigrationEngineNoopWhenVersionUnchanged(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	repo := newMigrationTestRepo(t, reg)

	engine := NewMigrationEngine(nil, newTestCell)
	migrated, err := engine.Migrate(repo)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated {
		t.Fatalf("expected no migration when registry version is unchanged")
	}
}

func TestMigrationEngineDropsIncompatibleIndexedRecordsAndContinues(t *testing.T) {
	type itemV3 struct {
		Name string
		HP   string // incompatible: was int
	}

	reg := newFakeRegistry(preMigrationTypes()...)
	repo := newMigrationTestRepo(t, reg)

	counter, _ := repo.singleton(reflect.TypeOf(counterV1{}))
	counter.Set(&counterV1{Count: 7})

	items, _ := repo.indexed(reflect.TypeOf(itemV1{}))
	h1 := items.StageInsert(&itemV1{Name: "sword", HP: 10})
	items.Set(h1, &itemV1{Name: "sword", HP: 10})
	h2 := items.StageInsert(&itemV1{Name: "shield", HP: 20})
	items.Set(h2, &itemV1{Name: "shield", HP: 20})

	reg.bump([]TypeMeta{
		{Name: "Counter", Type: reflect.TypeOf(counterV2{}), Classification: ClassificationSingleton, Fields: []FieldMeta{{Name: "Total", RenamedFrom: "Count"}}},
		{
			Name:           "Item",
			Type:           reflect.TypeOf(itemV3{}),
			Classification: ClassificationIndexed,
			Fields:         []FieldMeta{{Name: "Name"}, {Name: "HP"}},
		},
		preMigrationTypes()[2],
	})

	strategies := map[reflect.Type]StorageStrategy{reflect.TypeOf(itemV3{}): testStrategy{}}
	engine := NewMigrationEngine(strategies, newTestCell)

	migrated, err := engine.Migrate(repo)
	if err != nil {
		t.Fatalf("Migrate should drop incompatible records rather than abort: %v", err)
	}
	if !migrated {
		t.Fatalf("expected migration to run")
	}
	if got := engine.DroppedRecords(); got != 2 {
		t.Fatalf("expected both incompatible Item records dropped, got %d", got)
	}

	newLayout, ok := repo.layouts.LayoutByName("Item")
	if !ok {
		t.Fatalf("expected Item layout after migration")
	}
	newStorage, ok := repo.indexed(newLayout.Type)
	if !ok {
		t.Fatalf("expected Item indexed storage under new type")
	}
	if newStorage.Len() != 0 {
		t.Fatalf("expected 0 surviving Item records, got %d", newStorage.Len())
	}

	counterLayout, _ := repo.layouts.LayoutByName("Counter")
	counterStorage, _ := repo.singleton(counterLayout.Type)
	got, ok := counterStorage.Get().(*counterV2)
	if !ok {
		t.Fatalf("expected *counterV2, got %T", counterStorage.Get())
	}
	if got.Total != 7 {
		t.Fatalf("expected Counter to still migrate despite Item drops, got %d", got.Total)
	}
}

func TestMigrationEngineIncompatibleFieldTypeErrors(t *testing.T) {
	type counterV3 struct {
		Count string // incompatible: was int
	}

	reg := newFakeRegistry(preMigrationTypes()...)
	repo := newMigrationTestRepo(t, reg)

	counter, _ := repo.singleton(reflect.TypeOf(counterV1{}))
	counter.Set(&counterV1{Count: 1})

	reg.bump([]TypeMeta{
		{Name: "Counter", Type: reflect.TypeOf(counterV3{}), Classification: ClassificationSingleton},
		preMigrationTypes()[1],
		preMigrationTypes()[2],
	})

	engine := NewMigrationEngine(nil, newTestCell)
	_, err := engine.Migrate(repo)
	if err == nil {
		t.Fatalf("expected ErrPatchIncompatible for mismatched field type")
	}
}
