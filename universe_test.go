package simuniverse

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestNewUniverseCapturesInitialVersion(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	root, err := NewWorld("root", reg, nil)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	u := NewUniverse(root, reg, nil, "")
	if u.lastVersion != reg.Version() {
		t.Fatalf("expected lastVersion to match registry version at construction")
	}
	if u.Root() != root {
		t.Fatalf("expected Root() to return the constructed root world")
	}
}

func TestUniverseTickSkipsMigrationWhenVersionUnchanged(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	root, err := NewWorld("root", reg, nil, WithScheduler(NewTrivialScheduler("update")))
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	if err := root.Deploy(&Pipeline{Name: "update"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	engine := NewMigrationEngine(nil, newTestCell)
	u := NewUniverse(root, reg, engine, "")

	if err := u.Tick(context.Background(), 16*time.Millisecond); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

func TestUniverseTickRunsMigrationOnVersionBump(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	root, err := NewWorld("root", reg, nil, WithScheduler(NewTrivialScheduler("update")))
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	if err := root.Repository().RegisterSingleton(reflect.TypeOf(counterV1{}), newTestCell()); err != nil {
		t.Fatalf("RegisterSingleton: %v", err)
	}
	if err := root.Deploy(&Pipeline{Name: "update"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	strategies := map[reflect.Type]StorageStrategy{reflect.TypeOf(itemV2{}): testStrategy{}}
	engine := NewMigrationEngine(strategies, newTestCell)
	u := NewUniverse(root, reg, engine, "")

	reg.bump(postMigrationTypes())

	if err := u.Tick(context.Background(), 16*time.Millisecond); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if u.lastVersion != reg.Version() {
		t.Fatalf("expected lastVersion updated after migration")
	}
}

func TestUniverseRunTicksRepeatedly(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	root, err := NewWorld("root", reg, nil, WithScheduler(NewTrivialScheduler("update")))
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	if err := root.Deploy(&Pipeline{Name: "update"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	u := NewUniverse(root, reg, nil, "")

	if err := u.Run(context.Background(), 5, time.Millisecond); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if root.exec.TickIndex() != 5 {
		t.Fatalf("expected 5 ticks executed, got %d", root.exec.TickIndex())
	}
}

func TestUniverseShutdownDestroysRoot(t *testing.T) {
	reg := newFakeRegistry(preMigrationTypes()...)
	root, err := NewWorld("root", reg, nil)
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	if _, err := root.CreateChild("child", reg, nil); err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	u := NewUniverse(root, reg, nil, "")

	if err := u.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if len(root.Children()) != 0 {
		t.Fatalf("expected Shutdown to tear down children")
	}
}
