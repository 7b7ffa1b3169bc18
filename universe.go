package simuniverse

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Universe is the top of the world tree: it owns the root world, watches
// the shared ReflectionRegistry for version bumps, and runs the
// Migration Engine across every world before resuming ticking (spec.md
// §4.7, §4.8).
type Universe struct {
	ID       uuid.UUID
	registry ReflectionRegistry
	root     *World
	engine   *MigrationEngine

	lastVersion    uint64
	migrationPipeline string
}

// NewUniverse constructs a universe with a root world, bound to
// registry. migrationPipeline names the one-shot pipeline re-run after a
// successful migration (spec.md §4.8 step 5); pass "" to skip it.
func NewUniverse(root *World, registry ReflectionRegistry, engine *MigrationEngine, migrationPipeline string) *Universe {
	return &Universe{
		ID:                uuid.New(),
		registry:          registry,
		root:              root,
		engine:            engine,
		lastVersion:       registry.Version(),
		migrationPipeline: migrationPipeline,
	}
}

// Root returns the universe's root world.
func (u *Universe) Root() *World { return u.root }

// Tick advances the universe by one frame: if the registry published a
// new version since the last tick, every world in the tree is migrated
// before the root scheduler runs (spec.md §4.8's "triggered on
// reflection-registry version bump").
func (u *Universe) Tick(ctx context.Context, dt time.Duration) error {
	if v := u.registry.Version(); v != u.lastVersion {
		if err := u.migrateTree(ctx, u.root); err != nil {
			return err
		}
		u.lastVersion = v
	}
	return u.root.Update(ctx, dt)
}

func (u *Universe) migrateTree(ctx context.Context, w *World) error {
	if u.engine != nil {
		migrated, err := u.engine.Migrate(w.Repository())
		if err != nil {
			return err
		}
		if migrated && u.migrationPipeline != "" {
			if err := w.RunPipeline(ctx, u.migrationPipeline, 0); err != nil {
				return err
			}
		}
	}
	for _, child := range w.Children() {
		if err := u.migrateTree(ctx, child); err != nil {
			return err
		}
	}
	return nil
}

// Run ticks the universe steps times with a fixed dt, a convenience
// generalized from the teacher's Scheduler.Run helper.
func (u *Universe) Run(ctx context.Context, steps int, dt time.Duration) error {
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := u.Tick(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown tears down the entire world tree (spec.md §4.7's
// destroy-world operation, applied from the root).
func (u *Universe) Shutdown() error {
	return u.root.Destroy()
}
