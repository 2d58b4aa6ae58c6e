package motion

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/venrik/keel"
	"github.com/venrik/keel/storage"
)

// RunExample wires the motion systems into a runtime and drives it the way
// a game host would: simulation on its own goroutine, the main goroutine
// pumping display work through the gate.
func RunExample() {
	reg := keel.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}

	cfg := keel.DefaultConfig()
	cfg.Runner.FixedStep = keel.Duration(16 * time.Millisecond)
	cfg.Logging.Level = "warn"

	rt, err := keel.NewRuntime(reg, cfg, keel.WithMainThreadBinders())
	if err != nil {
		panic(err)
	}
	if err := rt.Router().Hub().RegisterFactory(SpriteContext, NewSpriteFactory()); err != nil {
		panic(err)
	}

	binder, err := NewSpriteBinder(reg)
	if err != nil {
		panic(err)
	}
	if err := rt.RegisterBinder(binder); err != nil {
		panic(err)
	}

	materials := storage.NewShared[Material]()

	spawn, err := NewSpawnSystem(reg, rt.Router())
	if err != nil {
		panic(err)
	}
	spawn.Materials = materials
	integrate, err := NewIntegrateSystem(reg)
	if err != nil {
		panic(err)
	}
	cull, err := NewCullSystem(reg)
	if err != nil {
		panic(err)
	}
	cull.Materials = materials
	present, err := NewPresentSystem(reg)
	if err != nil {
		panic(err)
	}
	for _, sys := range []keel.System{spawn, integrate, cull, present} {
		if err := rt.RegisterSystem(sys); err != nil {
			panic(err)
		}
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		panic(err)
	}

	// Simulation goroutine: fixed steps plus an interpolated late pass,
	// 120 frames at a 16ms cadence.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 120; i++ {
			if _, err := rt.FixedFrame(ctx, 16*time.Millisecond); err != nil {
				panic(err)
			}
			if err := rt.LateFrame(ctx); err != nil {
				panic(err)
			}
		}
	}()

	// Main goroutine: this is where binder applies actually run.
	for running := true; running; {
		rt.Pump()
		select {
		case <-done:
			running = false
		default:
			time.Sleep(time.Millisecond)
		}
	}
	rt.Pump()

	fmt.Printf("sprites on screen: %d\n", binder.Visible())
	stats := materials.Stats()
	fmt.Printf("materials: %d projectiles sharing %d interned values\n",
		stats.EntityCount, stats.UniqueValueCount)
	poses := present.Poses()
	for i, pose := range poses {
		if i == 3 {
			break
		}
		fmt.Printf("  %v at %v\n", pose.Entity, pose.Position)
	}

	if err := rt.Shutdown(ctx); err != nil {
		panic(err)
	}
}

// ExampleSnapshotRoundTrip saves a world, registers a migration, and shows
// the migration running exactly once when the old save is restored.
func ExampleSnapshotRoundTrip() {
	reg := keel.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	world, err := keel.NewWorld(reg)
	if err != nil {
		panic(err)
	}

	for i := 0; i < 5; i++ {
		e := world.CreateEntity()
		if err := keel.Set(world, e, Transform{}); err != nil {
			panic(err)
		}
		if err := keel.Set(world, e, Velocity{Damping: 0.1}); err != nil {
			panic(err)
		}
	}

	var save bytes.Buffer
	if err := world.Snapshot(&save); err != nil {
		panic(err)
	}
	fmt.Printf("snapshot size: %d bytes\n", save.Len())

	// A later build decides damping was tuned wrong in old saves and
	// migrates them forward. Saves taken after this registration carry
	// revision 1 and skip it.
	err = keel.RegisterMigration(reg, keel.Migration{
		Order:     1,
		Component: StableVelocity,
		Apply: func(w *keel.World, _ *zap.Logger) error {
			q, err := keel.NewQuery1[Velocity](w)
			if err != nil {
				return err
			}
			q.Each(func(_ keel.Entity, v *Velocity) { v.Damping *= 2 })
			return nil
		},
	})
	if err != nil {
		panic(err)
	}

	restored, err := keel.NewWorld(reg)
	if err != nil {
		panic(err)
	}
	if err := restored.Restore(bytes.NewReader(save.Bytes())); err != nil {
		panic(err)
	}

	q, err := keel.NewQuery1[Velocity](restored)
	if err != nil {
		panic(err)
	}
	q.Each(func(e keel.Entity, v *Velocity) {
		fmt.Printf("%v damping after migration: %.1f\n", e, v.Damping)
	})
}
