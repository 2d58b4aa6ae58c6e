package keel_test

import (
	"errors"
	"testing"

	"github.com/venrik/keel"
)

type position struct{ X, Y float64 }

type velocity struct{ DX, DY float64 }

type health struct{ HP, Max int32 }

type label struct{ Text string }

const (
	stablePosition keel.StableID = 1
	stableVelocity keel.StableID = 2
	stableHealth   keel.StableID = 3
	stableLabel    keel.StableID = 4
)

func registerTestComponents(t *testing.T, reg *keel.Registry) {
	t.Helper()
	if _, err := keel.RegisterComponent[position](reg, stablePosition); err != nil {
		t.Fatalf("register position: %v", err)
	}
	if _, err := keel.RegisterComponent[velocity](reg, stableVelocity); err != nil {
		t.Fatalf("register velocity: %v", err)
	}
	if _, err := keel.RegisterComponent[health](reg, stableHealth); err != nil {
		t.Fatalf("register health: %v", err)
	}
	if _, err := keel.RegisterComponent[label](reg, stableLabel); err != nil {
		t.Fatalf("register label: %v", err)
	}
}

func newTestWorld(t *testing.T, opts ...keel.WorldOption) *keel.World {
	t.Helper()
	reg := keel.NewRegistry()
	registerTestComponents(t, reg)
	world, err := keel.NewWorld(reg, opts...)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	return world
}

func componentID[T any](t *testing.T, world *keel.World) keel.ComponentID {
	t.Helper()
	id, ok := keel.IDOf[T](world.Registry())
	if !ok {
		t.Fatalf("component not registered")
	}
	return id
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	reg := keel.NewRegistry()
	if _, err := keel.RegisterComponent[position](reg, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := keel.RegisterComponent[position](reg, 2)
	if !errors.Is(err, keel.ErrDuplicateComponent) {
		t.Fatalf("expected duplicate component error, got %v", err)
	}
}

func TestRegistryRejectsDuplicateStableID(t *testing.T) {
	reg := keel.NewRegistry()
	if _, err := keel.RegisterComponent[position](reg, 7); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := keel.RegisterComponent[velocity](reg, 7)
	if !errors.Is(err, keel.ErrDuplicateComponent) {
		t.Fatalf("expected duplicate stable id error, got %v", err)
	}
}

func TestRegistrySealsAtWorldBuild(t *testing.T) {
	reg := keel.NewRegistry()
	if _, err := keel.RegisterComponent[position](reg, 1); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := keel.NewWorld(reg); err != nil {
		t.Fatalf("new world: %v", err)
	}
	_, err := keel.RegisterComponent[velocity](reg, 2)
	if !errors.Is(err, keel.ErrRegistrySealed) {
		t.Fatalf("expected sealed registry error, got %v", err)
	}
}

func TestWorldCreateAndDestroy(t *testing.T) {
	world := newTestWorld(t)

	a := world.CreateEntity()
	b := world.CreateEntity()
	if a == b {
		t.Fatalf("expected unique handles, got %v twice", a)
	}
	if world.Alive() != 2 {
		t.Fatalf("expected 2 live entities, got %d", world.Alive())
	}
	if !world.IsAlive(a) || !world.IsAlive(b) {
		t.Fatalf("expected entities to be alive")
	}

	if err := world.DestroyEntity(a); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if world.IsAlive(a) {
		t.Fatalf("handle should be stale after destroy")
	}
	if world.Alive() != 1 {
		t.Fatalf("expected 1 live entity, got %d", world.Alive())
	}

	if err := world.DestroyEntity(a); !errors.Is(err, keel.ErrDeadEntity) {
		t.Fatalf("expected dead entity error, got %v", err)
	}
}

func TestWorldComponentRoundTrip(t *testing.T) {
	world := newTestWorld(t)
	e := world.CreateEntity()

	if err := keel.Set(world, e, position{X: 1, Y: 2}); err != nil {
		t.Fatalf("set position: %v", err)
	}
	if !keel.Has[position](world, e) {
		t.Fatalf("expected position present")
	}
	p, ok := keel.Get[position](world, e)
	if !ok || p.X != 1 || p.Y != 2 {
		t.Fatalf("unexpected position: %+v ok=%v", p, ok)
	}

	// Pointers write through to the pool.
	p.X = 10
	p2, _ := keel.Get[position](world, e)
	if p2.X != 10 {
		t.Fatalf("expected write-through, got %+v", p2)
	}

	if err := keel.Remove[position](world, e); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if keel.Has[position](world, e) {
		t.Fatalf("position should be removed")
	}
	if err := keel.Remove[position](world, e); err != nil {
		t.Fatalf("removing absent component should be a no-op, got %v", err)
	}
}

func TestWorldBoxedAccess(t *testing.T) {
	world := newTestWorld(t)
	e := world.CreateEntity()
	id := componentID[health](t, world)

	if err := world.SetID(e, id, health{HP: 40, Max: 100}); err != nil {
		t.Fatalf("set by id: %v", err)
	}
	if !world.HasID(e, id) {
		t.Fatalf("expected component by id")
	}
	v, ok := world.GetID(e, id)
	if !ok {
		t.Fatalf("expected boxed value")
	}
	if got := v.(health); got.HP != 40 || got.Max != 100 {
		t.Fatalf("unexpected boxed value: %+v", got)
	}

	if err := world.SetID(e, id, "not a health"); err == nil {
		t.Fatalf("expected type mismatch to fail")
	}

	if err := world.RemoveID(e, id); err != nil {
		t.Fatalf("remove by id: %v", err)
	}
	if world.HasID(e, id) {
		t.Fatalf("component should be removed")
	}
	if got := world.NameOf(id); got != "keel_test.health" {
		t.Fatalf("unexpected component name: %q", got)
	}
}

func TestWorldRejectsWritesToDeadEntity(t *testing.T) {
	world := newTestWorld(t)
	e := world.CreateEntity()
	if err := world.DestroyEntity(e); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	if err := keel.Set(world, e, position{}); !errors.Is(err, keel.ErrDeadEntity) {
		t.Fatalf("expected dead entity error on set, got %v", err)
	}
	if err := keel.Remove[position](world, e); !errors.Is(err, keel.ErrDeadEntity) {
		t.Fatalf("expected dead entity error on remove, got %v", err)
	}
	if _, ok := keel.Get[position](world, e); ok {
		t.Fatalf("expected no component on dead entity")
	}
}

func TestWorldDestroyDropsComponents(t *testing.T) {
	world := newTestWorld(t)
	e := world.CreateEntity()
	if err := keel.Set(world, e, position{X: 5}); err != nil {
		t.Fatalf("set position: %v", err)
	}
	if err := keel.Set(world, e, label{Text: "scout"}); err != nil {
		t.Fatalf("set label: %v", err)
	}
	if err := world.DestroyEntity(e); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	// The recycled handle must not inherit the old entity's components.
	reborn := world.CreateEntity()
	if reborn.Index() != e.Index() {
		t.Fatalf("expected index %d to be recycled, got %d", e.Index(), reborn.Index())
	}
	if keel.Has[position](world, reborn) || keel.Has[label](world, reborn) {
		t.Fatalf("recycled entity inherited components")
	}
}

func TestWorldCreateEntityAt(t *testing.T) {
	world := newTestWorld(t)

	e, err := world.CreateEntityAt(4)
	if err != nil {
		t.Fatalf("create at: %v", err)
	}
	if e.Index() != 4 {
		t.Fatalf("expected index 4, got %d", e.Index())
	}
	if _, err := world.CreateEntityAt(4); err == nil {
		t.Fatalf("expected occupied index to fail")
	}

	// Indices opened by the gap are recyclable.
	filler := world.CreateEntity()
	if filler.Index() >= 4 {
		t.Fatalf("expected gap index, got %d", filler.Index())
	}
}

func TestWorldInitialCapacity(t *testing.T) {
	world := newTestWorld(t, keel.WithInitialCapacity(128))
	if world.Capacity() < 128 {
		t.Fatalf("expected capacity >= 128, got %d", world.Capacity())
	}

	stepped := newTestWorld(t, keel.WithGrowth(keel.StepBy(16)))
	for i := 0; i < 40; i++ {
		stepped.CreateEntity()
	}
	if stepped.Alive() != 40 {
		t.Fatalf("expected 40 live entities, got %d", stepped.Alive())
	}
}

func TestWorldRequiresRegistry(t *testing.T) {
	if _, err := keel.NewWorld(nil); err == nil {
		t.Fatalf("expected nil registry to fail")
	}
}
