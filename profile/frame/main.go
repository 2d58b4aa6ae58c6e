// Profiling:
// go build ./profile/frame
// go tool pprof -http=":8000" -nodefraction=0.001 ./frame cpu.pprof

package main

import (
	"context"
	"time"

	"github.com/pkg/profile"

	"github.com/venrik/keel"
)

type translation struct {
	X, Y float64
}

type motion struct {
	DX, DY float64
}

type moveSystem struct {
	query *keel.Query2[translation, motion]
}

func (s *moveSystem) Describe() keel.SystemDesc {
	return keel.SystemDesc{Name: "move", Group: keel.Simulation}
}

func (s *moveSystem) Init(_ context.Context, w *keel.World) error {
	query, err := keel.NewQuery2[translation, motion](w)
	if err != nil {
		return err
	}
	s.query = query
	return nil
}

func (s *moveSystem) Run(_ context.Context, fr *keel.FrameContext) keel.Result {
	dt := fr.TimeDelta().Seconds()
	s.query.Each(func(_ keel.Entity, t *translation, m *motion) {
		t.X += m.DX * dt
		t.Y += m.DY * dt
	})
	return keel.Result{}
}

// churnSystem stresses the command buffer and barrier path: every frame it
// destroys last frame's spawns and defers a fresh batch.
type churnSystem struct {
	world   *keel.World
	spawned []keel.Entity
}

func (s *churnSystem) Describe() keel.SystemDesc {
	return keel.SystemDesc{Name: "churn", Group: keel.Simulation}
}

func (s *churnSystem) Run(_ context.Context, fr *keel.FrameContext) keel.Result {
	buf := fr.Buffer()
	for _, e := range s.spawned {
		if err := buf.Destroy(e); err != nil {
			return keel.Result{Err: err}
		}
	}
	s.spawned = s.spawned[:0]
	for i := 0; i < 64; i++ {
		err := buf.Create(func(e keel.Entity) {
			s.spawned = append(s.spawned, e)
			_ = keel.Set(s.world, e, translation{})
			_ = keel.Set(s.world, e, motion{DX: 1, DY: 1})
		})
		if err != nil {
			return keel.Result{Err: err}
		}
	}
	return keel.Result{}
}

func main() {
	frames := 20000
	entities := 10000
	p := profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	run(frames, entities)
	p.Stop()
}

func run(frames, numEntities int) {
	reg := keel.NewRegistry()
	if _, err := keel.RegisterComponent[translation](reg, 1); err != nil {
		panic(err)
	}
	if _, err := keel.RegisterComponent[motion](reg, 2); err != nil {
		panic(err)
	}
	world, err := keel.NewWorld(reg, keel.WithInitialCapacity(numEntities))
	if err != nil {
		panic(err)
	}
	for i := 0; i < numEntities; i++ {
		e := world.CreateEntity()
		if err := keel.Set(world, e, translation{}); err != nil {
			panic(err)
		}
		if err := keel.Set(world, e, motion{DX: 1, DY: 1}); err != nil {
			panic(err)
		}
	}

	planner := keel.NewPlanner(world)
	if err := planner.Register(&moveSystem{}); err != nil {
		panic(err)
	}
	if err := planner.Register(&churnSystem{world: world}); err != nil {
		panic(err)
	}
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		panic(err)
	}

	ctx := context.Background()
	if err := runner.Initialize(ctx); err != nil {
		panic(err)
	}
	for i := 0; i < frames; i++ {
		if err := runner.Frame(ctx, 16*time.Millisecond); err != nil {
			panic(err)
		}
	}
}
