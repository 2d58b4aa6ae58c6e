// Profiling:
// go build ./profile/query
// go tool pprof -http=":8000" -nodefraction=0.001 ./query mem.pprof

package main

import (
	"github.com/pkg/profile"

	"github.com/venrik/keel"
)

type translation struct {
	X, Y, Z float64
}

type motion struct {
	DX, DY, DZ float64
}

func main() {
	rounds := 50
	iters := 10000
	entities := 1000
	p := profile.Start(profile.MemProfileAllocs, profile.ProfilePath("."), profile.NoShutdownHook)
	run(rounds, iters, entities)
	p.Stop()
}

func run(rounds, iters, numEntities int) {
	for r := 0; r < rounds; r++ {
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
			if err := keel.Set(world, e, motion{DX: 1, DY: 1, DZ: 1}); err != nil {
				panic(err)
			}
		}

		query, err := keel.NewQuery2[translation, motion](world)
		if err != nil {
			panic(err)
		}
		for n := 0; n < iters; n++ {
			query.Each(func(_ keel.Entity, t *translation, m *motion) {
				t.X += m.DX
				t.Y += m.DY
				t.Z += m.DZ
			})
		}
	}
}
