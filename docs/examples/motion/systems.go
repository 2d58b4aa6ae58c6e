package motion

import (
	"context"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/venrik/keel"
	"github.com/venrik/keel/storage"
)

// volleyPalette cycles across spawned projectiles. Two values cover any
// volley size, which is what makes the interned store worthwhile.
var volleyPalette = []Material{
	{Tint: mgl64.Vec3{1, 0.4, 0.1}, Emissive: 2},
	{Tint: mgl64.Vec3{0.2, 0.6, 1}, Emissive: 1},
}

// SpawnSystem launches a ring of projectiles from the origin on a fixed
// cadence. Spawns go through the frame's command buffer and land at the
// barrier, so simulation systems in the same frame never see half-built
// entities.
type SpawnSystem struct {
	ids    componentIDs
	world  *keel.World
	router *keel.BindingRouter

	// Count projectiles per volley, Speed their launch velocity.
	Count int
	Speed float64

	// Materials, when set, receives an interned material per projectile.
	Materials *storage.Shared[Material]
}

func NewSpawnSystem(reg *keel.Registry, router *keel.BindingRouter) (*SpawnSystem, error) {
	ids, err := resolveIDs(reg)
	if err != nil {
		return nil, err
	}
	return &SpawnSystem{ids: ids, router: router, Count: 8, Speed: 12}, nil
}

func (s *SpawnSystem) Describe() keel.SystemDesc {
	return keel.SystemDesc{
		Name:     "spawn_volley",
		Group:    keel.FrameSetup,
		Writes:   []keel.ComponentID{s.ids.transform, s.ids.velocity, s.ids.render},
		RunEvery: keel.TickInterval{Every: 30},
	}
}

func (s *SpawnSystem) Init(_ context.Context, w *keel.World) error {
	s.world = w
	return nil
}

func (s *SpawnSystem) Run(_ context.Context, fr *keel.FrameContext) keel.Result {
	for i := 0; i < s.Count; i++ {
		angle := float64(i) / float64(s.Count) * 2 * math.Pi
		dir := mgl64.Vec3{math.Cos(angle), 0, math.Sin(angle)}
		mat := volleyPalette[i%len(volleyPalette)]
		err := fr.Buffer().Create(func(e keel.Entity) {
			_ = keel.Set(s.world, e, Transform{})
			_ = keel.Set(s.world, e, Velocity{Linear: dir.Mul(s.Speed), Damping: 0.1})
			_ = keel.Set(s.world, e, RenderState{})
			if s.Materials != nil {
				s.Materials.Set(e, mat)
			}
			if s.router != nil {
				_ = s.router.Attach(e, SpriteBinderName)
			}
		})
		if err != nil {
			return keel.Result{Err: err}
		}
	}
	return keel.Result{}
}

// IntegrateSystem advances transforms by one fixed step and rolls the
// render state forward so presentation can interpolate.
type IntegrateSystem struct {
	comps componentIDs
	query *keel.Query3[Transform, Velocity, RenderState]
}

func NewIntegrateSystem(reg *keel.Registry) (*IntegrateSystem, error) {
	comps, err := resolveIDs(reg)
	if err != nil {
		return nil, err
	}
	return &IntegrateSystem{comps: comps}, nil
}

func (s *IntegrateSystem) Describe() keel.SystemDesc {
	return keel.SystemDesc{
		Name:   "integrate",
		Group:  keel.Simulation,
		Writes: []keel.ComponentID{s.comps.transform, s.comps.velocity, s.comps.render},
	}
}

func (s *IntegrateSystem) Init(_ context.Context, w *keel.World) error {
	query, err := keel.NewQuery3[Transform, Velocity, RenderState](w)
	if err != nil {
		return err
	}
	s.query = query
	return nil
}

func (s *IntegrateSystem) Run(_ context.Context, fr *keel.FrameContext) keel.Result {
	dt := fr.TimeDelta().Seconds()
	s.query.Each(func(_ keel.Entity, t *Transform, v *Velocity, rs *RenderState) {
		rs.Previous = rs.Current
		t.Position = t.Position.Add(v.Linear.Mul(dt))
		rs.Current = t.Position
		decay := 1 - v.Damping*dt
		if decay < 0 {
			decay = 0
		}
		v.Linear = v.Linear.Mul(decay)
	})
	return keel.Result{}
}

// CullSystem destroys projectiles that leave the arena. Destruction is
// deferred to the barrier, so integrate and cull can share a frame safely.
type CullSystem struct {
	comps componentIDs
	query *keel.Query1[Transform]

	// Radius is the arena boundary.
	Radius float64

	// Materials, when set, is released for every culled projectile.
	Materials *storage.Shared[Material]
}

func NewCullSystem(reg *keel.Registry) (*CullSystem, error) {
	comps, err := resolveIDs(reg)
	if err != nil {
		return nil, err
	}
	return &CullSystem{comps: comps, Radius: 100}, nil
}

func (s *CullSystem) Describe() keel.SystemDesc {
	return keel.SystemDesc{
		Name:  "cull_escaped",
		Group: keel.Simulation,
		Reads: []keel.ComponentID{s.comps.transform},
		After: []string{"integrate"},
	}
}

func (s *CullSystem) Init(_ context.Context, w *keel.World) error {
	query, err := keel.NewQuery1[Transform](w)
	if err != nil {
		return err
	}
	s.query = query
	return nil
}

func (s *CullSystem) Run(_ context.Context, fr *keel.FrameContext) keel.Result {
	var err error
	s.query.Each(func(e keel.Entity, t *Transform) {
		if t.Position.Len() > s.Radius && err == nil {
			err = fr.Buffer().Destroy(e)
			if s.Materials != nil {
				s.Materials.Remove(e)
			}
		}
	})
	return keel.Result{Err: err}
}

// Pose is an interpolated transform sample handed to the display layer.
type Pose struct {
	Entity   keel.Entity
	Position mgl64.Vec3
}

// PresentSystem samples render states for display. The regular pass takes
// the current fixed-step pose; LateRun re-samples with the accumulator
// alpha for smooth rendering between steps.
type PresentSystem struct {
	comps componentIDs
	query *keel.Query1[RenderState]

	mu    sync.Mutex
	poses []Pose
}

func NewPresentSystem(reg *keel.Registry) (*PresentSystem, error) {
	comps, err := resolveIDs(reg)
	if err != nil {
		return nil, err
	}
	return &PresentSystem{comps: comps}, nil
}

func (s *PresentSystem) Describe() keel.SystemDesc {
	return keel.SystemDesc{
		Name:  "present",
		Group: keel.Presentation,
		Reads: []keel.ComponentID{s.comps.render},
	}
}

func (s *PresentSystem) Init(_ context.Context, w *keel.World) error {
	query, err := keel.NewQuery1[RenderState](w)
	if err != nil {
		return err
	}
	s.query = query
	return nil
}

func (s *PresentSystem) Run(_ context.Context, fr *keel.FrameContext) keel.Result {
	s.sample(fr.Alpha())
	return keel.Result{}
}

func (s *PresentSystem) LateRun(_ context.Context, _ *keel.FrameContext, alpha float64) keel.Result {
	s.sample(alpha)
	return keel.Result{}
}

func (s *PresentSystem) sample(alpha float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poses = s.poses[:0]
	s.query.Each(func(e keel.Entity, rs *RenderState) {
		blended := rs.Previous.Add(rs.Current.Sub(rs.Previous).Mul(alpha))
		s.poses = append(s.poses, Pose{Entity: e, Position: blended})
	})
}

// Poses returns the most recent interpolated samples.
func (s *PresentSystem) Poses() []Pose {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pose, len(s.poses))
	copy(out, s.poses)
	return out
}
