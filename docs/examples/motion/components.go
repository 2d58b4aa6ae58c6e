// Package motion is a worked example: a small ballistic simulation on a
// fixed timestep, with interpolated presentation and a binder that mirrors
// transforms out to a display layer. It exercises most of the runtime
// surface in one place: registry, planner groups, command buffers, the
// binding router, contexts and snapshots.
package motion

import (
	"github.com/go-gl/mathgl/mgl64"

	"github.com/venrik/keel"
)

// Stable ids end up in snapshots, so they are spelled out rather than
// derived from registration order.
const (
	StableTransform   = keel.StableID(1)
	StableVelocity    = keel.StableID(2)
	StableRenderState = keel.StableID(3)
)

// Transform is the simulated pose, advanced only inside fixed steps.
type Transform struct {
	Position mgl64.Vec3
}

// Velocity drives integration. Damping is a per-second decay factor.
type Velocity struct {
	Linear  mgl64.Vec3
	Damping float64
}

// RenderState keeps the previous and current fixed-step poses so the
// presentation pass can blend between them with the accumulator alpha.
type RenderState struct {
	Previous mgl64.Vec3
	Current  mgl64.Vec3
}

// Material holds display parameters shared across whole volleys. It lives
// in a storage.Shared store rather than a registered pool: every projectile
// referencing equal parameters shares one interned value, so a thousand
// in-flight shots cost two Materials, not a thousand.
type Material struct {
	Tint     mgl64.Vec3
	Emissive float64
}

// Register adds the motion components to reg. Call it before building the
// world or runtime.
func Register(reg *keel.Registry) error {
	if _, err := keel.RegisterComponent[Transform](reg, StableTransform); err != nil {
		return err
	}
	if _, err := keel.RegisterComponent[Velocity](reg, StableVelocity); err != nil {
		return err
	}
	if _, err := keel.RegisterComponent[RenderState](reg, StableRenderState); err != nil {
		return err
	}
	return nil
}

type componentIDs struct {
	transform keel.ComponentID
	velocity  keel.ComponentID
	render    keel.ComponentID
}

func resolveIDs(reg *keel.Registry) (componentIDs, error) {
	var ids componentIDs
	var ok bool
	if ids.transform, ok = keel.IDOf[Transform](reg); !ok {
		return ids, keel.ErrUnknownComponent
	}
	if ids.velocity, ok = keel.IDOf[Velocity](reg); !ok {
		return ids, keel.ErrUnknownComponent
	}
	if ids.render, ok = keel.IDOf[RenderState](reg); !ok {
		return ids, keel.ErrUnknownComponent
	}
	return ids, nil
}
