package motion

import (
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/venrik/keel"
)

// SpriteBinderName is the router name projectiles attach under.
const SpriteBinderName = "sprites"

// SpriteContext is the per-entity display resource kind.
const SpriteContext = keel.ContextKind("sprite_handle")

// SpriteHandle stands in for a GPU-side resource owned by one entity. The
// factory hub creates it lazily on attach and disposes it when the entity
// detaches or dies.
type SpriteHandle struct {
	ID       uuid.UUID
	Released bool
}

func (h *SpriteHandle) Dispose() { h.Released = true }

// NewSpriteFactory returns the context factory for SpriteContext.
func NewSpriteFactory() keel.ContextFactory {
	return func(keel.Entity) any {
		return &SpriteHandle{ID: uuid.New()}
	}
}

// SpriteBinder mirrors transform writes into a display-side position map.
// It only wakes on frames where an attached entity's transform changed.
type SpriteBinder struct {
	comps  componentIDs
	screen map[keel.Entity]mgl64.Vec3
}

func NewSpriteBinder(reg *keel.Registry) (*SpriteBinder, error) {
	comps, err := resolveIDs(reg)
	if err != nil {
		return nil, err
	}
	return &SpriteBinder{
		comps:  comps,
		screen: make(map[keel.Entity]mgl64.Vec3),
	}, nil
}

func (b *SpriteBinder) Describe() keel.BinderDesc {
	return keel.BinderDesc{
		Name:       SpriteBinderName,
		Priority:   10,
		Components: []keel.ComponentID{b.comps.transform},
		Contexts:   []keel.ContextKind{SpriteContext},
	}
}

func (b *SpriteBinder) Apply(ac *keel.ApplyContext) error {
	for _, e := range ac.Detached() {
		delete(b.screen, e)
	}
	for _, e := range ac.NewlyAttached() {
		if t, ok := keel.Get[Transform](ac.World(), e); ok {
			b.screen[e] = t.Position
		}
	}
	for _, d := range ac.Deltas() {
		if d.Kind == keel.DeltaRemoved {
			delete(b.screen, d.Entity)
			continue
		}
		if t, ok := keel.Get[Transform](ac.World(), d.Entity); ok {
			b.screen[d.Entity] = t.Position
		}
	}
	return nil
}

// Visible returns how many sprites the display layer is tracking.
func (b *SpriteBinder) Visible() int { return len(b.screen) }
