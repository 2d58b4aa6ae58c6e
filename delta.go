package keel

type deltaKey struct {
	entity    Entity
	component ComponentID
}

// frameDeltas coalesces component writes per (entity, component) within a
// frame. First-touch order is preserved so drains stay deterministic; the
// recorded kind is folded as later writes arrive.
type frameDeltas struct {
	order     []deltaKey
	kinds     map[deltaKey]DeltaKind
	destroyed []Entity
}

func newFrameDeltas() *frameDeltas {
	return &frameDeltas{kinds: make(map[deltaKey]DeltaKind)}
}

func (d *frameDeltas) record(e Entity, c ComponentID, k DeltaKind) {
	key := deltaKey{entity: e, component: c}
	prev, ok := d.kinds[key]
	if !ok {
		d.order = append(d.order, key)
		d.kinds[key] = k
		return
	}
	d.kinds[key] = foldDeltaKind(prev, k)
}

func (d *frameDeltas) recordDestroyed(e Entity) {
	d.destroyed = append(d.destroyed, e)
}

// drain appends the coalesced deltas to buf in first-touch order and
// resets the collector for the next frame.
func (d *frameDeltas) drain(buf []Delta) []Delta {
	for _, key := range d.order {
		buf = append(buf, Delta{
			Entity:    key.entity,
			Component: key.component,
			Kind:      d.kinds[key],
		})
	}
	d.reset()
	return buf
}

func (d *frameDeltas) takeDestroyed(buf []Entity) []Entity {
	buf = append(buf, d.destroyed...)
	d.destroyed = d.destroyed[:0]
	return buf
}

func (d *frameDeltas) reset() {
	d.order = d.order[:0]
	for k := range d.kinds {
		delete(d.kinds, k)
	}
	d.destroyed = d.destroyed[:0]
}

// foldDeltaKind merges a later write into an earlier one for the same
// (entity, component) pair. An add followed by changes stays an add; any
// sequence ending in a removal reports the removal; a remove then re-add
// within one frame reads as a change.
func foldDeltaKind(prev, next DeltaKind) DeltaKind {
	switch {
	case prev == DeltaAdded && next == DeltaChanged:
		return DeltaAdded
	case prev == DeltaRemoved && next == DeltaAdded:
		return DeltaChanged
	default:
		return next
	}
}
