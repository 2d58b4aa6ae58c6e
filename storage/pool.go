package storage

// Store is the type-erased surface a pool presents to code that cannot name
// the component type, such as entity teardown and serialization.
type Store interface {
	Len() int
	Has(Entity) bool
	Remove(Entity) bool
	Clear()
}

// NewPool constructs an empty pool for components of type T.
func NewPool[T any](growth GrowthPolicy) *Pool[T] {
	return &Pool[T]{growth: growth, sparse: nil}
}

// Pool stores one component type densely. Values and their owning entities
// live in parallel slices; a sparse index array and a presence bitset map an
// entity index to its dense slot. Removal swap-deletes, so dense order is not
// stable across structural changes.
type Pool[T any] struct {
	entities []Entity
	values   []T
	sparse   []int32
	mask     Bitset
	growth   GrowthPolicy
}

// Len reports how many entities carry the component.
func (p *Pool[T]) Len() int {
	return len(p.entities)
}

// Has reports whether the entity carries the component. Stale handles for a
// recycled index are rejected by comparing against the recorded owner.
func (p *Pool[T]) Has(e Entity) bool {
	idx := e.Index()
	if !p.mask.Test(idx) {
		return false
	}
	return p.entities[p.sparse[idx]] == e
}

// Get returns a pointer to the entity's component value. The pointer is
// valid until the next structural change to the pool.
func (p *Pool[T]) Get(e Entity) (*T, bool) {
	idx := e.Index()
	if !p.mask.Test(idx) {
		return nil, false
	}
	dense := p.sparse[idx]
	if p.entities[dense] != e {
		return nil, false
	}
	return &p.values[dense], true
}

// Set stores the component value for the entity, overwriting any previous
// value. It returns true when the entity gained the component.
func (p *Pool[T]) Set(e Entity, v T) bool {
	idx := e.Index()
	if p.mask.Test(idx) {
		dense := p.sparse[idx]
		if p.entities[dense] == e {
			p.values[dense] = v
			return false
		}
		// Recycled index still holding the stale owner's slot.
		p.removeAt(dense)
	}
	p.ensureIndex(idx)
	p.entities = append(p.entities, e)
	p.values = append(p.values, v)
	p.sparse[idx] = int32(len(p.entities) - 1)
	p.mask.Set(idx)
	return true
}

// Remove deletes the entity's component, returning true when it was present.
// The last dense slot is swapped into the vacated position.
func (p *Pool[T]) Remove(e Entity) bool {
	idx := e.Index()
	if !p.mask.Test(idx) {
		return false
	}
	dense := p.sparse[idx]
	if p.entities[dense] != e {
		return false
	}
	p.removeAt(dense)
	return true
}

// Clear drops every stored component.
func (p *Pool[T]) Clear() {
	var zero T
	for i := range p.values {
		p.values[i] = zero
	}
	p.entities = p.entities[:0]
	p.values = p.values[:0]
	for i := range p.sparse {
		p.sparse[i] = -1
	}
	p.mask.Reset()
}

// Entities returns the dense owner slice. Callers must not mutate it and
// must not hold it across structural changes.
func (p *Pool[T]) Entities() []Entity {
	return p.entities
}

// Values returns the dense value slice under the same borrowing rules as
// Entities.
func (p *Pool[T]) Values() []T {
	return p.values
}

// At returns the dense slot i. The pointer follows the Get borrowing rules.
func (p *Pool[T]) At(i int) (Entity, *T) {
	return p.entities[i], &p.values[i]
}

// Mask returns the presence bitset over entity indices.
func (p *Pool[T]) Mask() *Bitset {
	return &p.mask
}

// EnsureCapacity pre-sizes the dense arrays for n components.
func (p *Pool[T]) EnsureCapacity(n int) {
	if cap(p.entities) >= n {
		return
	}
	entities := make([]Entity, len(p.entities), n)
	copy(entities, p.entities)
	p.entities = entities
	values := make([]T, len(p.values), n)
	copy(values, p.values)
	p.values = values
}

func (p *Pool[T]) removeAt(dense int32) {
	idx := p.entities[dense].Index()
	last := int32(len(p.entities) - 1)
	if dense != last {
		moved := p.entities[last]
		p.entities[dense] = moved
		p.values[dense] = p.values[last]
		p.sparse[moved.Index()] = dense
	}
	var zero T
	p.values[last] = zero
	p.entities = p.entities[:last]
	p.values = p.values[:last]
	p.sparse[idx] = -1
	p.mask.Clear(idx)
}

func (p *Pool[T]) ensureIndex(idx uint32) {
	need := int(idx) + 1
	if need <= len(p.sparse) {
		return
	}
	if cap(p.sparse) < need {
		grown := make([]int32, len(p.sparse), p.growth.Next(cap(p.sparse), need))
		copy(grown, p.sparse)
		p.sparse = grown
	}
	for len(p.sparse) < need {
		p.sparse = append(p.sparse, -1)
	}
}

var _ Store = (*Pool[int])(nil)
