package storage

import (
	"fmt"
	"sync"
)

// Entity identifies an entity and encodes a generation for stale-handle
// detection. The high 32 bits hold the generation, the low 32 bits the
// backing index. The zero value is never a live handle.
type Entity uint64

// NewEntity constructs a handle from raw parts.
func NewEntity(index, generation uint32) Entity {
	return Entity(uint64(generation)<<32 | uint64(index))
}

// Index returns the backing index of the entity.
func (e Entity) Index() uint32 {
	return uint32(e)
}

// Generation returns the generation counter associated with the entity.
func (e Entity) Generation() uint32 {
	return uint32(e >> 32)
}

// IsZero reports whether the handle is the zero value.
func (e Entity) IsZero() bool {
	return e == 0
}

// String renders the entity handle for debugging purposes.
func (e Entity) String() string {
	if e.IsZero() {
		return "Entity(0:0)"
	}
	return fmt.Sprintf("Entity(%d:%d)", e.Index(), e.Generation())
}

// NewTable constructs an empty entity table.
func NewTable(growth GrowthPolicy) *Table {
	return &Table{growth: growth}
}

// Table coordinates entity allocation and recycling. Creation bumps the
// per-index generation to an odd value and destruction to an even one, so
// issued handles always carry odd generations and liveness survives a
// snapshot of the generation array alone.
type Table struct {
	mu          sync.Mutex
	generations []uint32
	free        []uint32
	alive       uint32
	growth      GrowthPolicy
}

// Create issues a new entity handle, recycling freed indices when possible.
func (t *Table) Create() Entity {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.generations))
		t.extendLocked(int(index) + 1)
	}

	t.generations[index]++
	generation := t.generations[index]
	t.alive++
	return NewEntity(index, generation)
}

// CreateAt issues a handle at a caller-chosen index. The index must not be
// currently alive; gaps opened by extending the table become recyclable.
func (t *Table) CreateAt(index uint32) (Entity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(index) < len(t.generations) {
		if t.generations[index]%2 == 1 {
			return 0, fmt.Errorf("storage: index %d is already alive", index)
		}
		t.removeFreeLocked(index)
	} else {
		before := len(t.generations)
		t.extendLocked(int(index) + 1)
		for i := before; i < int(index); i++ {
			t.free = append(t.free, uint32(i))
		}
	}

	t.generations[index]++
	t.alive++
	return NewEntity(index, t.generations[index]), nil
}

// Destroy releases the entity handle, returning true when successful.
func (t *Table) Destroy(e Entity) bool {
	if e.IsZero() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isAliveLocked(e) {
		return false
	}

	t.alive--
	t.generations[e.Index()]++
	t.free = append(t.free, e.Index())
	return true
}

// IsAlive reports whether the handle refers to a currently allocated entity.
func (t *Table) IsAlive(e Entity) bool {
	if e.IsZero() {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isAliveLocked(e)
}

// Count returns the number of live entities.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.alive)
}

// Cap returns the number of index slots the table currently spans.
func (t *Table) Cap() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.generations)
}

// Range visits every live entity until fn returns false. Indices are
// visited in ascending order.
func (t *Table) Range(fn func(Entity) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for idx, gen := range t.generations {
		if gen%2 == 0 {
			continue
		}
		if !fn(NewEntity(uint32(idx), gen)) {
			return
		}
	}
}

// EnsureCapacity pre-sizes the table to at least n index slots. New slots
// become recyclable immediately.
func (t *Table) EnsureCapacity(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	before := len(t.generations)
	if n <= before {
		return
	}
	t.extendLocked(n)
	for i := before; i < n; i++ {
		t.free = append(t.free, uint32(i))
	}
}

// Generations returns a copy of the generation array for serialization.
func (t *Table) Generations() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint32(nil), t.generations...)
}

// NewTableFrom rebuilds a table from a recorded generation array. Liveness
// and the free list are recovered from generation parity.
func NewTableFrom(generations []uint32, growth GrowthPolicy) *Table {
	t := &Table{
		generations: append([]uint32(nil), generations...),
		growth:      growth,
	}
	for idx, gen := range t.generations {
		if gen%2 == 1 {
			t.alive++
		} else {
			t.free = append(t.free, uint32(idx))
		}
	}
	return t
}

func (t *Table) isAliveLocked(e Entity) bool {
	idx := e.Index()
	if idx >= uint32(len(t.generations)) {
		return false
	}
	gen := e.Generation()
	// Issued handles always carry odd generations; pre-sized slots sit at
	// even generations and must not match a forged handle.
	return gen%2 == 1 && t.generations[idx] == gen
}

func (t *Table) extendLocked(need int) {
	if need <= len(t.generations) {
		return
	}
	if cap(t.generations) < need {
		grown := make([]uint32, len(t.generations), t.growth.Next(cap(t.generations), need))
		copy(grown, t.generations)
		t.generations = grown
	}
	t.generations = t.generations[:need]
}

func (t *Table) removeFreeLocked(index uint32) {
	for i, idx := range t.free {
		if idx == index {
			t.free[i] = t.free[len(t.free)-1]
			t.free = t.free[:len(t.free)-1]
			return
		}
	}
}
