package keel

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/venrik/keel/storage"
)

// WorldOption configures a world at construction.
type WorldOption func(*World)

// WithLogger sets the logger the world and everything built on it report
// through. Defaults to a nop logger.
func WithLogger(logger *zap.Logger) WorldOption {
	return func(w *World) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithGrowth sets the capacity growth policy for the entity table and all
// component pools.
func WithGrowth(p GrowthPolicy) WorldOption {
	return func(w *World) {
		w.growth = p
	}
}

// WithInitialCapacity pre-sizes the entity table.
func WithInitialCapacity(n int) WorldOption {
	return func(w *World) {
		if n > 0 {
			w.initialCap = n
		}
	}
}

// WithDenyMode selects how structural writes are handled while the write
// guard is armed.
func WithDenyMode(mode DenyMode) WorldOption {
	return func(w *World) {
		w.denyMode = mode
	}
}

// NewWorld builds a world over the registry's component set and seals the
// registry against further component registration.
func NewWorld(reg *Registry, opts ...WorldOption) (*World, error) {
	if reg == nil {
		return nil, fmt.Errorf("keel: world requires a registry")
	}
	w := &World{
		id:       uuid.New(),
		reg:      reg,
		growth:   Doubling(),
		logger:   zap.NewNop(),
		denyMode: DenyThrow,
	}
	for _, opt := range opts {
		opt(w)
	}
	reg.seal()
	w.table = storage.NewTable(w.growth)
	if w.initialCap > 0 {
		w.table.EnsureCapacity(w.initialCap)
	}
	w.slots = reg.buildSlots(w.growth)
	w.logger = w.logger.With(zap.String("world_id", w.id.String()))
	return w, nil
}

// World owns entity lifetime and per-type component pools. Structural
// mutation is single-threaded: it belongs to the thread driving the runner.
// Jobs running elsewhere read the world and defer their writes through
// command buffers.
type World struct {
	id         uuid.UUID
	reg        *Registry
	table      *storage.Table
	slots      []slot
	growth     GrowthPolicy
	initialCap int
	logger     *zap.Logger
	denyMode   DenyMode
	guard      WriteGuard

	sink    deltaSink
	pending pendingBuffers
}

// deltaSink receives component change notifications. The binding router
// installs itself here; without one, changes go unrecorded.
type deltaSink interface {
	recordDelta(e Entity, c ComponentID, k DeltaKind)
	recordDestroy(e Entity)
}

// ID returns the world's identity, which also tags its log output and
// snapshots.
func (w *World) ID() uuid.UUID {
	return w.id
}

// Logger returns the world-scoped logger.
func (w *World) Logger() *zap.Logger {
	return w.logger
}

// Registry returns the registry the world was built from.
func (w *World) Registry() *Registry {
	return w.reg
}

// Guard returns the world's write guard.
func (w *World) Guard() *WriteGuard {
	return &w.guard
}

// Alive returns the number of live entities.
func (w *World) Alive() int {
	return w.table.Count()
}

// Capacity returns the number of entity index slots currently allocated.
func (w *World) Capacity() int {
	return w.table.Cap()
}

// IsAlive reports whether the handle refers to a live entity. Stale handles
// from destroyed entities report false.
func (w *World) IsAlive(e Entity) bool {
	return w.table.IsAlive(e)
}

// CreateEntity allocates a new entity. While the write guard is armed the
// call is denied: DenyThrow panics, the other modes return the zero handle.
func (w *World) CreateEntity() Entity {
	if w.guard.on {
		if err := w.denyWrite("create_entity", 0, ""); err != nil {
			panic(err)
		}
		return 0
	}
	return w.table.Create()
}

// CreateEntityAt allocates an entity at a fixed index, primarily for
// deterministic tests and restore tooling.
func (w *World) CreateEntityAt(index uint32) (Entity, error) {
	if w.guard.on {
		if err := w.denyWrite("create_entity_at", 0, ""); err != nil {
			return 0, err
		}
		return 0, nil
	}
	e, err := w.table.CreateAt(index)
	if err != nil {
		return 0, fmt.Errorf("keel: create at index %d: %w", index, err)
	}
	return e, nil
}

// DestroyEntity removes the entity and every component it carries. The
// handle becomes stale immediately.
func (w *World) DestroyEntity(e Entity) error {
	if w.guard.on {
		return w.denyWrite("destroy_entity", e, "")
	}
	if !w.table.IsAlive(e) {
		return fmt.Errorf("%w: destroy %v", ErrDeadEntity, e)
	}
	for i := range w.slots {
		s := &w.slots[i]
		if !s.store.Has(e) {
			continue
		}
		w.emit(e, s.id, DeltaRemoved)
		s.store.Remove(e)
	}
	if w.sink != nil {
		w.sink.recordDestroy(e)
	}
	w.table.Destroy(e)
	return nil
}

// HasID reports whether the entity carries the component with the given
// runtime id.
func (w *World) HasID(e Entity, id ComponentID) bool {
	if int(id) >= len(w.slots) {
		return false
	}
	return w.slots[id].store.Has(e)
}

// GetID returns a copy of the entity's component value through the boxed
// path.
func (w *World) GetID(e Entity, id ComponentID) (any, bool) {
	if int(id) >= len(w.slots) {
		return nil, false
	}
	return w.slots[id].getAny(e)
}

// SetID stores a component value through the boxed path. The value's
// dynamic type must match the registered component type.
func (w *World) SetID(e Entity, id ComponentID, v any) error {
	if w.guard.on {
		return w.denyWrite("set_component", e, w.NameOf(id))
	}
	if !w.table.IsAlive(e) {
		return fmt.Errorf("%w: set %s on %v", ErrDeadEntity, w.NameOf(id), e)
	}
	if int(id) >= len(w.slots) {
		return fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
	}
	added, err := w.slots[id].setAny(e, v)
	if err != nil {
		return err
	}
	if added {
		w.emit(e, id, DeltaAdded)
	} else {
		w.emit(e, id, DeltaChanged)
	}
	return nil
}

// RemoveID removes a component through the boxed path. Removing an absent
// component is a no-op.
func (w *World) RemoveID(e Entity, id ComponentID) error {
	if w.guard.on {
		return w.denyWrite("remove_component", e, w.NameOf(id))
	}
	if !w.table.IsAlive(e) {
		return fmt.Errorf("%w: remove %s from %v", ErrDeadEntity, w.NameOf(id), e)
	}
	if int(id) >= len(w.slots) {
		return fmt.Errorf("%w: id %d", ErrUnknownComponent, id)
	}
	if w.slots[id].store.Remove(e) {
		w.emit(e, id, DeltaRemoved)
	}
	return nil
}

// NameOf returns the registered type name for a runtime id.
func (w *World) NameOf(id ComponentID) string {
	if int(id) >= len(w.slots) {
		return fmt.Sprintf("component#%d", id)
	}
	return w.slots[id].name
}

// Set stores a component value for a live entity, adding it if absent.
func Set[T any](w *World, e Entity, v T) error {
	if w.guard.on {
		return w.denyWrite("set_component", e, typeNameOf[T](w))
	}
	if !w.table.IsAlive(e) {
		return fmt.Errorf("%w: set on %v", ErrDeadEntity, e)
	}
	pool, id, err := poolOf[T](w)
	if err != nil {
		return err
	}
	if pool.Set(e, v) {
		w.emit(e, id, DeltaAdded)
	} else {
		w.emit(e, id, DeltaChanged)
	}
	return nil
}

// Get returns a pointer to the entity's component value. The pointer is
// valid until the next structural change touching the component's pool.
func Get[T any](w *World, e Entity) (*T, bool) {
	pool, _, err := poolOf[T](w)
	if err != nil {
		return nil, false
	}
	return pool.Get(e)
}

// Has reports whether the entity carries component T.
func Has[T any](w *World, e Entity) bool {
	pool, _, err := poolOf[T](w)
	if err != nil {
		return false
	}
	return pool.Has(e)
}

// Remove removes component T from a live entity. Removing an absent
// component is a no-op.
func Remove[T any](w *World, e Entity) error {
	if w.guard.on {
		return w.denyWrite("remove_component", e, typeNameOf[T](w))
	}
	if !w.table.IsAlive(e) {
		return fmt.Errorf("%w: remove from %v", ErrDeadEntity, e)
	}
	pool, id, err := poolOf[T](w)
	if err != nil {
		return err
	}
	if pool.Remove(e) {
		w.emit(e, id, DeltaRemoved)
	}
	return nil
}

func poolOf[T any](w *World) (*storage.Pool[T], ComponentID, error) {
	id, ok := IDOf[T](w.reg)
	if !ok {
		var probe T
		return nil, 0, fmt.Errorf("%w: %T", ErrUnknownComponent, probe)
	}
	return w.slots[id].store.(*storage.Pool[T]), id, nil
}

func typeNameOf[T any](w *World) string {
	if id, ok := IDOf[T](w.reg); ok {
		return w.NameOf(id)
	}
	var probe T
	return fmt.Sprintf("%T", probe)
}

func (w *World) emit(e Entity, id ComponentID, k DeltaKind) {
	if w.sink != nil {
		w.sink.recordDelta(e, id, k)
	}
}

func (w *World) setDeltaSink(s deltaSink) {
	w.sink = s
}

func (w *World) denyWrite(op string, e Entity, component string) error {
	switch w.denyMode {
	case DenyLog:
		fields := []zap.Field{zap.String("op", op)}
		if !e.IsZero() {
			fields = append(fields, zap.Stringer("entity", e))
		}
		if component != "" {
			fields = append(fields, zap.String("component", component))
		}
		w.logger.Warn("structural write denied", fields...)
		return nil
	case DenyIgnore:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrWriteDenied, op)
	}
}

// WriteGuard denies structural writes while armed. The runner arms it for
// the late-frame pass; reads are never affected.
type WriteGuard struct {
	on bool
}

// Armed reports whether the guard currently denies structural writes.
func (g *WriteGuard) Armed() bool {
	return g.on
}

func (g *WriteGuard) arm()    { g.on = true }
func (g *WriteGuard) disarm() { g.on = false }
