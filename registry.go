package keel

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"

	"github.com/venrik/keel/storage"
)

// NewRegistry constructs an empty component registry.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[reflect.Type]ComponentID),
		byStable: make(map[StableID]ComponentID),
	}
}

// Registry holds the component types a world can store. Registration is
// explicit and happens before the first world is built; building a world
// seals the registry. Several worlds may share one registry.
type Registry struct {
	mu         sync.Mutex
	sealed     bool
	recipes    []recipe
	byType     map[reflect.Type]ComponentID
	byStable   map[StableID]ComponentID
	migrations []Migration
}

// recipe is everything the registry knows about one component type,
// including the constructor for its per-world slot.
type recipe struct {
	name   string
	stable StableID
	typ    reflect.Type
	build  func(growth GrowthPolicy) slot
}

// slot is the per-world instance of a registered component: the typed pool
// behind a type-erased store plus the closure table for boxed access and
// serialization. Closures are built once at registration; no call path
// reflects over values.
type slot struct {
	id     ComponentID
	name   string
	stable StableID
	store  storage.Store
	layout poolLayout

	setAny     func(e Entity, v any) (bool, error)
	getAny     func(e Entity) (any, bool)
	encodePool func(w io.Writer) error
	decodePool func(r io.Reader) error
}

type poolLayout uint8

const (
	layoutFixed poolLayout = iota + 1
	layoutGob
)

// RegisterComponent registers T under the given stable id and returns its
// runtime id. Duplicate types and duplicate stable ids are rejected, as is
// registration on a sealed registry.
func RegisterComponent[T any](r *Registry, stable StableID) (ComponentID, error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return 0, fmt.Errorf("%w: %s", ErrRegistrySealed, typ.String())
	}
	if _, exists := r.byType[typ]; exists {
		return 0, fmt.Errorf("%w: type %s", ErrDuplicateComponent, typ.String())
	}
	if owner, exists := r.byStable[stable]; exists {
		return 0, fmt.Errorf("%w: stable id %d already held by %s", ErrDuplicateComponent, stable, r.recipes[owner].name)
	}

	id := ComponentID(len(r.recipes))
	name := typ.String()
	layout := layoutGob
	var probe T
	if binary.Size(probe) >= 0 {
		layout = layoutFixed
	}

	r.recipes = append(r.recipes, recipe{
		name:   name,
		stable: stable,
		typ:    typ,
		build: func(growth GrowthPolicy) slot {
			pool := storage.NewPool[T](growth)
			return slot{
				id:         id,
				name:       name,
				stable:     stable,
				store:      pool,
				layout:     layout,
				setAny:     makeSetAny(pool, name),
				getAny:     makeGetAny(pool),
				encodePool: makeEncodePool(pool, layout),
				decodePool: makeDecodePool(pool, layout),
			}
		},
	})
	r.byType[typ] = id
	r.byStable[stable] = id
	return id, nil
}

// IDOf returns the runtime id registered for T.
func IDOf[T any](r *Registry) (ComponentID, bool) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byType[typ]
	return id, ok
}

// RegisterMigration records a post-restore data migration. Unlike component
// registration, migrations may be added after the registry is sealed.
func RegisterMigration(r *Registry, m Migration) error {
	if m.Apply == nil {
		return fmt.Errorf("keel: migration for stable id %d has no apply function", m.Component)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.migrations = append(r.migrations, m)
	return nil
}

// seal marks the registry read-only for component registration.
func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) idByStable(stable StableID) (ComponentID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byStable[stable]
	return id, ok
}

func (r *Registry) recipeName(id ComponentID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) >= len(r.recipes) {
		return fmt.Sprintf("component#%d", id)
	}
	return r.recipes[id].name
}

func (r *Registry) buildSlots(growth GrowthPolicy) []slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	slots := make([]slot, len(r.recipes))
	for i, rec := range r.recipes {
		slots[i] = rec.build(growth)
	}
	return slots
}

// migrationRevision is the highest registered migration order. Snapshots
// record it so restore knows which migrations the data already includes.
func (r *Registry) migrationRevision() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rev := 0
	for _, m := range r.migrations {
		if m.Order > rev {
			rev = m.Order
		}
	}
	if rev > int(^uint16(0)) {
		return 0
	}
	return uint16(rev)
}

// sortedMigrations orders migrations by Order, breaking ties on the
// component's registered name so restore runs are deterministic.
func (r *Registry) sortedMigrations() []Migration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Migration(nil), r.migrations...)
	nameFor := func(stable StableID) string {
		if id, ok := r.byStable[stable]; ok && int(id) < len(r.recipes) {
			return r.recipes[id].name
		}
		return fmt.Sprintf("stable#%d", stable)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return nameFor(out[i].Component) < nameFor(out[j].Component)
	})
	return out
}

func makeSetAny[T any](pool *storage.Pool[T], name string) func(Entity, any) (bool, error) {
	return func(e Entity, v any) (bool, error) {
		value, ok := v.(T)
		if !ok {
			return false, fmt.Errorf("keel: component %s cannot store %T", name, v)
		}
		return pool.Set(e, value), nil
	}
}

func makeGetAny[T any](pool *storage.Pool[T]) func(Entity) (any, bool) {
	return func(e Entity) (any, bool) {
		ptr, ok := pool.Get(e)
		if !ok {
			return nil, false
		}
		return *ptr, true
	}
}

func makeEncodePool[T any](pool *storage.Pool[T], layout poolLayout) func(io.Writer) error {
	return func(w io.Writer) error {
		entities := pool.Entities()
		values := pool.Values()
		if err := binary.Write(w, binary.LittleEndian, uint32(len(entities))); err != nil {
			return err
		}
		for i, e := range entities {
			if err := binary.Write(w, binary.LittleEndian, uint64(e)); err != nil {
				return err
			}
			if layout == layoutFixed {
				if err := binary.Write(w, binary.LittleEndian, values[i]); err != nil {
					return err
				}
				continue
			}
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(values[i]); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, uint32(buf.Len())); err != nil {
				return err
			}
			if _, err := w.Write(buf.Bytes()); err != nil {
				return err
			}
		}
		return nil
	}
}

func makeDecodePool[T any](pool *storage.Pool[T], layout poolLayout) func(io.Reader) error {
	return func(r io.Reader) error {
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return err
		}
		pool.EnsureCapacity(int(count))
		for i := uint32(0); i < count; i++ {
			var raw uint64
			if err := binary.Read(r, binary.LittleEndian, &raw); err != nil {
				return err
			}
			var value T
			if layout == layoutFixed {
				if err := binary.Read(r, binary.LittleEndian, &value); err != nil {
					return err
				}
			} else {
				var size uint32
				if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
					return err
				}
				body := make([]byte, size)
				if _, err := io.ReadFull(r, body); err != nil {
					return err
				}
				if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&value); err != nil {
					return err
				}
			}
			pool.Set(Entity(raw), value)
		}
		return nil
	}
}
