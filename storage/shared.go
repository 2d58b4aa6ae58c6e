package storage

import (
	"reflect"
	"sync"
)

// NewShared constructs an interned store for components of type T.
func NewShared[T any]() *Shared[T] {
	return &Shared[T]{
		entityToValue: make(map[Entity]uint32),
		valueToData:   make(map[uint32]*sharedValue[T]),
		nextValueID:   1,
	}
}

// Shared stores one component type with value interning: entities holding
// equal values reference a single instance. This suits data shared by large
// populations (team colors, material parameters, archetype base stats).
//
// Shared values are immutable from the perspective of individual entities.
// To "modify" one, set a new value; interning re-points the entity and drops
// the old instance once its reference count reaches zero.
type Shared[T any] struct {
	mu            sync.RWMutex
	entityToValue map[Entity]uint32
	valueToData   map[uint32]*sharedValue[T]
	nextValueID   uint32
}

type sharedValue[T any] struct {
	data     T
	refCount int
}

// Len reports how many entities carry the component, not how many unique
// values exist.
func (s *Shared[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entityToValue)
}

// Has reports whether the entity carries the component.
func (s *Shared[T]) Has(e Entity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.entityToValue[e]
	return exists
}

// Get returns the entity's component value by copy.
func (s *Shared[T]) Get(e Entity) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero T
	valueID, exists := s.entityToValue[e]
	if !exists {
		return zero, false
	}
	shared, ok := s.valueToData[valueID]
	if !ok {
		return zero, false
	}
	return shared.data, true
}

// Set stores the component value for the entity, interning equal values.
func (s *Shared[T]) Set(e Entity, v T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldID, exists := s.entityToValue[e]; exists {
		s.releaseLocked(oldID)
	}
	s.entityToValue[e] = s.internLocked(v)
}

// Remove deletes the entity's component, returning true when it was present.
func (s *Shared[T]) Remove(e Entity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	valueID, exists := s.entityToValue[e]
	if !exists {
		return false
	}
	delete(s.entityToValue, e)
	s.releaseLocked(valueID)
	return true
}

// Clear drops every stored component and interned value.
func (s *Shared[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entityToValue = make(map[Entity]uint32)
	s.valueToData = make(map[uint32]*sharedValue[T])
}

// Each visits every (entity, value) pair until fn returns false. Iteration
// order is unspecified.
func (s *Shared[T]) Each(fn func(Entity, T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for e, valueID := range s.entityToValue {
		shared, ok := s.valueToData[valueID]
		if !ok {
			continue
		}
		if !fn(e, shared.data) {
			return
		}
	}
}

// Stats returns interning effectiveness numbers for diagnostics.
func (s *Shared[T]) Stats() SharedStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unique := len(s.valueToData)
	if unique == 0 {
		unique = 1
	}
	return SharedStats{
		EntityCount:      len(s.entityToValue),
		UniqueValueCount: len(s.valueToData),
		SharingRatio:     float64(len(s.entityToValue)) / float64(unique),
	}
}

// SharedStats describes how well values are being shared.
type SharedStats struct {
	EntityCount      int
	UniqueValueCount int
	SharingRatio     float64
}

// internLocked finds an existing value ID for equal data or creates one.
func (s *Shared[T]) internLocked(v T) uint32 {
	for valueID, shared := range s.valueToData {
		if reflect.DeepEqual(shared.data, v) {
			shared.refCount++
			return valueID
		}
	}

	valueID := s.nextValueID
	s.nextValueID++
	s.valueToData[valueID] = &sharedValue[T]{data: v, refCount: 1}
	return valueID
}

func (s *Shared[T]) releaseLocked(valueID uint32) {
	shared, ok := s.valueToData[valueID]
	if !ok {
		return
	}
	shared.refCount--
	if shared.refCount <= 0 {
		delete(s.valueToData, valueID)
	}
}

var _ Store = (*Shared[int])(nil)
