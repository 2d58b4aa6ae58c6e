package keel

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// FactoryHub builds per-entity context objects on demand. A context is an
// opaque host-side value keyed by kind, typically a render or audio handle
// that backs an entity while it is bound.
type FactoryHub struct {
	mu        sync.RWMutex
	factories map[ContextKind]ContextFactory
	contexts  map[Entity]map[ContextKind]any
	logger    *zap.Logger
}

func NewFactoryHub(logger *zap.Logger) *FactoryHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FactoryHub{
		factories: make(map[ContextKind]ContextFactory),
		contexts:  make(map[Entity]map[ContextKind]any),
		logger:    logger,
	}
}

// RegisterFactory installs the builder for a context kind.
func (h *FactoryHub) RegisterFactory(kind ContextKind, fn ContextFactory) error {
	if fn == nil {
		return fmt.Errorf("keel: nil factory for context %q", kind)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.factories[kind]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateFactory, kind)
	}
	h.factories[kind] = fn
	return nil
}

// Ensure creates any missing contexts for the entity. Kinds without a
// registered factory are skipped; binders that declared them simply see no
// context.
func (h *FactoryHub) Ensure(e Entity, kinds ...ContextKind) {
	if len(kinds) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, kind := range kinds {
		byKind := h.contexts[e]
		if byKind != nil {
			if _, ok := byKind[kind]; ok {
				continue
			}
		}
		fn, ok := h.factories[kind]
		if !ok {
			h.logger.Debug("no factory for context kind",
				zap.String("kind", string(kind)),
				zap.Stringer("entity", e),
			)
			continue
		}
		if byKind == nil {
			byKind = make(map[ContextKind]any)
			h.contexts[e] = byKind
		}
		byKind[kind] = fn(e)
	}
}

// Context returns the entity's context of the given kind.
func (h *FactoryHub) Context(e Entity, kind ContextKind) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	byKind, ok := h.contexts[e]
	if !ok {
		return nil, false
	}
	v, ok := byKind[kind]
	return v, ok
}

// Drop releases one context, calling Dispose when the value implements
// Disposer.
func (h *FactoryHub) Drop(e Entity, kind ContextKind) {
	h.mu.Lock()
	byKind, ok := h.contexts[e]
	var v any
	if ok {
		v, ok = byKind[kind]
		if ok {
			delete(byKind, kind)
			if len(byKind) == 0 {
				delete(h.contexts, e)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		disposeContext(v)
	}
}

// DropAll releases every context held for the entity.
func (h *FactoryHub) DropAll(e Entity) {
	h.mu.Lock()
	byKind := h.contexts[e]
	delete(h.contexts, e)
	h.mu.Unlock()
	for _, v := range byKind {
		disposeContext(v)
	}
}

// Count reports how many entities currently hold contexts.
func (h *FactoryHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.contexts)
}

func disposeContext(v any) {
	if d, ok := v.(Disposer); ok {
		d.Dispose()
	}
}
