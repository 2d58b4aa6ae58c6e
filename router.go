package keel

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BindingRouter fans coalesced component deltas out to binders after the
// structural barrier. A binder sees one Apply per frame covering every
// entity attached to it, with newly attached entities guaranteed a first
// Apply even when nothing changed.
//
// One router serves one world; constructing it installs the router as the
// world's delta sink.
type BindingRouter struct {
	world  *World
	hub    *FactoryHub
	gate   *Gate
	logger *zap.Logger

	mu      sync.Mutex
	binders []*binderEntry
	byName  map[string]*binderEntry
	seq     uint64

	deltas    *frameDeltas
	deltaBuf  []Delta
	deadBuf   []Entity
	runSetBuf []*binderEntry
}

type binderEntry struct {
	binder   Binder
	desc     BinderDesc
	seq      uint64
	compSet  map[ComponentID]struct{}
	attached map[Entity]struct{}
	pending  []Entity
	detached []Entity
}

type RouterOption func(*BindingRouter)

// WithRouterGate routes every binder Apply through the gate so it runs on
// the goroutine pumping it.
func WithRouterGate(g *Gate) RouterOption {
	return func(r *BindingRouter) { r.gate = g }
}

// WithHub substitutes a shared factory hub.
func WithHub(h *FactoryHub) RouterOption {
	return func(r *BindingRouter) { r.hub = h }
}

func NewBindingRouter(w *World, opts ...RouterOption) *BindingRouter {
	r := &BindingRouter{
		world:  w,
		logger: w.Logger(),
		byName: make(map[string]*binderEntry),
		deltas: newFrameDeltas(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hub == nil {
		r.hub = NewFactoryHub(r.logger)
	}
	w.setDeltaSink(r)
	return r
}

// Hub returns the factory hub backing this router.
func (r *BindingRouter) Hub() *FactoryHub { return r.hub }

// RegisterBinder adds a binder. Names are unique; component ids must be
// registered with the world.
func (r *BindingRouter) RegisterBinder(b Binder) error {
	desc := b.Describe()
	if desc.Name == "" {
		return fmt.Errorf("keel: binder requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBinder, desc.Name)
	}
	entry := &binderEntry{
		binder:   b,
		desc:     desc,
		seq:      r.seq,
		compSet:  make(map[ComponentID]struct{}, len(desc.Components)),
		attached: make(map[Entity]struct{}),
	}
	r.seq++
	for _, id := range desc.Components {
		if int(id) >= len(r.world.slots) {
			return fmt.Errorf("%w: id %d in binder %s", ErrUnknownComponent, id, desc.Name)
		}
		entry.compSet[id] = struct{}{}
	}
	r.binders = append(r.binders, entry)
	r.byName[desc.Name] = entry
	return nil
}

// Attach binds an entity to a binder. The binder's declared contexts are
// created up front and the entity is reported as newly attached on the
// next RunApply.
func (r *BindingRouter) Attach(e Entity, binderName string) error {
	if !r.world.IsAlive(e) {
		return fmt.Errorf("%w: attach %v to %s", ErrDeadEntity, e, binderName)
	}
	r.mu.Lock()
	entry, ok := r.byName[binderName]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("keel: unknown binder %s", binderName)
	}
	if _, already := entry.attached[e]; already {
		r.mu.Unlock()
		return nil
	}
	entry.attached[e] = struct{}{}
	entry.pending = append(entry.pending, e)
	contexts := entry.desc.Contexts
	r.mu.Unlock()

	r.hub.Ensure(e, contexts...)
	return nil
}

// Detach unbinds the entity from one binder. The binder is told on its
// next Apply; contexts stay until DetachAll or destruction drops them.
func (r *BindingRouter) Detach(e Entity, binderName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byName[binderName]
	if !ok {
		return
	}
	if _, attached := entry.attached[e]; !attached {
		return
	}
	delete(entry.attached, e)
	entry.detached = append(entry.detached, e)
}

// DetachAll unbinds the entity everywhere and drops its contexts.
func (r *BindingRouter) DetachAll(e Entity) {
	r.mu.Lock()
	for _, entry := range r.binders {
		if _, attached := entry.attached[e]; attached {
			delete(entry.attached, e)
			entry.detached = append(entry.detached, e)
		}
	}
	r.mu.Unlock()
	r.hub.DropAll(e)
}

// Attached reports whether the entity is bound to the named binder.
func (r *BindingRouter) Attached(e Entity, binderName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byName[binderName]
	if !ok {
		return false
	}
	_, attached := entry.attached[e]
	return attached
}

// RunApply drains the frame's deltas and applies every binder that is
// always-on, saw a relevant delta, or has pending attach or detach
// traffic. Binders run ordered by priority, then registration order.
func (r *BindingRouter) RunApply(frame uint64) error {
	r.deadBuf = r.deltas.takeDestroyed(r.deadBuf[:0])
	for _, e := range r.deadBuf {
		r.DetachAll(e)
	}
	r.deltaBuf = r.deltas.drain(r.deltaBuf[:0])

	r.mu.Lock()
	r.runSetBuf = r.runSetBuf[:0]
	for _, entry := range r.binders {
		if entry.desc.Always || len(entry.pending) > 0 || len(entry.detached) > 0 {
			r.runSetBuf = append(r.runSetBuf, entry)
			continue
		}
		if r.touched(entry) {
			r.runSetBuf = append(r.runSetBuf, entry)
		}
	}
	sort.SliceStable(r.runSetBuf, func(i, j int) bool {
		a, b := r.runSetBuf[i], r.runSetBuf[j]
		if a.desc.Priority != b.desc.Priority {
			return a.desc.Priority < b.desc.Priority
		}
		return a.seq < b.seq
	})
	run := make([]*binderEntry, len(r.runSetBuf))
	copy(run, r.runSetBuf)
	r.mu.Unlock()

	var errs error
	for _, entry := range run {
		ac := r.buildApplyContext(entry, frame)
		err := r.applyOne(entry, ac)
		if err != nil {
			r.logger.Error("binder apply failed",
				zap.String("binder", entry.desc.Name),
				zap.Uint64("frame", frame),
				zap.Error(err),
			)
			errs = multierr.Append(errs, err)
		}
		r.mu.Lock()
		entry.pending = entry.pending[:0]
		entry.detached = entry.detached[:0]
		r.mu.Unlock()
	}
	return errs
}

func (r *BindingRouter) touched(entry *binderEntry) bool {
	for _, d := range r.deltaBuf {
		if _, relevant := entry.compSet[d.Component]; !relevant {
			continue
		}
		if _, attached := entry.attached[d.Entity]; attached {
			return true
		}
	}
	return false
}

func (r *BindingRouter) buildApplyContext(entry *binderEntry, frame uint64) *ApplyContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	ac := &ApplyContext{
		world:  r.world,
		hub:    r.hub,
		frame:  frame,
		logger: r.logger,
	}
	for _, d := range r.deltaBuf {
		if _, relevant := entry.compSet[d.Component]; !relevant {
			continue
		}
		if _, attached := entry.attached[d.Entity]; !attached {
			continue
		}
		ac.deltas = append(ac.deltas, d)
	}
	ac.newlyAttached = append(ac.newlyAttached, entry.pending...)
	ac.detached = append(ac.detached, entry.detached...)
	return ac
}

func (r *BindingRouter) applyOne(entry *binderEntry, ac *ApplyContext) error {
	if r.gate == nil {
		return entry.binder.Apply(ac)
	}
	var applyErr error
	if err := r.gate.Send(func() { applyErr = entry.binder.Apply(ac) }); err != nil {
		return err
	}
	return applyErr
}

// recordDelta and recordDestroy make the router the world's delta sink.
func (r *BindingRouter) recordDelta(e Entity, c ComponentID, k DeltaKind) {
	r.deltas.record(e, c, k)
}

func (r *BindingRouter) recordDestroy(e Entity) {
	r.deltas.recordDestroyed(e)
}

var _ deltaSink = (*BindingRouter)(nil)

// ApplyContext carries one binder application.
type ApplyContext struct {
	world         *World
	hub           *FactoryHub
	frame         uint64
	logger        *zap.Logger
	deltas        []Delta
	newlyAttached []Entity
	detached      []Entity
}

func (ac *ApplyContext) World() *World       { return ac.world }
func (ac *ApplyContext) Frame() uint64       { return ac.frame }
func (ac *ApplyContext) Logger() *zap.Logger { return ac.logger }

// Deltas lists the frame's coalesced writes relevant to this binder, in
// first-touch order.
func (ac *ApplyContext) Deltas() []Delta { return ac.deltas }

// NewlyAttached lists entities attached since the binder's previous Apply.
func (ac *ApplyContext) NewlyAttached() []Entity { return ac.newlyAttached }

// Detached lists entities unbound since the binder's previous Apply,
// including destroyed ones.
func (ac *ApplyContext) Detached() []Entity { return ac.detached }

// Context fetches the entity's context of the given kind.
func (ac *ApplyContext) Context(e Entity, kind ContextKind) (any, bool) {
	return ac.hub.Context(e, kind)
}
