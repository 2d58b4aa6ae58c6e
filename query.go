package keel

import "github.com/venrik/keel/storage"

// Query1 iterates every live entity holding component A.
//
// Queries borrow the world's pools directly and allocate nothing per
// iteration. Structural changes made while iterating must go through a
// command buffer; direct destroys or removals would shift the dense
// arrays under the walk.
type Query1[A any] struct {
	a       *storage.Pool[A]
	without []storage.Store
}

// NewQuery1 builds the query, failing if A is not registered.
func NewQuery1[A any](w *World) (*Query1[A], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	return &Query1[A]{a: pa}, nil
}

// Without excludes entities holding any of the listed components. The
// receiver is returned for chaining.
func (q *Query1[A]) Without(w *World, ids ...ComponentID) *Query1[A] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

// Each calls fn for every matching entity with a pointer into the pool.
// The pointer is valid only for the duration of the call.
func (q *Query1[A]) Each(fn func(Entity, *A)) {
	for _, e := range q.a.Entities() {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		fn(e, pa)
	}
}

// Count reports how many entities currently match.
func (q *Query1[A]) Count() int {
	if len(q.without) == 0 {
		return q.a.Len()
	}
	n := 0
	for _, e := range q.a.Entities() {
		if !excluded(q.without, e) {
			n++
		}
	}
	return n
}

// Entities appends the matching handles to buf and returns it.
func (q *Query1[A]) Entities(buf []Entity) []Entity {
	for _, e := range q.a.Entities() {
		if excluded(q.without, e) {
			continue
		}
		buf = append(buf, e)
	}
	return buf
}

// Query2 iterates entities holding both A and B. Iteration seeds from the
// smaller pool so cost tracks the rarer component.
type Query2[A, B any] struct {
	a       *storage.Pool[A]
	b       *storage.Pool[B]
	without []storage.Store
}

func NewQuery2[A, B any](w *World) (*Query2[A, B], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	pb, _, err := poolOf[B](w)
	if err != nil {
		return nil, err
	}
	return &Query2[A, B]{a: pa, b: pb}, nil
}

func (q *Query2[A, B]) Without(w *World, ids ...ComponentID) *Query2[A, B] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

func (q *Query2[A, B]) Each(fn func(Entity, *A, *B)) {
	seed := q.a.Entities()
	if q.b.Len() < q.a.Len() {
		seed = q.b.Entities()
	}
	for _, e := range seed {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		pb, ok := q.b.Get(e)
		if !ok {
			continue
		}
		fn(e, pa, pb)
	}
}

func (q *Query2[A, B]) Count() int {
	n := 0
	q.Each(func(Entity, *A, *B) { n++ })
	return n
}

func (q *Query2[A, B]) Entities(buf []Entity) []Entity {
	q.Each(func(e Entity, _ *A, _ *B) { buf = append(buf, e) })
	return buf
}

// Query3 iterates entities holding A, B and C.
type Query3[A, B, C any] struct {
	a       *storage.Pool[A]
	b       *storage.Pool[B]
	c       *storage.Pool[C]
	without []storage.Store
}

func NewQuery3[A, B, C any](w *World) (*Query3[A, B, C], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	pb, _, err := poolOf[B](w)
	if err != nil {
		return nil, err
	}
	pc, _, err := poolOf[C](w)
	if err != nil {
		return nil, err
	}
	return &Query3[A, B, C]{a: pa, b: pb, c: pc}, nil
}

func (q *Query3[A, B, C]) Without(w *World, ids ...ComponentID) *Query3[A, B, C] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

func (q *Query3[A, B, C]) Each(fn func(Entity, *A, *B, *C)) {
	seed := q.a.Entities()
	if q.b.Len() < len(seed) {
		seed = q.b.Entities()
	}
	if q.c.Len() < len(seed) {
		seed = q.c.Entities()
	}
	for _, e := range seed {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		pb, ok := q.b.Get(e)
		if !ok {
			continue
		}
		pc, ok := q.c.Get(e)
		if !ok {
			continue
		}
		fn(e, pa, pb, pc)
	}
}

func (q *Query3[A, B, C]) Count() int {
	n := 0
	q.Each(func(Entity, *A, *B, *C) { n++ })
	return n
}

func (q *Query3[A, B, C]) Entities(buf []Entity) []Entity {
	q.Each(func(e Entity, _ *A, _ *B, _ *C) { buf = append(buf, e) })
	return buf
}

// Query4 iterates entities holding A through D.
type Query4[A, B, C, D any] struct {
	a       *storage.Pool[A]
	b       *storage.Pool[B]
	c       *storage.Pool[C]
	d       *storage.Pool[D]
	without []storage.Store
}

func NewQuery4[A, B, C, D any](w *World) (*Query4[A, B, C, D], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	pb, _, err := poolOf[B](w)
	if err != nil {
		return nil, err
	}
	pc, _, err := poolOf[C](w)
	if err != nil {
		return nil, err
	}
	pd, _, err := poolOf[D](w)
	if err != nil {
		return nil, err
	}
	return &Query4[A, B, C, D]{a: pa, b: pb, c: pc, d: pd}, nil
}

func (q *Query4[A, B, C, D]) Without(w *World, ids ...ComponentID) *Query4[A, B, C, D] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

func (q *Query4[A, B, C, D]) Each(fn func(Entity, *A, *B, *C, *D)) {
	seed := q.a.Entities()
	if q.b.Len() < len(seed) {
		seed = q.b.Entities()
	}
	if q.c.Len() < len(seed) {
		seed = q.c.Entities()
	}
	if q.d.Len() < len(seed) {
		seed = q.d.Entities()
	}
	for _, e := range seed {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		pb, ok := q.b.Get(e)
		if !ok {
			continue
		}
		pc, ok := q.c.Get(e)
		if !ok {
			continue
		}
		pd, ok := q.d.Get(e)
		if !ok {
			continue
		}
		fn(e, pa, pb, pc, pd)
	}
}

func (q *Query4[A, B, C, D]) Count() int {
	n := 0
	q.Each(func(Entity, *A, *B, *C, *D) { n++ })
	return n
}

func (q *Query4[A, B, C, D]) Entities(buf []Entity) []Entity {
	q.Each(func(e Entity, _ *A, _ *B, _ *C, _ *D) { buf = append(buf, e) })
	return buf
}

// Query5 iterates entities holding A through E.
type Query5[A, B, C, D, E any] struct {
	a       *storage.Pool[A]
	b       *storage.Pool[B]
	c       *storage.Pool[C]
	d       *storage.Pool[D]
	e       *storage.Pool[E]
	without []storage.Store
}

func NewQuery5[A, B, C, D, E any](w *World) (*Query5[A, B, C, D, E], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	pb, _, err := poolOf[B](w)
	if err != nil {
		return nil, err
	}
	pc, _, err := poolOf[C](w)
	if err != nil {
		return nil, err
	}
	pd, _, err := poolOf[D](w)
	if err != nil {
		return nil, err
	}
	pe, _, err := poolOf[E](w)
	if err != nil {
		return nil, err
	}
	return &Query5[A, B, C, D, E]{a: pa, b: pb, c: pc, d: pd, e: pe}, nil
}

func (q *Query5[A, B, C, D, E]) Without(w *World, ids ...ComponentID) *Query5[A, B, C, D, E] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

func (q *Query5[A, B, C, D, E]) Each(fn func(Entity, *A, *B, *C, *D, *E)) {
	seed := q.a.Entities()
	if q.b.Len() < len(seed) {
		seed = q.b.Entities()
	}
	if q.c.Len() < len(seed) {
		seed = q.c.Entities()
	}
	if q.d.Len() < len(seed) {
		seed = q.d.Entities()
	}
	if q.e.Len() < len(seed) {
		seed = q.e.Entities()
	}
	for _, e := range seed {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		pb, ok := q.b.Get(e)
		if !ok {
			continue
		}
		pc, ok := q.c.Get(e)
		if !ok {
			continue
		}
		pd, ok := q.d.Get(e)
		if !ok {
			continue
		}
		pe, ok := q.e.Get(e)
		if !ok {
			continue
		}
		fn(e, pa, pb, pc, pd, pe)
	}
}

func (q *Query5[A, B, C, D, E]) Count() int {
	n := 0
	q.Each(func(Entity, *A, *B, *C, *D, *E) { n++ })
	return n
}

func (q *Query5[A, B, C, D, E]) Entities(buf []Entity) []Entity {
	q.Each(func(e Entity, _ *A, _ *B, _ *C, _ *D, _ *E) { buf = append(buf, e) })
	return buf
}

// Query6 iterates entities holding A through F.
type Query6[A, B, C, D, E, F any] struct {
	a       *storage.Pool[A]
	b       *storage.Pool[B]
	c       *storage.Pool[C]
	d       *storage.Pool[D]
	e       *storage.Pool[E]
	f       *storage.Pool[F]
	without []storage.Store
}

func NewQuery6[A, B, C, D, E, F any](w *World) (*Query6[A, B, C, D, E, F], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	pb, _, err := poolOf[B](w)
	if err != nil {
		return nil, err
	}
	pc, _, err := poolOf[C](w)
	if err != nil {
		return nil, err
	}
	pd, _, err := poolOf[D](w)
	if err != nil {
		return nil, err
	}
	pe, _, err := poolOf[E](w)
	if err != nil {
		return nil, err
	}
	pf, _, err := poolOf[F](w)
	if err != nil {
		return nil, err
	}
	return &Query6[A, B, C, D, E, F]{a: pa, b: pb, c: pc, d: pd, e: pe, f: pf}, nil
}

func (q *Query6[A, B, C, D, E, F]) Without(w *World, ids ...ComponentID) *Query6[A, B, C, D, E, F] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

func (q *Query6[A, B, C, D, E, F]) Each(fn func(Entity, *A, *B, *C, *D, *E, *F)) {
	seed := q.a.Entities()
	if q.b.Len() < len(seed) {
		seed = q.b.Entities()
	}
	if q.c.Len() < len(seed) {
		seed = q.c.Entities()
	}
	if q.d.Len() < len(seed) {
		seed = q.d.Entities()
	}
	if q.e.Len() < len(seed) {
		seed = q.e.Entities()
	}
	if q.f.Len() < len(seed) {
		seed = q.f.Entities()
	}
	for _, e := range seed {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		pb, ok := q.b.Get(e)
		if !ok {
			continue
		}
		pc, ok := q.c.Get(e)
		if !ok {
			continue
		}
		pd, ok := q.d.Get(e)
		if !ok {
			continue
		}
		pe, ok := q.e.Get(e)
		if !ok {
			continue
		}
		pf, ok := q.f.Get(e)
		if !ok {
			continue
		}
		fn(e, pa, pb, pc, pd, pe, pf)
	}
}

func (q *Query6[A, B, C, D, E, F]) Count() int {
	n := 0
	q.Each(func(Entity, *A, *B, *C, *D, *E, *F) { n++ })
	return n
}

func (q *Query6[A, B, C, D, E, F]) Entities(buf []Entity) []Entity {
	q.Each(func(e Entity, _ *A, _ *B, _ *C, _ *D, _ *E, _ *F) { buf = append(buf, e) })
	return buf
}

// Query7 iterates entities holding A through G.
type Query7[A, B, C, D, E, F, G any] struct {
	a       *storage.Pool[A]
	b       *storage.Pool[B]
	c       *storage.Pool[C]
	d       *storage.Pool[D]
	e       *storage.Pool[E]
	f       *storage.Pool[F]
	g       *storage.Pool[G]
	without []storage.Store
}

func NewQuery7[A, B, C, D, E, F, G any](w *World) (*Query7[A, B, C, D, E, F, G], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	pb, _, err := poolOf[B](w)
	if err != nil {
		return nil, err
	}
	pc, _, err := poolOf[C](w)
	if err != nil {
		return nil, err
	}
	pd, _, err := poolOf[D](w)
	if err != nil {
		return nil, err
	}
	pe, _, err := poolOf[E](w)
	if err != nil {
		return nil, err
	}
	pf, _, err := poolOf[F](w)
	if err != nil {
		return nil, err
	}
	pg, _, err := poolOf[G](w)
	if err != nil {
		return nil, err
	}
	return &Query7[A, B, C, D, E, F, G]{a: pa, b: pb, c: pc, d: pd, e: pe, f: pf, g: pg}, nil
}

func (q *Query7[A, B, C, D, E, F, G]) Without(w *World, ids ...ComponentID) *Query7[A, B, C, D, E, F, G] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

func (q *Query7[A, B, C, D, E, F, G]) Each(fn func(Entity, *A, *B, *C, *D, *E, *F, *G)) {
	seed := q.a.Entities()
	if q.b.Len() < len(seed) {
		seed = q.b.Entities()
	}
	if q.c.Len() < len(seed) {
		seed = q.c.Entities()
	}
	if q.d.Len() < len(seed) {
		seed = q.d.Entities()
	}
	if q.e.Len() < len(seed) {
		seed = q.e.Entities()
	}
	if q.f.Len() < len(seed) {
		seed = q.f.Entities()
	}
	if q.g.Len() < len(seed) {
		seed = q.g.Entities()
	}
	for _, e := range seed {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		pb, ok := q.b.Get(e)
		if !ok {
			continue
		}
		pc, ok := q.c.Get(e)
		if !ok {
			continue
		}
		pd, ok := q.d.Get(e)
		if !ok {
			continue
		}
		pe, ok := q.e.Get(e)
		if !ok {
			continue
		}
		pf, ok := q.f.Get(e)
		if !ok {
			continue
		}
		pg, ok := q.g.Get(e)
		if !ok {
			continue
		}
		fn(e, pa, pb, pc, pd, pe, pf, pg)
	}
}

func (q *Query7[A, B, C, D, E, F, G]) Count() int {
	n := 0
	q.Each(func(Entity, *A, *B, *C, *D, *E, *F, *G) { n++ })
	return n
}

func (q *Query7[A, B, C, D, E, F, G]) Entities(buf []Entity) []Entity {
	q.Each(func(e Entity, _ *A, _ *B, _ *C, _ *D, _ *E, _ *F, _ *G) { buf = append(buf, e) })
	return buf
}

// Query8 iterates entities holding A through H. Eight is the widest match
// supported; systems needing more should split or restructure.
type Query8[A, B, C, D, E, F, G, H any] struct {
	a       *storage.Pool[A]
	b       *storage.Pool[B]
	c       *storage.Pool[C]
	d       *storage.Pool[D]
	e       *storage.Pool[E]
	f       *storage.Pool[F]
	g       *storage.Pool[G]
	h       *storage.Pool[H]
	without []storage.Store
}

func NewQuery8[A, B, C, D, E, F, G, H any](w *World) (*Query8[A, B, C, D, E, F, G, H], error) {
	pa, _, err := poolOf[A](w)
	if err != nil {
		return nil, err
	}
	pb, _, err := poolOf[B](w)
	if err != nil {
		return nil, err
	}
	pc, _, err := poolOf[C](w)
	if err != nil {
		return nil, err
	}
	pd, _, err := poolOf[D](w)
	if err != nil {
		return nil, err
	}
	pe, _, err := poolOf[E](w)
	if err != nil {
		return nil, err
	}
	pf, _, err := poolOf[F](w)
	if err != nil {
		return nil, err
	}
	pg, _, err := poolOf[G](w)
	if err != nil {
		return nil, err
	}
	ph, _, err := poolOf[H](w)
	if err != nil {
		return nil, err
	}
	return &Query8[A, B, C, D, E, F, G, H]{a: pa, b: pb, c: pc, d: pd, e: pe, f: pf, g: pg, h: ph}, nil
}

func (q *Query8[A, B, C, D, E, F, G, H]) Without(w *World, ids ...ComponentID) *Query8[A, B, C, D, E, F, G, H] {
	q.without = appendExclusions(q.without, w, ids)
	return q
}

func (q *Query8[A, B, C, D, E, F, G, H]) Each(fn func(Entity, *A, *B, *C, *D, *E, *F, *G, *H)) {
	seed := q.a.Entities()
	if q.b.Len() < len(seed) {
		seed = q.b.Entities()
	}
	if q.c.Len() < len(seed) {
		seed = q.c.Entities()
	}
	if q.d.Len() < len(seed) {
		seed = q.d.Entities()
	}
	if q.e.Len() < len(seed) {
		seed = q.e.Entities()
	}
	if q.f.Len() < len(seed) {
		seed = q.f.Entities()
	}
	if q.g.Len() < len(seed) {
		seed = q.g.Entities()
	}
	if q.h.Len() < len(seed) {
		seed = q.h.Entities()
	}
	for _, e := range seed {
		if excluded(q.without, e) {
			continue
		}
		pa, ok := q.a.Get(e)
		if !ok {
			continue
		}
		pb, ok := q.b.Get(e)
		if !ok {
			continue
		}
		pc, ok := q.c.Get(e)
		if !ok {
			continue
		}
		pd, ok := q.d.Get(e)
		if !ok {
			continue
		}
		pe, ok := q.e.Get(e)
		if !ok {
			continue
		}
		pf, ok := q.f.Get(e)
		if !ok {
			continue
		}
		pg, ok := q.g.Get(e)
		if !ok {
			continue
		}
		ph, ok := q.h.Get(e)
		if !ok {
			continue
		}
		fn(e, pa, pb, pc, pd, pe, pf, pg, ph)
	}
}

func (q *Query8[A, B, C, D, E, F, G, H]) Count() int {
	n := 0
	q.Each(func(Entity, *A, *B, *C, *D, *E, *F, *G, *H) { n++ })
	return n
}

func (q *Query8[A, B, C, D, E, F, G, H]) Entities(buf []Entity) []Entity {
	q.Each(func(e Entity, _ *A, _ *B, _ *C, _ *D, _ *E, _ *F, _ *G, _ *H) { buf = append(buf, e) })
	return buf
}

func appendExclusions(dst []storage.Store, w *World, ids []ComponentID) []storage.Store {
	for _, id := range ids {
		if int(id) >= len(w.slots) {
			continue
		}
		dst = append(dst, w.slots[id].store)
	}
	return dst
}

func excluded(stores []storage.Store, e Entity) bool {
	for _, s := range stores {
		if s.Has(e) {
			return true
		}
	}
	return false
}
