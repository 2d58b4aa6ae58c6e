package keel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

type bufferState uint8

const (
	bufferUnbound bufferState = iota
	bufferRecording
	bufferSealed
	bufferSpent
)

func (s bufferState) String() string {
	switch s {
	case bufferUnbound:
		return "unbound"
	case bufferRecording:
		return "recording"
	case bufferSealed:
		return "sealed"
	case bufferSpent:
		return "spent"
	default:
		return "invalid"
	}
}

// NewCommandBuffer creates an unbound buffer. Bind it to a world before
// recording.
func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{}
}

// CommandBuffer accumulates deferred structural writes. Its lifecycle is
// unbound -> Bind -> record -> EndWrite or Schedule -> Apply or barrier
// drain -> spent; Reset returns a spent buffer to unbound for reuse.
//
// Lifecycle calls belong to the buffer's owner. In RecordConcurrent mode
// the recording calls alone may come from many goroutines.
type CommandBuffer struct {
	world *World
	mode  RecordMode
	state bufferState
	owner *BufferPool

	ops  []op
	head atomic.Pointer[opNode]
}

type opNode struct {
	op   op
	next *opNode
}

// Bind attaches the buffer to a world and opens it for recording.
func (b *CommandBuffer) Bind(w *World, mode RecordMode) error {
	if b.state != bufferUnbound {
		return fmt.Errorf("%w: bind while %s", ErrBufferState, b.state)
	}
	if w == nil {
		return fmt.Errorf("keel: bind requires a world")
	}
	b.world = w
	b.mode = mode
	b.state = bufferRecording
	return nil
}

// EndWrite closes the buffer for recording. Further records fail; the
// buffer awaits Apply or Schedule.
func (b *CommandBuffer) EndWrite() error {
	if b.state != bufferRecording {
		return fmt.Errorf("%w: end write while %s", ErrBufferState, b.state)
	}
	b.state = bufferSealed
	return nil
}

// Create records entity creation. The callback, if any, receives the
// realized handle when the buffer applies.
func (b *CommandBuffer) Create(fn func(Entity)) error {
	return b.push(op{kind: opCreate, create: fn})
}

// Destroy records entity destruction. A target already dead at apply time
// is skipped silently.
func (b *CommandBuffer) Destroy(e Entity) error {
	return b.push(op{kind: opDestroy, entity: e})
}

// SetID records a boxed component write.
func (b *CommandBuffer) SetID(e Entity, id ComponentID, v any) error {
	return b.push(op{kind: opSet, entity: e, comp: id, value: v})
}

// RemoveID records a boxed component removal.
func (b *CommandBuffer) RemoveID(e Entity, id ComponentID) error {
	return b.push(op{kind: opRemove, entity: e, comp: id})
}

// DeferSet records a typed component write into the buffer.
func DeferSet[T any](b *CommandBuffer, e Entity, v T) error {
	if b.state == bufferUnbound {
		return fmt.Errorf("%w: record while unbound", ErrBufferState)
	}
	id, ok := IDOf[T](b.world.reg)
	if !ok {
		var probe T
		return fmt.Errorf("%w: %T", ErrUnknownComponent, probe)
	}
	return b.push(op{kind: opSet, entity: e, comp: id, value: v})
}

// DeferRemove records a typed component removal into the buffer.
func DeferRemove[T any](b *CommandBuffer, e Entity) error {
	if b.state == bufferUnbound {
		return fmt.Errorf("%w: record while unbound", ErrBufferState)
	}
	id, ok := IDOf[T](b.world.reg)
	if !ok {
		var probe T
		return fmt.Errorf("%w: %T", ErrUnknownComponent, probe)
	}
	return b.push(op{kind: opRemove, entity: e, comp: id})
}

// Apply seals implied, runs the recorded ops against the bound world at the
// call site and spends the buffer.
func (b *CommandBuffer) Apply() (ApplyReport, error) {
	if b.state != bufferSealed {
		return ApplyReport{}, fmt.Errorf("%w: apply while %s", ErrBufferState, b.state)
	}
	b.state = bufferSpent
	return b.world.applyOps(b.drain())
}

// Schedule seals the buffer and hands it to the world for the next
// structural barrier. Ownership transfers; the caller must not touch the
// buffer again.
func (b *CommandBuffer) Schedule() error {
	switch b.state {
	case bufferRecording, bufferSealed:
	default:
		return fmt.Errorf("%w: schedule while %s", ErrBufferState, b.state)
	}
	b.state = bufferSealed
	b.world.enqueueBuffer(b)
	return nil
}

// Len reports how many ops are recorded. In concurrent mode the count is a
// snapshot and may trail in-flight writers.
func (b *CommandBuffer) Len() int {
	if b.mode == RecordConcurrent {
		n := 0
		for node := b.head.Load(); node != nil; node = node.next {
			n++
		}
		return n
	}
	return len(b.ops)
}

// Snapshot returns the current op count so callers can roll back later.
// Only meaningful in RecordSingle mode; concurrent buffers return -1.
func (b *CommandBuffer) Snapshot() int {
	if b.mode == RecordConcurrent {
		return -1
	}
	return len(b.ops)
}

// Restore truncates the buffer back to the provided snapshot. A no-op in
// RecordConcurrent mode.
func (b *CommandBuffer) Restore(mark int) {
	if b.mode == RecordConcurrent || mark < 0 {
		return
	}
	if mark >= len(b.ops) {
		return
	}
	b.ops = b.ops[:mark]
}

// Reset returns the buffer to the unbound state for reuse.
func (b *CommandBuffer) Reset() {
	b.world = nil
	b.mode = RecordSingle
	b.state = bufferUnbound
	b.ops = b.ops[:0]
	b.head.Store(nil)
}

func (b *CommandBuffer) push(o op) error {
	if b.state != bufferRecording {
		return fmt.Errorf("%w: record while %s", ErrBufferState, b.state)
	}
	if b.mode == RecordConcurrent {
		node := &opNode{op: o}
		for {
			head := b.head.Load()
			node.next = head
			if b.head.CompareAndSwap(head, node) {
				return nil
			}
		}
	}
	b.ops = append(b.ops, o)
	return nil
}

// drain returns the recorded ops in record order and empties the buffer.
func (b *CommandBuffer) drain() []op {
	if b.mode == RecordConcurrent {
		head := b.head.Swap(nil)
		// The list is newest-first; reverse to restore record order.
		var count int
		for node := head; node != nil; node = node.next {
			count++
		}
		ops := make([]op, count)
		for node := head; node != nil; node = node.next {
			count--
			ops[count] = node.op
		}
		return ops
	}
	drained := b.ops
	b.ops = nil
	return drained
}

// NewBufferPool constructs a pool that returns fresh unbound buffers.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	p.pool.New = func() any { return NewCommandBuffer() }
	return p
}

// BufferPool reuses command buffers to reduce allocations.
type BufferPool struct {
	pool sync.Pool
}

// Get retrieves an unbound buffer from the pool.
func (p *BufferPool) Get() *CommandBuffer {
	buf := p.pool.Get().(*CommandBuffer)
	buf.owner = p
	return buf
}

// Put resets the buffer and returns it to the pool.
func (p *BufferPool) Put(buf *CommandBuffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	buf.owner = nil
	p.pool.Put(buf)
}

// pendingBuffers is the world's queue of scheduled buffers awaiting the
// structural barrier.
type pendingBuffers struct {
	mu    sync.Mutex
	items []*CommandBuffer
}

func (w *World) enqueueBuffer(b *CommandBuffer) {
	w.pending.mu.Lock()
	w.pending.items = append(w.pending.items, b)
	w.pending.mu.Unlock()
}

// ApplyScheduled drains every scheduled buffer in arrival order. The runner
// calls this at the structural barrier; applications driving a world by
// hand call it wherever their frame boundary is.
func (w *World) ApplyScheduled() (ApplyReport, error) {
	w.pending.mu.Lock()
	buffers := w.pending.items
	w.pending.items = nil
	w.pending.mu.Unlock()

	var report ApplyReport
	var err error
	for _, buf := range buffers {
		buf.state = bufferSpent
		r, applyErr := w.applyOps(buf.drain())
		report.Applied += r.Applied
		report.Skipped += r.Skipped
		if applyErr != nil {
			err = multierr.Append(err, applyErr)
		}
		if buf.owner != nil {
			buf.owner.Put(buf)
		}
	}
	return report, err
}
