package keel

import "sync"

const defaultGateCapacity = 64

// Gate funnels closures onto whichever goroutine calls Pump, typically the
// host's main thread. Workers and binders use it for work that must not
// run concurrently with platform calls.
type Gate struct {
	tasks  chan gateTask
	closed chan struct{}
	once   sync.Once
}

type gateTask struct {
	fn   func()
	done chan any
}

// NewGate builds a gate with the given queue capacity. Zero or negative
// selects the default.
func NewGate(capacity int) *Gate {
	if capacity <= 0 {
		capacity = defaultGateCapacity
	}
	return &Gate{
		tasks:  make(chan gateTask, capacity),
		closed: make(chan struct{}),
	}
}

// Post enqueues fn without waiting for it to run. Blocks while the queue
// is full. A panic from a posted task propagates to the Pump caller.
func (g *Gate) Post(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-g.closed:
		return ErrGateClosed
	default:
	}
	select {
	case g.tasks <- gateTask{fn: fn}:
		return nil
	case <-g.closed:
		return ErrGateClosed
	}
}

// Send enqueues fn and waits until a Pump call has run it. If fn panics,
// the panic value is carried back and re-thrown in the sender.
func (g *Gate) Send(fn func()) error {
	if fn == nil {
		return nil
	}
	select {
	case <-g.closed:
		return ErrGateClosed
	default:
	}
	done := make(chan any, 1)
	select {
	case g.tasks <- gateTask{fn: fn, done: done}:
	case <-g.closed:
		return ErrGateClosed
	}
	select {
	case v := <-done:
		if v != nil {
			panic(v)
		}
		return nil
	case <-g.closed:
		return ErrGateClosed
	}
}

// Pump drains every task currently queued and returns how many ran. It
// never blocks waiting for new work.
func (g *Gate) Pump() int {
	n := 0
	for {
		select {
		case t := <-g.tasks:
			g.run(t)
			n++
		default:
			return n
		}
	}
}

func (g *Gate) run(t gateTask) {
	if t.done == nil {
		t.fn()
		return
	}
	t.done <- capturePanic(t.fn)
}

func capturePanic(fn func()) (v any) {
	defer func() { v = recover() }()
	fn()
	return nil
}

// Close rejects further Post and Send calls. Queued tasks still drain on
// the next Pump.
func (g *Gate) Close() {
	g.once.Do(func() { close(g.closed) })
}
