package keel

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// JobScheduler runs work off the frame goroutine. Each job receives its own
// command buffer; on success the buffer is scheduled for the next barrier
// (or applied at once under ApplyImmediate), on failure it is discarded.
//
// With zero workers Submit executes the job inline, which keeps tests and
// single-threaded hosts deterministic.
type JobScheduler struct {
	world  *World
	size   int
	mode   ApplyMode
	pool   *BufferPool
	logger *zap.Logger

	jobs     chan jobTask
	closed   chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

type jobTask struct {
	ctx    context.Context
	fn     func(*JobContext) error
	result chan error
}

// JobContext is handed to each job function.
type JobContext struct {
	ctx    context.Context
	world  *World
	buf    *CommandBuffer
	logger *zap.Logger
}

// Context returns the context the job was submitted with.
func (jc *JobContext) Context() context.Context { return jc.ctx }

// World returns the world the job reads from. Structural writes belong in
// the job's buffer, not on the world directly.
func (jc *JobContext) World() *World { return jc.world }

// Buffer returns the job's command buffer, already bound and recording.
func (jc *JobContext) Buffer() *CommandBuffer { return jc.buf }

func (jc *JobContext) Logger() *zap.Logger { return jc.logger }

// JobHandle resolves to the job's error once it finishes.
type JobHandle struct {
	result chan error
}

// Wait blocks until the job completes and returns its error.
func (h *JobHandle) Wait() error {
	if h == nil || h.result == nil {
		return nil
	}
	err, ok := <-h.result
	if !ok {
		return nil
	}
	return err
}

type JobOption func(*JobScheduler)

// WithWorkers sets the worker count. Zero or negative selects inline
// execution.
func WithWorkers(n int) JobOption {
	return func(s *JobScheduler) { s.size = n }
}

// WithJobApplyMode selects when finished job buffers land. ApplyImmediate
// applies from the worker goroutine as the job ends; callers own the
// synchronization that makes that safe.
func WithJobApplyMode(mode ApplyMode) JobOption {
	return func(s *JobScheduler) { s.mode = mode }
}

// NewJobScheduler starts a scheduler against the world. The default worker
// count is runtime.NumCPU and buffers land at the barrier.
func NewJobScheduler(w *World, opts ...JobOption) *JobScheduler {
	s := &JobScheduler{
		world:  w,
		size:   runtime.NumCPU(),
		mode:   ApplyAtBarrier,
		pool:   NewBufferPool(),
		logger: w.Logger(),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.size > 0 {
		s.jobs = make(chan jobTask)
		for i := 0; i < s.size; i++ {
			s.wg.Add(1)
			go s.worker()
		}
	}
	return s
}

func (s *JobScheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case task, ok := <-s.jobs:
			if !ok {
				return
			}
			s.execute(task)
		case <-s.closed:
			return
		}
	}
}

// Submit enqueues fn and returns a handle resolving to its error. A nil fn
// resolves immediately.
func (s *JobScheduler) Submit(ctx context.Context, fn func(*JobContext) error) *JobHandle {
	if fn == nil {
		ch := make(chan error, 1)
		ch <- nil
		close(ch)
		return &JobHandle{result: ch}
	}
	result := make(chan error, 1)
	task := jobTask{ctx: ctx, fn: fn, result: result}
	if s.size <= 0 {
		s.inflight.Add(1)
		s.execute(task)
		return &JobHandle{result: result}
	}
	select {
	case <-s.closed:
		result <- ErrSchedulerClosed
		close(result)
		return &JobHandle{result: result}
	case <-ctx.Done():
		result <- ctx.Err()
		close(result)
		return &JobHandle{result: result}
	default:
	}
	s.inflight.Add(1)
	if safeSendTask(s.jobs, task) {
		return &JobHandle{result: result}
	}
	s.inflight.Done()
	result <- ErrSchedulerClosed
	close(result)
	return &JobHandle{result: result}
}

func (s *JobScheduler) execute(task jobTask) {
	defer s.inflight.Done()
	defer close(task.result)
	select {
	case <-task.ctx.Done():
		task.result <- task.ctx.Err()
		return
	default:
	}

	buf := s.pool.Get()
	if err := buf.Bind(s.world, RecordConcurrent); err != nil {
		s.pool.Put(buf)
		task.result <- err
		return
	}
	jc := &JobContext{ctx: task.ctx, world: s.world, buf: buf, logger: s.logger}
	err := s.invoke(task.fn, jc)
	if err != nil {
		s.pool.Put(buf)
		task.result <- err
		return
	}
	if s.mode == ApplyImmediate {
		if sealErr := buf.EndWrite(); sealErr == nil {
			_, err = buf.Apply()
		} else {
			err = sealErr
		}
		s.pool.Put(buf)
		task.result <- err
		return
	}
	task.result <- buf.Schedule()
}

func (s *JobScheduler) invoke(fn func(*JobContext) error, jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("keel: job panic: %v", r)
		}
	}()
	return fn(jc)
}

// WaitIdle blocks until every submitted job has finished. The runner calls
// this at the barrier under BarrierAll.
func (s *JobScheduler) WaitIdle() {
	s.inflight.Wait()
}

// Close shuts the workers down and waits for them to exit. Pending handles
// resolve before Close returns.
func (s *JobScheduler) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		close(s.closed)
		if s.jobs != nil {
			close(s.jobs)
		}
	})
	s.wg.Wait()
}

func safeSendTask(ch chan jobTask, task jobTask) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	ch <- task
	return true
}
