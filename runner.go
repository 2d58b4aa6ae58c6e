package keel

import (
	"context"
	"fmt"
	"io"
	"runtime/trace"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultFixedStep  = time.Second / 60
	defaultMaxCatchUp = 8
)

// Runner drives a world through phased frames: FrameSetup, Simulation, the
// structural barrier, binder fan-out, then Presentation. Structural writes
// recorded during setup and simulation land at the barrier; presentation
// writes land at the next frame's barrier.
type Runner struct {
	world   *World
	planner *Planner
	router  *BindingRouter
	jobs    *JobScheduler
	pool    *BufferPool
	logger  *zap.Logger

	observer Observer
	policy   ErrorPolicy
	barrier  BarrierPolicy

	step       time.Duration
	maxCatchUp int

	frame       uint64
	acc         time.Duration
	alpha       float64
	initialized []*systemEntry
}

type RunnerOption func(*Runner)

// WithRouter wires a binding router into the frame, applied after the
// barrier.
func WithRouter(router *BindingRouter) RunnerOption {
	return func(r *Runner) { r.router = router }
}

// WithJobScheduler makes the runner hold the barrier for in-flight jobs
// under BarrierAll.
func WithJobScheduler(jobs *JobScheduler) RunnerOption {
	return func(r *Runner) { r.jobs = jobs }
}

// WithErrorPolicy sets how failing systems are handled.
func WithErrorPolicy(p ErrorPolicy) RunnerOption {
	return func(r *Runner) {
		if p.Mode == RetryOnError && p.MaxRetries <= 0 {
			p.MaxRetries = 1
		}
		r.policy = p
	}
}

// WithBarrierPolicy selects whether the barrier waits for jobs.
func WithBarrierPolicy(b BarrierPolicy) RunnerOption {
	return func(r *Runner) { r.barrier = b }
}

// WithFixedStep sets the simulation step used by FixedFrame.
func WithFixedStep(step time.Duration) RunnerOption {
	return func(r *Runner) {
		if step > 0 {
			r.step = step
		}
	}
}

// WithMaxCatchUp caps how many fixed steps a single FixedFrame may run
// before shedding the backlog.
func WithMaxCatchUp(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxCatchUp = n
		}
	}
}

// WithObservation installs the logging, metrics and span integrations.
func WithObservation(settings ObservationSettings) RunnerOption {
	return func(r *Runner) { r.observer = buildObserverChain(r.logger, settings) }
}

// WithObserver installs a bare observer without the built-in chain.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) {
		if o != nil {
			r.observer = o
		}
	}
}

func NewRunner(w *World, planner *Planner, opts ...RunnerOption) (*Runner, error) {
	if w == nil {
		return nil, fmt.Errorf("keel: runner requires a world")
	}
	if planner == nil {
		return nil, fmt.Errorf("keel: runner requires a planner")
	}
	r := &Runner{
		world:      w,
		planner:    planner,
		pool:       NewBufferPool(),
		logger:     w.Logger(),
		observer:   noopObserver{},
		barrier:    BarrierAll,
		step:       defaultFixedStep,
		maxCatchUp: defaultMaxCatchUp,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// FrameContext is handed to systems for the duration of one phase run.
type FrameContext struct {
	world  *World
	dt     time.Duration
	frame  uint64
	alpha  float64
	logger *zap.Logger
	buf    *CommandBuffer
}

func (fr *FrameContext) World() *World { return fr.world }

// TimeDelta is the simulation step for this run: the raw frame delta under
// Frame, the fixed step inside FixedFrame simulation.
func (fr *FrameContext) TimeDelta() time.Duration { return fr.dt }

func (fr *FrameContext) Frame() uint64 { return fr.frame }

// Alpha is the interpolation fraction left in the accumulator, meaningful
// during presentation after FixedFrame.
func (fr *FrameContext) Alpha() float64 { return fr.alpha }

func (fr *FrameContext) Logger() *zap.Logger { return fr.logger }

// Buffer is the frame's command buffer for deferred structural writes. Nil
// during LateFrame, where structural writes are denied.
func (fr *FrameContext) Buffer() *CommandBuffer { return fr.buf }

// Initialize runs Init on every system that wants it, in plan order. The
// first failure aborts; systems already passed stay recorded so Shutdown
// can unwind them.
func (r *Runner) Initialize(ctx context.Context) error {
	plan, err := r.planner.Plan()
	if err != nil {
		return err
	}
	entries := plan.orderedEntries()
	r.initialized = make([]*systemEntry, 0, len(entries))
	for _, entry := range entries {
		if init, ok := entry.sys.(Initializer); ok {
			if err := init.Init(ctx, r.world); err != nil {
				return fmt.Errorf("keel: system %s init failed: %w", entry.desc.Name, err)
			}
		}
		r.initialized = append(r.initialized, entry)
	}
	return nil
}

// Shutdown unwinds systems in reverse plan order, collecting every error.
func (r *Runner) Shutdown(ctx context.Context) error {
	entries := r.initialized
	if entries == nil {
		plan, err := r.planner.Plan()
		if err != nil {
			return err
		}
		entries = plan.orderedEntries()
	}
	var errs error
	for i := len(entries) - 1; i >= 0; i-- {
		sd, ok := entries[i].sys.(Shutdowner)
		if !ok {
			continue
		}
		if err := sd.Shutdown(ctx, r.world); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("keel: system %s shutdown failed: %w", entries[i].desc.Name, err))
		}
	}
	r.initialized = nil
	return errs
}

// Frame runs one variable-step frame.
func (r *Runner) Frame(ctx context.Context, dt time.Duration) error {
	plan, err := r.planner.Plan()
	if err != nil {
		return err
	}
	frame := r.frame
	stats := FrameStats{Frame: frame}
	start := time.Now()

	buf := r.pool.Get()
	if err := buf.Bind(r.world, RecordSingle); err != nil {
		r.pool.Put(buf)
		return err
	}
	fr := &FrameContext{world: r.world, dt: dt, frame: frame, alpha: r.alpha, logger: r.logger, buf: buf}

	err = r.runPhase(ctx, plan, FrameSetup, fr, &stats)
	if err == nil {
		err = r.runPhase(ctx, plan, Simulation, fr, &stats)
	}
	if err == nil {
		err = r.barrierApply(fr, &stats)
	}
	r.pool.Put(buf)
	if err == nil && r.router != nil {
		err = r.router.RunApply(frame)
	}
	if err == nil {
		err = r.runPresentation(ctx, plan, fr, &stats)
	}

	stats.Duration = time.Since(start)
	stats.Err = err
	r.observer.FrameCompleted(stats)
	if err == nil {
		r.frame++
	}
	return err
}

// FixedFrame advances the accumulator by dt and runs as many fixed
// simulation steps as fit, each with its own barrier. FrameSetup and
// Presentation run once. The returned alpha is the unconsumed fraction of
// a step, for interpolation.
func (r *Runner) FixedFrame(ctx context.Context, dt time.Duration) (float64, error) {
	plan, err := r.planner.Plan()
	if err != nil {
		return r.alpha, err
	}
	frame := r.frame
	stats := FrameStats{Frame: frame}
	start := time.Now()
	r.acc += dt

	buf := r.pool.Get()
	if err := buf.Bind(r.world, RecordSingle); err != nil {
		r.pool.Put(buf)
		return r.alpha, err
	}
	fr := &FrameContext{world: r.world, dt: dt, frame: frame, alpha: r.alpha, logger: r.logger, buf: buf}

	err = r.runPhase(ctx, plan, FrameSetup, fr, &stats)

	steps := 0
	for err == nil && r.acc >= r.step {
		if steps >= r.maxCatchUp {
			r.logger.Warn("fixed step running behind, shedding backlog",
				zap.Duration("backlog", r.acc),
				zap.Int("steps", steps),
			)
			r.acc = 0
			break
		}
		fr.dt = r.step
		err = r.runPhase(ctx, plan, Simulation, fr, &stats)
		if err != nil {
			break
		}
		err = r.barrierApply(fr, &stats)
		if err != nil {
			break
		}
		r.pool.Put(buf)
		buf = r.pool.Get()
		if err = buf.Bind(r.world, RecordSingle); err != nil {
			break
		}
		fr.buf = buf
		r.acc -= r.step
		steps++
		stats.FixedSteps++
	}
	if err == nil && steps == 0 {
		// No simulation ran; the barrier still flushes setup writes and
		// scheduled job buffers.
		err = r.barrierApply(fr, &stats)
	}

	if err == nil {
		r.alpha = float64(r.acc) / float64(r.step)
	}
	r.pool.Put(buf)
	if err == nil && r.router != nil {
		err = r.router.RunApply(frame)
	}
	if err == nil {
		fr.dt = dt
		fr.alpha = r.alpha
		err = r.runPresentation(ctx, plan, fr, &stats)
	}

	stats.Duration = time.Since(start)
	stats.Err = err
	r.observer.FrameCompleted(stats)
	if err == nil {
		r.frame++
	}
	return r.alpha, err
}

// runPresentation runs the last phase against a fresh buffer that lands at
// the next frame's barrier.
func (r *Runner) runPresentation(ctx context.Context, plan *Plan, fr *FrameContext, stats *FrameStats) error {
	late := r.pool.Get()
	if err := late.Bind(r.world, RecordSingle); err != nil {
		r.pool.Put(late)
		return err
	}
	fr.buf = late
	err := r.runPhase(ctx, plan, Presentation, fr, stats)
	if err != nil {
		r.pool.Put(late)
		return err
	}
	if late.Len() == 0 {
		r.pool.Put(late)
		return nil
	}
	if schedErr := late.Schedule(); schedErr != nil {
		r.pool.Put(late)
		return schedErr
	}
	return nil
}

// LateFrame runs the LateRun pass with the write guard armed. Systems may
// read and interpolate; structural writes are denied per the world's deny
// mode.
func (r *Runner) LateFrame(ctx context.Context) error {
	plan, err := r.planner.Plan()
	if err != nil {
		return err
	}
	r.world.guard.arm()
	defer r.world.guard.disarm()

	fr := &FrameContext{world: r.world, frame: r.frame, alpha: r.alpha, logger: r.logger}
	var errs error
	for _, entry := range plan.orderedEntries() {
		lr, ok := entry.sys.(LateRunner)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		res := lr.LateRun(ctx, fr, r.alpha)
		if res.Err == nil {
			continue
		}
		wrapped := fmt.Errorf("keel: system %s late run failed: %w", entry.desc.Name, res.Err)
		if r.policy.Mode == FailFast {
			return wrapped
		}
		r.logger.Error("late run failed",
			zap.String("system", entry.desc.Name),
			zap.Error(res.Err),
		)
		errs = multierr.Append(errs, wrapped)
	}
	return errs
}

// barrierApply is the structural barrier: hold for jobs, apply the frame
// buffer, then drain scheduled buffers in arrival order.
func (r *Runner) barrierApply(fr *FrameContext, stats *FrameStats) error {
	if r.jobs != nil && r.barrier == BarrierAll {
		r.jobs.WaitIdle()
	}
	if err := fr.buf.EndWrite(); err != nil {
		return err
	}
	report, err := fr.buf.Apply()
	stats.Applied += report.Applied
	stats.SkippedOps += report.Skipped
	if err != nil {
		return err
	}
	scheduled, err := r.world.ApplyScheduled()
	stats.Applied += scheduled.Applied
	stats.SkippedOps += scheduled.Skipped
	return err
}

func (r *Runner) runPhase(ctx context.Context, plan *Plan, g Group, fr *FrameContext, stats *FrameStats) error {
	entries := plan.groups[g]
	if len(entries) == 0 {
		return nil
	}
	phaseStart := time.Now()
	defer func() { stats.PhaseDurations[g] += time.Since(phaseStart) }()
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !shouldRunFrame(fr.frame, entry.desc.RunEvery) {
			stats.SystemsSkipped++
			continue
		}
		sysStats, err := r.runSystem(ctx, entry, g, fr)
		if sysStats.Skipped {
			stats.SystemsSkipped++
		} else if err == nil {
			stats.SystemsRun++
		}
		r.observer.SystemCompleted(sysStats)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runSystem(ctx context.Context, entry *systemEntry, g Group, fr *FrameContext) (SystemStats, error) {
	desc := entry.desc
	sysLogger := r.logger.With(zap.String("system", desc.Name))
	prevLogger := fr.logger
	fr.logger = sysLogger
	defer func() { fr.logger = prevLogger }()

	stats := SystemStats{Frame: fr.frame, Group: g, System: desc.Name}
	start := time.Now()
	mark := fr.buf.Snapshot()
	result := entry.sys.Run(ctx, fr)
	for result.Err != nil && r.policy.Mode == RetryOnError && stats.Retries < r.policy.MaxRetries {
		sysLogger.Error("system failed, retrying",
			zap.Error(result.Err),
			zap.Int("attempt", stats.Retries+1),
		)
		fr.buf.Restore(mark)
		stats.Retries++
		result = entry.sys.Run(ctx, fr)
	}
	stats.Duration = time.Since(start)
	if result.Err != nil {
		fr.buf.Restore(mark)
		stats.Err = result.Err
		if r.policy.Mode == SkipOnError {
			sysLogger.Error("system failed, skipping", zap.Error(result.Err))
			stats.Skipped = true
			return stats, nil
		}
		return stats, fmt.Errorf("keel: system %s failed: %w", desc.Name, result.Err)
	}
	stats.Skipped = result.Skipped
	return stats, nil
}

// RunFrames drives n variable-step frames, stopping at the first error.
func (r *Runner) RunFrames(ctx context.Context, n int, dt time.Duration) error {
	for i := 0; i < n; i++ {
		if err := r.Frame(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

// RunWithTrace wraps fn in a runtime execution trace written to w.
func (r *Runner) RunWithTrace(w io.Writer, fn func() error) error {
	if w != nil {
		if err := trace.Start(w); err != nil {
			return err
		}
		defer trace.Stop()
	}
	return fn()
}

// FrameIndex returns the number of completed frames.
func (r *Runner) FrameIndex() uint64 {
	return r.frame
}

// Alpha returns the interpolation fraction left by the last FixedFrame.
func (r *Runner) Alpha() float64 {
	return r.alpha
}

func shouldRunFrame(frame uint64, interval TickInterval) bool {
	every := uint64(interval.Every)
	if every == 0 {
		return true
	}
	offset := uint64(interval.Offset % interval.Every)
	return (frame+offset)%every == 0
}

type noopObserver struct{}

func (noopObserver) FrameCompleted(FrameStats)   {}
func (noopObserver) SystemCompleted(SystemStats) {}
