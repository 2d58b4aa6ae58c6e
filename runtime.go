package keel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Runtime assembles a world, planner, runner, job scheduler, gate and
// binding router from one Config. Hosts that want different wiring can
// build the pieces directly; the runtime is the common case.
type Runtime struct {
	cfg     Config
	logger  *zap.Logger
	world   *World
	planner *Planner
	router  *BindingRouter
	jobs    *JobScheduler
	gate    *Gate
	runner  *Runner

	mu      sync.Mutex
	started bool
	closed  bool
}

type runtimeOptions struct {
	logger            *zap.Logger
	observation       *ObservationSettings
	mainThreadBinders bool
}

type RuntimeOption func(*runtimeOptions)

// WithRuntimeLogger overrides the logger built from the config's logging
// section.
func WithRuntimeLogger(logger *zap.Logger) RuntimeOption {
	return func(o *runtimeOptions) { o.logger = logger }
}

// WithRuntimeObservation enables the observer chain on the runner.
func WithRuntimeObservation(settings ObservationSettings) RuntimeOption {
	return func(o *runtimeOptions) { o.observation = &settings }
}

// WithMainThreadBinders routes binder applies through the runtime's gate;
// the host must Pump it every frame.
func WithMainThreadBinders() RuntimeOption {
	return func(o *runtimeOptions) { o.mainThreadBinders = true }
}

func NewRuntime(reg *Registry, cfg Config, opts ...RuntimeOption) (*Runtime, error) {
	var ro runtimeOptions
	for _, opt := range opts {
		opt(&ro)
	}

	logger := ro.logger
	if logger == nil {
		built, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = built
	}

	world, err := NewWorld(reg, cfg.World.worldOptions(logger)...)
	if err != nil {
		return nil, err
	}

	gate := NewGate(cfg.Jobs.GateCapacity)
	routerOpts := []RouterOption{}
	if ro.mainThreadBinders {
		routerOpts = append(routerOpts, WithRouterGate(gate))
	}
	router := NewBindingRouter(world, routerOpts...)
	jobs := NewJobScheduler(world, WithWorkers(cfg.Jobs.Workers))
	planner := NewPlanner(world)

	runnerOpts := append(cfg.Runner.runnerOptions(),
		WithRouter(router),
		WithJobScheduler(jobs),
	)
	if ro.observation != nil {
		runnerOpts = append(runnerOpts, WithObservation(*ro.observation))
	}
	runner, err := NewRunner(world, planner, runnerOpts...)
	if err != nil {
		jobs.Close()
		gate.Close()
		return nil, err
	}

	return &Runtime{
		cfg:     cfg,
		logger:  world.Logger(),
		world:   world,
		planner: planner,
		router:  router,
		jobs:    jobs,
		gate:    gate,
		runner:  runner,
	}, nil
}

func (rt *Runtime) World() *World          { return rt.world }
func (rt *Runtime) Planner() *Planner      { return rt.planner }
func (rt *Runtime) Router() *BindingRouter { return rt.router }
func (rt *Runtime) Jobs() *JobScheduler    { return rt.jobs }
func (rt *Runtime) Gate() *Gate            { return rt.gate }
func (rt *Runtime) Runner() *Runner        { return rt.runner }
func (rt *Runtime) Logger() *zap.Logger    { return rt.logger }

// RegisterSystem adds a system to the plan.
func (rt *Runtime) RegisterSystem(sys System) error {
	return rt.planner.Register(sys)
}

// RegisterBinder adds a binder to the router.
func (rt *Runtime) RegisterBinder(b Binder) error {
	return rt.router.RegisterBinder(b)
}

// Start plans the systems and runs their initializers. Calling Frame
// without Start is fine for systems that need no setup.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = true
	rt.mu.Unlock()
	return rt.runner.Initialize(ctx)
}

// Frame runs one variable-step frame.
func (rt *Runtime) Frame(ctx context.Context, dt time.Duration) error {
	return rt.runner.Frame(ctx, dt)
}

// FixedFrame runs fixed simulation steps and returns the interpolation
// alpha.
func (rt *Runtime) FixedFrame(ctx context.Context, dt time.Duration) (float64, error) {
	return rt.runner.FixedFrame(ctx, dt)
}

// LateFrame runs the read-only interpolation pass.
func (rt *Runtime) LateFrame(ctx context.Context) error {
	return rt.runner.LateFrame(ctx)
}

// Pump drains gate work onto the calling goroutine.
func (rt *Runtime) Pump() int {
	return rt.gate.Pump()
}

// Shutdown unwinds systems, stops the job workers and closes the gate.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.mu.Unlock()

	err := rt.runner.Shutdown(ctx)
	rt.jobs.Close()
	rt.gate.Close()
	if report, applyErr := rt.world.ApplyScheduled(); applyErr != nil {
		err = multierr.Append(err, applyErr)
	} else if report.Applied > 0 {
		rt.logger.Debug("applied trailing buffers at shutdown",
			zap.Int("ops", report.Applied),
		)
	}
	_ = rt.logger.Sync()
	return err
}

var (
	defaultRegistry = NewRegistry()
	defaultOnce     sync.Once
	defaultRuntime  *Runtime
	defaultErr      error
)

// DefaultRegistry is the registry behind Default. Components registered
// here before the first Default call end up in the default runtime.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Default lazily builds a process-wide runtime from DefaultConfig. Most
// programs should construct their own; this exists for small tools and
// examples.
func Default() (*Runtime, error) {
	defaultOnce.Do(func() {
		defaultRuntime, defaultErr = NewRuntime(defaultRegistry, DefaultConfig())
	})
	return defaultRuntime, defaultErr
}
