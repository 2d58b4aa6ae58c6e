package keel_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/venrik/keel"
)

type testSystem struct {
	desc      keel.SystemDesc
	executed  *[]string
	run       func(fr *keel.FrameContext) error
	mu        sync.Mutex
	failLimit int
	failCount int
}

func (s *testSystem) Describe() keel.SystemDesc { return s.desc }

func (s *testSystem) Run(_ context.Context, fr *keel.FrameContext) keel.Result {
	s.mu.Lock()
	if s.executed != nil {
		*s.executed = append(*s.executed, s.desc.Name)
	}
	fail := s.failLimit > 0 && s.failCount < s.failLimit
	if fail {
		s.failCount++
	}
	s.mu.Unlock()

	if s.run != nil {
		if err := s.run(fr); err != nil {
			return keel.Result{Err: err}
		}
	}
	if fail {
		return keel.Result{Err: fmt.Errorf("forced failure %s", s.desc.Name)}
	}
	return keel.Result{}
}

type lifecycleSystem struct {
	testSystem
	log     *[]string
	initErr error
}

func (s *lifecycleSystem) Init(_ context.Context, _ *keel.World) error {
	*s.log = append(*s.log, "init:"+s.desc.Name)
	return s.initErr
}

func (s *lifecycleSystem) Shutdown(_ context.Context, _ *keel.World) error {
	*s.log = append(*s.log, "shutdown:"+s.desc.Name)
	return nil
}

type lateSystem struct {
	testSystem
	late func(fr *keel.FrameContext, alpha float64) error
}

func (s *lateSystem) LateRun(_ context.Context, fr *keel.FrameContext, alpha float64) keel.Result {
	if s.late != nil {
		if err := s.late(fr, alpha); err != nil {
			return keel.Result{Err: err}
		}
	}
	return keel.Result{}
}

type recordingObserver struct {
	mu      sync.Mutex
	frames  []keel.FrameStats
	systems []keel.SystemStats
}

func (o *recordingObserver) FrameCompleted(stats keel.FrameStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.frames = append(o.frames, stats)
}

func (o *recordingObserver) SystemCompleted(stats keel.SystemStats) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.systems = append(o.systems, stats)
}

func registerSystems(t *testing.T, planner *keel.Planner, systems ...keel.System) {
	t.Helper()
	for _, sys := range systems {
		if err := planner.Register(sys); err != nil {
			t.Fatalf("register %s: %v", sys.Describe().Name, err)
		}
	}
}

func TestRunnerRunsGroupsInOrder(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	order := make([]string, 0)
	registerSystems(t, planner,
		&testSystem{desc: keel.SystemDesc{Name: "render", Group: keel.Presentation}, executed: &order},
		&testSystem{desc: keel.SystemDesc{Name: "b_sim", Group: keel.Simulation}, executed: &order},
		&testSystem{desc: keel.SystemDesc{Name: "a_sim", Group: keel.Simulation}, executed: &order},
		&testSystem{desc: keel.SystemDesc{Name: "input", Group: keel.FrameSetup}, executed: &order},
	)
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("frame: %v", err)
	}
	want := []string{"input", "a_sim", "b_sim", "render"}
	if len(order) != len(want) {
		t.Fatalf("unexpected execution count: %#v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("unexpected execution order: %#v", order)
		}
	}
}

func TestRunnerOrderIsRegistrationIndependent(t *testing.T) {
	build := func(names []string) []string {
		world := newTestWorld(t)
		planner := keel.NewPlanner(world)
		order := make([]string, 0)
		for _, name := range names {
			desc := keel.SystemDesc{Name: name, Group: keel.Simulation}
			if name == "integrate" {
				desc.After = []string{"accelerate"}
			}
			registerSystems(t, planner, &testSystem{desc: desc, executed: &order})
		}
		runner, err := keel.NewRunner(world, planner)
		if err != nil {
			t.Fatalf("new runner: %v", err)
		}
		if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
			t.Fatalf("frame: %v", err)
		}
		return order
	}

	first := build([]string{"integrate", "accelerate", "collide"})
	second := build([]string{"collide", "accelerate", "integrate"})
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 executions, got %v and %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("order depends on registration: %v vs %v", first, second)
		}
	}
	if first[0] != "accelerate" {
		t.Fatalf("expected accelerate first, got %v", first)
	}
}

func TestRunnerBarrierAppliesDeferredWrites(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	var aliveAtPresentation int
	registerSystems(t, planner,
		&testSystem{
			desc: keel.SystemDesc{Name: "spawner", Group: keel.Simulation},
			run: func(fr *keel.FrameContext) error {
				if world.Alive() != 0 {
					return fmt.Errorf("structural write leaked before barrier")
				}
				return fr.Buffer().Create(nil)
			},
		},
		&testSystem{
			desc: keel.SystemDesc{Name: "render", Group: keel.Presentation},
			run: func(fr *keel.FrameContext) error {
				aliveAtPresentation = world.Alive()
				return nil
			},
		},
	)
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if aliveAtPresentation != 1 {
		t.Fatalf("expected presentation to see the spawned entity, saw %d", aliveAtPresentation)
	}
	if world.Alive() != 1 {
		t.Fatalf("expected 1 entity after frame, got %d", world.Alive())
	}
}

func TestRunnerPresentationWritesLandNextFrame(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	registerSystems(t, planner, &testSystem{
		desc: keel.SystemDesc{Name: "capture", Group: keel.Presentation},
		run: func(fr *keel.FrameContext) error {
			if fr.Frame() == 0 {
				return fr.Buffer().Create(nil)
			}
			return nil
		},
	})
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if world.Alive() != 0 {
		t.Fatalf("presentation write should defer to next frame, alive=%d", world.Alive())
	}
	if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if world.Alive() != 1 {
		t.Fatalf("expected deferred write to land on next barrier, alive=%d", world.Alive())
	}
}

func TestRunnerRunEvery(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	evenFrames := make([]string, 0)
	oddFrames := make([]string, 0)
	registerSystems(t, planner,
		&testSystem{
			desc:     keel.SystemDesc{Name: "even", Group: keel.Simulation, RunEvery: keel.TickInterval{Every: 2}},
			executed: &evenFrames,
		},
		&testSystem{
			desc:     keel.SystemDesc{Name: "odd", Group: keel.Simulation, RunEvery: keel.TickInterval{Every: 2, Offset: 1}},
			executed: &oddFrames,
		},
	)
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := runner.RunFrames(context.Background(), 4, time.Millisecond); err != nil {
		t.Fatalf("run frames: %v", err)
	}
	if len(evenFrames) != 2 {
		t.Fatalf("expected even system to run twice, got %d", len(evenFrames))
	}
	if len(oddFrames) != 2 {
		t.Fatalf("expected odd system to run twice, got %d", len(oddFrames))
	}
}

func TestRunnerFailFastAbortsFrame(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	order := make([]string, 0)
	registerSystems(t, planner,
		&testSystem{
			desc:     keel.SystemDesc{Name: "broken", Group: keel.Simulation},
			executed: &order, failLimit: 10,
		},
		&testSystem{
			desc:     keel.SystemDesc{Name: "downstream", Group: keel.Simulation, After: []string{"broken"}},
			executed: &order,
		},
	)
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Frame(context.Background(), time.Millisecond); err == nil {
		t.Fatalf("expected frame to fail")
	}
	if len(order) != 1 || order[0] != "broken" {
		t.Fatalf("expected downstream to be skipped, got %v", order)
	}
	if runner.FrameIndex() != 0 {
		t.Fatalf("failed frame should not advance the counter, got %d", runner.FrameIndex())
	}
}

func TestRunnerSkipOnErrorContinues(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	order := make([]string, 0)
	registerSystems(t, planner,
		&testSystem{
			desc:     keel.SystemDesc{Name: "broken", Group: keel.Simulation},
			executed: &order, failLimit: 10,
		},
		&testSystem{
			desc:     keel.SystemDesc{Name: "downstream", Group: keel.Simulation, After: []string{"broken"}},
			executed: &order,
		},
	)
	observer := &recordingObserver{}
	runner, err := keel.NewRunner(world, planner,
		keel.WithErrorPolicy(keel.ErrorPolicy{Mode: keel.SkipOnError}),
		keel.WithObserver(observer),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("frame should absorb the failure, got %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("expected downstream to run, got %v", order)
	}
	if runner.FrameIndex() != 1 {
		t.Fatalf("expected frame to complete, got index %d", runner.FrameIndex())
	}
	if len(observer.frames) != 1 || observer.frames[0].SystemsSkipped != 1 {
		t.Fatalf("expected one skipped system in stats: %+v", observer.frames)
	}
}

func TestRunnerRetryRollsBackBufferedOps(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	sys := &testSystem{
		desc:      keel.SystemDesc{Name: "flaky_spawner", Group: keel.Simulation},
		failLimit: 1,
		run: func(fr *keel.FrameContext) error {
			return fr.Buffer().Create(nil)
		},
	}
	registerSystems(t, planner, sys)
	observer := &recordingObserver{}
	runner, err := keel.NewRunner(world, planner,
		keel.WithErrorPolicy(keel.ErrorPolicy{Mode: keel.RetryOnError, MaxRetries: 2}),
		keel.WithObserver(observer),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("frame: %v", err)
	}
	// The failed attempt's op was rolled back; only the retry's landed.
	if world.Alive() != 1 {
		t.Fatalf("expected exactly 1 entity after retry, got %d", world.Alive())
	}
	if len(observer.systems) != 1 || observer.systems[0].Retries != 1 {
		t.Fatalf("expected 1 recorded retry: %+v", observer.systems)
	}
}

func TestRunnerRetriesExhausted(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	registerSystems(t, planner, &testSystem{
		desc:      keel.SystemDesc{Name: "hopeless", Group: keel.Simulation},
		failLimit: 10,
	})
	runner, err := keel.NewRunner(world, planner,
		keel.WithErrorPolicy(keel.ErrorPolicy{Mode: keel.RetryOnError, MaxRetries: 2}),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Frame(context.Background(), time.Millisecond); err == nil {
		t.Fatalf("expected exhausted retries to fail the frame")
	}
	if runner.FrameIndex() != 0 {
		t.Fatalf("failed frame should not advance the counter")
	}
}

func TestRunnerFixedFrameAccumulates(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	var setupRuns, simRuns, presentRuns int
	var simDeltas []time.Duration
	var presentAlpha float64
	registerSystems(t, planner,
		&testSystem{
			desc: keel.SystemDesc{Name: "setup", Group: keel.FrameSetup},
			run:  func(fr *keel.FrameContext) error { setupRuns++; return nil },
		},
		&testSystem{
			desc: keel.SystemDesc{Name: "integrate", Group: keel.Simulation},
			run: func(fr *keel.FrameContext) error {
				simRuns++
				simDeltas = append(simDeltas, fr.TimeDelta())
				return nil
			},
		},
		&testSystem{
			desc: keel.SystemDesc{Name: "present", Group: keel.Presentation},
			run: func(fr *keel.FrameContext) error {
				presentRuns++
				presentAlpha = fr.Alpha()
				return nil
			},
		},
	)
	step := 10 * time.Millisecond
	runner, err := keel.NewRunner(world, planner, keel.WithFixedStep(step))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	alpha, err := runner.FixedFrame(context.Background(), 25*time.Millisecond)
	if err != nil {
		t.Fatalf("fixed frame: %v", err)
	}
	if setupRuns != 1 || presentRuns != 1 {
		t.Fatalf("setup and presentation should run once, got %d and %d", setupRuns, presentRuns)
	}
	if simRuns != 2 {
		t.Fatalf("expected 2 fixed steps, got %d", simRuns)
	}
	for _, dt := range simDeltas {
		if dt != step {
			t.Fatalf("simulation should see the fixed step, got %v", dt)
		}
	}
	if alpha != 0.5 {
		t.Fatalf("expected alpha 0.5, got %v", alpha)
	}
	if presentAlpha != 0.5 {
		t.Fatalf("presentation should see the alpha, got %v", presentAlpha)
	}

	// The remainder carries into the next frame: 5ms + 5ms = one step.
	alpha, err = runner.FixedFrame(context.Background(), 5*time.Millisecond)
	if err != nil {
		t.Fatalf("fixed frame: %v", err)
	}
	if simRuns != 3 {
		t.Fatalf("expected carried remainder to complete a step, got %d", simRuns)
	}
	if alpha != 0 {
		t.Fatalf("expected empty accumulator, got %v", alpha)
	}
}

func TestRunnerFixedFrameShedsBacklog(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	simRuns := 0
	registerSystems(t, planner, &testSystem{
		desc: keel.SystemDesc{Name: "integrate", Group: keel.Simulation},
		run:  func(fr *keel.FrameContext) error { simRuns++; return nil },
	})
	observer := &recordingObserver{}
	runner, err := keel.NewRunner(world, planner,
		keel.WithFixedStep(10*time.Millisecond),
		keel.WithMaxCatchUp(2),
		keel.WithObserver(observer),
	)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	alpha, err := runner.FixedFrame(context.Background(), 500*time.Millisecond)
	if err != nil {
		t.Fatalf("fixed frame: %v", err)
	}
	if simRuns != 2 {
		t.Fatalf("expected backlog shed after 2 steps, got %d", simRuns)
	}
	if alpha != 0 {
		t.Fatalf("shedding should empty the accumulator, got %v", alpha)
	}
	if len(observer.frames) != 1 || observer.frames[0].FixedSteps != 2 {
		t.Fatalf("expected 2 fixed steps in stats: %+v", observer.frames)
	}
}

func TestRunnerLateFrameDeniesStructuralWrites(t *testing.T) {
	world := newTestWorld(t)
	e := world.CreateEntity()
	planner := keel.NewPlanner(world)

	var writeErr error
	var armedDuring bool
	late := &lateSystem{
		testSystem: testSystem{desc: keel.SystemDesc{Name: "interpolate", Group: keel.Presentation}},
		late: func(fr *keel.FrameContext, alpha float64) error {
			armedDuring = world.Guard().Armed()
			writeErr = keel.Set(world, e, position{X: 1})
			return nil
		},
	}
	registerSystems(t, planner, late)
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.LateFrame(context.Background()); err != nil {
		t.Fatalf("late frame: %v", err)
	}
	if !armedDuring {
		t.Fatalf("guard should be armed during late frame")
	}
	if !errors.Is(writeErr, keel.ErrWriteDenied) {
		t.Fatalf("expected write denied, got %v", writeErr)
	}
	if world.Guard().Armed() {
		t.Fatalf("guard should disarm after late frame")
	}
	if err := keel.Set(world, e, position{X: 2}); err != nil {
		t.Fatalf("writes should work again: %v", err)
	}
}

func TestRunnerInitializeAndShutdownOrder(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	log := make([]string, 0)
	a := &lifecycleSystem{
		testSystem: testSystem{desc: keel.SystemDesc{Name: "assets", Group: keel.FrameSetup}},
		log:        &log,
	}
	b := &lifecycleSystem{
		testSystem: testSystem{desc: keel.SystemDesc{Name: "audio", Group: keel.Simulation}},
		log:        &log,
	}
	registerSystems(t, planner, a, b)
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := runner.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	want := []string{"init:assets", "init:audio", "shutdown:audio", "shutdown:assets"}
	if len(log) != len(want) {
		t.Fatalf("unexpected lifecycle log: %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("unexpected lifecycle order: %v", log)
		}
	}
}

func TestRunnerShutdownUnwindsPartialInit(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	log := make([]string, 0)
	ok := &lifecycleSystem{
		testSystem: testSystem{desc: keel.SystemDesc{Name: "assets", Group: keel.FrameSetup}},
		log:        &log,
	}
	bad := &lifecycleSystem{
		testSystem: testSystem{desc: keel.SystemDesc{Name: "audio", Group: keel.Simulation}},
		log:        &log,
		initErr:    fmt.Errorf("no device"),
	}
	registerSystems(t, planner, ok, bad)
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Initialize(context.Background()); err == nil {
		t.Fatalf("expected initialize to fail")
	}
	if err := runner.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	want := []string{"init:assets", "init:audio", "shutdown:assets"}
	if len(log) != len(want) {
		t.Fatalf("unexpected lifecycle log: %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("failed system must not be unwound: %v", log)
		}
	}
}

func TestRunnerStopsOnCancelledContext(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	ran := false
	registerSystems(t, planner, &testSystem{
		desc: keel.SystemDesc{Name: "work", Group: keel.Simulation},
		run:  func(fr *keel.FrameContext) error { ran = true; return nil },
	})
	runner, err := keel.NewRunner(world, planner)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runner.Frame(ctx, time.Millisecond); err == nil {
		t.Fatalf("expected cancelled context to fail the frame")
	}
	if ran {
		t.Fatalf("system should not run after cancellation")
	}
}

func TestRunnerReportsFrameStats(t *testing.T) {
	world := newTestWorld(t)
	planner := keel.NewPlanner(world)

	registerSystems(t, planner, &testSystem{
		desc: keel.SystemDesc{Name: "spawner", Group: keel.Simulation},
		run:  func(fr *keel.FrameContext) error { return fr.Buffer().Create(nil) },
	})
	observer := &recordingObserver{}
	runner, err := keel.NewRunner(world, planner, keel.WithObserver(observer))
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	if err := runner.Frame(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if len(observer.frames) != 1 {
		t.Fatalf("expected 1 frame stat, got %d", len(observer.frames))
	}
	stats := observer.frames[0]
	if stats.SystemsRun != 1 || stats.Applied != 1 || stats.Err != nil {
		t.Fatalf("unexpected frame stats: %+v", stats)
	}
	if len(observer.systems) != 1 || observer.systems[0].System != "spawner" {
		t.Fatalf("unexpected system stats: %+v", observer.systems)
	}
}
