package keel

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/venrik/keel/storage"
)

// Entity is a generation-checked handle into a world. See storage.Entity
// for the packing scheme.
type Entity = storage.Entity

// GrowthPolicy controls capacity growth of the entity table and pools.
type GrowthPolicy = storage.GrowthPolicy

// Doubling returns the default doubling growth policy.
func Doubling() GrowthPolicy { return storage.Doubling() }

// StepBy returns a growth policy that extends capacity by n slots at a time.
func StepBy(n int) GrowthPolicy { return storage.StepBy(n) }

// ComponentID is the dense runtime identifier of a registered component
// type. IDs are assigned in registration order and are not stable across
// processes; use StableID for anything persisted.
type ComponentID uint16

// StableID is the persistent identifier of a component type, chosen by the
// caller at registration and recorded in snapshots.
type StableID uint32

// Group names one of the three planning groups a system can belong to.
type Group uint8

const (
	// FrameSetup runs first each frame: input sampling, spawning, staging.
	FrameSetup Group = iota
	// Simulation runs the frame's game logic.
	Simulation
	// Presentation runs after the structural barrier, against settled state.
	Presentation

	groupCount = 3
)

// String returns the group name used in plans, errors and logs.
func (g Group) String() string {
	switch g {
	case FrameSetup:
		return "frame_setup"
	case Simulation:
		return "simulation"
	case Presentation:
		return "presentation"
	default:
		return "unknown"
	}
}

// TickInterval controls how frequently a system runs. A system with
// interval {Every: n, Offset: k} runs on frames where (frame+k)%n == 0.
// The zero value runs every frame.
type TickInterval struct {
	Every  uint32
	Offset uint32
}

// SystemDesc declares a system's identity, group, component access and
// ordering constraints. Reported once through Describe; the planner never
// inspects systems any other way.
type SystemDesc struct {
	Name     string
	Group    Group
	Reads    []ComponentID
	Writes   []ComponentID
	Before   []string
	After    []string
	RunEvery TickInterval
}

// System is executable logic scheduled by the planner and driven by the
// runner.
type System interface {
	Describe() SystemDesc
	Run(ctx context.Context, fr *FrameContext) Result
}

// Result indicates how a system behaved during execution.
type Result struct {
	Skipped bool
	Err     error
}

// Initializer is implemented by systems that need one-time setup before the
// first frame.
type Initializer interface {
	Init(ctx context.Context, w *World) error
}

// Shutdowner is implemented by systems that release resources when the
// runner shuts down. Shutdown runs in reverse plan order.
type Shutdowner interface {
	Shutdown(ctx context.Context, w *World) error
}

// LateRunner is implemented by presentation systems that want an
// interpolation pass after the frame, with structural writes denied.
type LateRunner interface {
	LateRun(ctx context.Context, fr *FrameContext, alpha float64) Result
}

// ErrorPolicyMode selects how the runner responds to a failing system.
type ErrorPolicyMode uint8

const (
	// FailFast aborts the frame on the first system error.
	FailFast ErrorPolicyMode = iota
	// SkipOnError logs the error and continues with the next system.
	SkipOnError
	// RetryOnError rolls the frame buffer back and re-runs the system.
	RetryOnError
)

// ErrorPolicy defines how the runner responds to system failures within a
// group. MaxRetries only applies to RetryOnError and defaults to 1.
type ErrorPolicy struct {
	Mode       ErrorPolicyMode
	MaxRetries int
}

// DenyMode selects what happens to a structural write attempted while the
// write guard is armed.
type DenyMode uint8

const (
	// DenyThrow rejects the write with ErrWriteDenied.
	DenyThrow DenyMode = iota
	// DenyLog drops the write and logs it at warn level.
	DenyLog
	// DenyIgnore drops the write silently.
	DenyIgnore
)

// RecordMode selects how a command buffer accepts writes.
type RecordMode uint8

const (
	// RecordSingle is a plain append buffer for one writer.
	RecordSingle RecordMode = iota
	// RecordConcurrent accepts writes from many goroutines and drains from one.
	RecordConcurrent
)

// ApplyMode distinguishes where deferred commands take effect.
type ApplyMode uint8

const (
	// ApplyAtBarrier defers commands to the runner's structural barrier.
	ApplyAtBarrier ApplyMode = iota
	// ApplyImmediate applies commands at the call site.
	ApplyImmediate
)

// BarrierPolicy controls whether the structural barrier waits for in-flight
// jobs before draining scheduled buffers.
type BarrierPolicy uint8

const (
	// BarrierAll waits for every submitted job.
	BarrierAll BarrierPolicy = iota
	// BarrierNone drains without waiting; late job buffers land next frame.
	BarrierNone
)

// DeltaKind classifies a component change observed by the binding router.
type DeltaKind uint8

const (
	DeltaAdded DeltaKind = iota
	DeltaChanged
	DeltaRemoved
)

// String returns the delta kind label used in logs.
func (k DeltaKind) String() string {
	switch k {
	case DeltaAdded:
		return "added"
	case DeltaChanged:
		return "changed"
	case DeltaRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Delta records one coalesced component change for one entity in one frame.
type Delta struct {
	Entity    Entity
	Component ComponentID
	Kind      DeltaKind
}

// BinderDesc declares a binder's identity, fan-out priority, the components
// whose deltas wake it, and the entity contexts it needs.
type BinderDesc struct {
	Name       string
	Priority   int
	Components []ComponentID
	Contexts   []ContextKind
	// Always wakes the binder every RunApply regardless of deltas.
	Always bool
}

// Binder applies entity state to a presentation-side object.
type Binder interface {
	Describe() BinderDesc
	Apply(ac *ApplyContext) error
}

// ContextKind names a lazily-created per-entity context.
type ContextKind string

// ContextFactory builds the context value for an entity on first use.
type ContextFactory func(e Entity) any

// Disposer is honored when per-entity contexts are dropped.
type Disposer interface {
	Dispose()
}

// Migration rewrites restored component data after a snapshot load.
// Migrations run ordered by (Order, component type name).
type Migration struct {
	Order     int
	Component StableID
	Apply     func(w *World, logger *zap.Logger) error
}

// Observer receives execution summaries from the runner.
type Observer interface {
	FrameCompleted(stats FrameStats)
	SystemCompleted(stats SystemStats)
}

// FrameStats captures execution metadata for one frame.
type FrameStats struct {
	Frame          uint64
	Duration       time.Duration
	PhaseDurations [groupCount]time.Duration
	FixedSteps     int
	SystemsRun     int
	SystemsSkipped int
	Applied        int
	SkippedOps     int
	Err            error
}

// SystemStats captures execution metadata for one system run.
type SystemStats struct {
	Frame    uint64
	Group    Group
	System   string
	Duration time.Duration
	Skipped  bool
	Retries  int
	Err      error
}

// MetricsSink accumulates runner stats for scrape-style exposition.
type MetricsSink interface {
	ObserveFrame(stats FrameStats)
	ObserveSystem(stats SystemStats)
}

// SpanExporter receives one span per frame for tracing backends.
type SpanExporter interface {
	ExportFrameSpan(stats FrameStats)
}

// ObservationSettings toggles built-in observer integrations.
type ObservationSettings struct {
	EnableLogging  bool
	Logger         *zap.Logger
	EnableMetrics  bool
	Metrics        MetricsSink
	MetricsOptions *MetricsOptions
	EnableSpans    bool
	Spans          SpanExporter
	SpanOptions    *SpanExporterOptions
	Observer       Observer
}
