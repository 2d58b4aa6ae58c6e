package keel

import "errors"

var (
	// ErrDeadEntity indicates an immediate structural call against a destroyed or zero handle.
	ErrDeadEntity = errors.New("keel: entity is dead")
	// ErrUnknownComponent signals lookup of a component type that was never registered.
	ErrUnknownComponent = errors.New("keel: component not registered")
	// ErrDuplicateComponent indicates an attempt to register the same component type or stable id twice.
	ErrDuplicateComponent = errors.New("keel: component already registered")
	// ErrRegistrySealed indicates registration after the first world was built on the registry.
	ErrRegistrySealed = errors.New("keel: registry is sealed")
	// ErrBufferState is returned when a command buffer is used outside its lifecycle.
	ErrBufferState = errors.New("keel: command buffer in wrong state")
	// ErrWriteDenied indicates a structural write while the world's write guard was armed.
	ErrWriteDenied = errors.New("keel: structural write denied")
	// ErrPlannerConflict indicates two systems in a group with overlapping access and no ordering edge.
	ErrPlannerConflict = errors.New("keel: conflicting component access")
	// ErrPlannerCycle indicates ordering constraints that cannot be linearized.
	ErrPlannerCycle = errors.New("keel: ordering cycle")
	// ErrDuplicateSystem indicates two registered systems sharing a name.
	ErrDuplicateSystem = errors.New("keel: system already registered")
	// ErrDuplicateFactory indicates two context factories registered under one kind.
	ErrDuplicateFactory = errors.New("keel: context factory already registered")
	// ErrDuplicateBinder indicates two registered binders sharing a name.
	ErrDuplicateBinder = errors.New("keel: binder already registered")
	// ErrSchedulerClosed indicates jobs cannot be submitted because the scheduler closed.
	ErrSchedulerClosed = errors.New("keel: job scheduler closed")
	// ErrGateClosed indicates work cannot be posted because the gate closed.
	ErrGateClosed = errors.New("keel: gate closed")
	// ErrSnapshotFormat is returned when snapshot bytes do not carry the expected magic.
	ErrSnapshotFormat = errors.New("keel: not a snapshot stream")
	// ErrSnapshotVersion is returned when a snapshot was written by an unsupported format version.
	ErrSnapshotVersion = errors.New("keel: unsupported snapshot version")
)
