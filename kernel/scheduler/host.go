package scheduler

import "log/slog"

// SchedulerID identifies a Scheduler within a Kernel. Ids are never reused
// within a run.
type SchedulerID uint64

// TaskID identifies a Task within a Kernel. Ids are never reused within a
// run.
type TaskID uint64

// Host is the interface a Scheduler (and transitively its Workers) uses to
// reach the owning Kernel. Ownership flows kernel -> scheduler -> worker ->
// task (spec §9); Host exists so that direction is expressed as a narrow,
// non-owning interface instead of a concrete back-pointer that would create
// an import cycle between the kernel and scheduler packages.
type Host interface {
	// NewTaskID allocates the next task id from the kernel's monotonic
	// allocator.
	NewTaskID() TaskID
	// RegisterTask adds t to the kernel's task table.
	RegisterTask(t *Task)
	// ReleaseTaskID removes id from the kernel's task table.
	ReleaseTaskID(id TaskID)
	// LookupTask returns the task registered under id, without touching
	// its refcount (internal use, e.g. supervision kill propagation).
	LookupTask(id TaskID) (*Task, bool)
	// ReleaseSchedulerID removes id from the kernel's scheduler table; the
	// last scheduler to do so wakes anyone blocked in RunUntilQuiescent.
	ReleaseSchedulerID(id SchedulerID)
	// Logger returns the kernel's configured logger.
	Logger() *slog.Logger
}
