package kernel

import (
	"log/slog"

	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

// Context is handed to every task's entry function in place of a bare
// func() signature and in place of a thread-local "current task" lookup:
// instead of reaching into package-level state to find out
// which task and scheduler it is running on (spec §9's "Global state" is a
// TLS slot per worker), a task's code carries its identity explicitly,
// the way a goroutine in idiomatic Go carries a context.Context. The
// worker-local TLS slot described in spec §9 still exists internally
// (Worker.current) for diagnostics; Context is the user-facing surface.
type Context struct {
	k       *Kernel
	task    *scheduler.Task
	schedID scheduler.SchedulerID
}

// TaskID returns the id of the task this Context belongs to.
func (c *Context) TaskID() scheduler.TaskID { return c.task.ID }

// SchedulerID returns the id of the scheduler this Context's task runs on.
func (c *Context) SchedulerID() scheduler.SchedulerID { return c.schedID }

// Task exposes the underlying scheduler.Task, for packages (port, select)
// that need it to track owned resources or install a rendezvous.
func (c *Context) Task() *scheduler.Task { return c.task }

// DefaultPortCapacityHint returns the kernel's configured default capacity
// hint for a new port, for task code that has no reason to pick its own
// (spec §1.3 Config.DefaultPortCapacityHint).
func (c *Context) DefaultPortCapacityHint() int { return c.k.DefaultPortCapacityHint() }

// Logger returns the kernel's configured logger, pre-tagged with this
// task's id and name.
func (c *Context) Logger() *slog.Logger {
	return c.k.log.With("task_id", c.task.ID, "task_name", c.task.Name)
}

// Yield cooperatively suspends the calling task, giving other runnable
// tasks on the same worker a turn. Returns true if the task has been
// killed and should begin unwinding.
func (c *Context) Yield() bool { return c.task.Yield() }

// Killed reports whether this task has been asked to die.
func (c *Context) Killed() bool { return c.task.Killed() }

// Unsupervise detaches this task's failures from propagating to its
// parent (spec §10 supervision).
func (c *Context) Unsupervise() { c.task.Unsupervise() }

// Fail reports this task as having failed with reason (spec §4.4 "fail"),
// propagating a kill to its supervising parent and killing itself.
func (c *Context) Fail(reason string) { c.task.Fail(reason) }

// NewTask spawns a new supervised child task on the same scheduler as the
// calling task (spec §4.1 "rt_new_task").
func (c *Context) NewTask(name string, fn func(*Context)) (scheduler.TaskID, bool) {
	return c.k.spawn(c.schedID, name, fn, c.task.ID, true)
}

// NewTaskIn spawns a new supervised child task on the named scheduler
// (spec §4.1 "rt_new_task_in").
func (c *Context) NewTaskIn(schedID scheduler.SchedulerID, name string, fn func(*Context)) (scheduler.TaskID, bool) {
	return c.k.spawn(schedID, name, fn, c.task.ID, true)
}
