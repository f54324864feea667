// Package kernel implements the top-level runtime object (spec §4.1): the
// owner of every scheduler and the authoritative task table, and the thing
// an embedding program constructs, runs, and waits on.
package kernel

import (
	"errors"
	"log/slog"

	gvsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/dmarro89/go-taskrt/internal/errs"
	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

// Kernel is the runtime's root object. It owns every Scheduler and holds
// the authoritative TaskID -> *scheduler.Task table (spec §9: the kernel is
// the top of the ownership hierarchy; everything below holds only
// non-owning back-pointers to it, expressed here as the scheduler.Host
// interface).
type Kernel struct {
	mu   gvsync.Mutex // +checklocks: schedulers, tasks, nextSchedID, nextTaskID, liveSchedulers, exitStatus, failed
	cond *gvsync.Cond // signalled whenever liveSchedulers reaches 0

	schedulers map[scheduler.SchedulerID]*scheduler.Scheduler
	tasks      map[scheduler.TaskID]*scheduler.Task

	nextSchedID    uint64
	nextTaskID     uint64
	liveSchedulers int

	exitStatus int
	failed     bool

	cfg Config
	log *slog.Logger
}

// New constructs a Kernel with no schedulers yet running.
func New(cfg Config) *Kernel {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	k := &Kernel{
		schedulers: make(map[scheduler.SchedulerID]*scheduler.Scheduler),
		tasks:      make(map[scheduler.TaskID]*scheduler.Task),
		cfg:        cfg,
		log:        cfg.Logger,
	}
	k.cond = gvsync.NewCond(&k.mu)
	return k
}

// CreateScheduler allocates a new scheduler with numThreads workers, starts
// it, and returns its id (spec §4.1 "create_scheduler").
func (k *Kernel) CreateScheduler(numThreads int) (scheduler.SchedulerID, error) {
	k.mu.Lock()
	id := scheduler.SchedulerID(k.nextSchedID)
	k.nextSchedID++
	seed := k.cfg.RNGSeed + uint64(id)*11400714819323198485
	k.mu.Unlock()

	s, err := scheduler.New(k, id, numThreads, seed)
	if err != nil {
		return 0, err
	}

	k.mu.Lock()
	k.schedulers[id] = s
	k.liveSchedulers++
	k.mu.Unlock()

	s.Start()
	k.log.Debug("scheduler created", "sched_id", id, "num_threads", numThreads)
	return id, nil
}

// GetScheduler looks up a scheduler by id without affecting any refcount
// (schedulers, unlike tasks, are not reference counted — they are owned
// solely by the kernel).
func (k *Kernel) GetScheduler(id scheduler.SchedulerID) (*scheduler.Scheduler, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.schedulers[id]
	return s, ok
}

// Spawn creates an unsupervised, top-level task on the named scheduler and
// returns its id (spec §4.1 "rt_new_task_in" called from outside any
// task — e.g. a program's main entry point).
func (k *Kernel) Spawn(schedID scheduler.SchedulerID, name string, fn func(*Context)) (scheduler.TaskID, bool) {
	return k.spawn(schedID, name, fn, 0, false)
}

func (k *Kernel) spawn(schedID scheduler.SchedulerID, name string, fn func(*Context), parent scheduler.TaskID, hasParent bool) (scheduler.TaskID, bool) {
	s, ok := k.GetScheduler(schedID)
	if !ok {
		return 0, false
	}

	entry := func(env any) { fn(env.(*Context)) }
	envFactory := func(t *scheduler.Task) any {
		return &Context{k: k, task: t, schedID: schedID}
	}

	t := s.CreateTask(name, entry, envFactory, parent, hasParent)
	return t.ID, true
}

// NewTaskID implements scheduler.Host.
func (k *Kernel) NewTaskID() scheduler.TaskID {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := scheduler.TaskID(k.nextTaskID)
	k.nextTaskID++
	return id
}

// RegisterTask implements scheduler.Host.
func (k *Kernel) RegisterTask(t *scheduler.Task) {
	k.mu.Lock()
	k.tasks[t.ID] = t
	k.mu.Unlock()
}

// ReleaseTaskID implements scheduler.Host: removes id from the task table,
// the final step of reaping a dead task (spec §4.1 "release_task").
func (k *Kernel) ReleaseTaskID(id scheduler.TaskID) {
	k.mu.Lock()
	delete(k.tasks, id)
	k.mu.Unlock()
}

// LookupTask implements scheduler.Host, used internally for supervision
// kill propagation; it does not touch the task's refcount.
func (k *Kernel) LookupTask(id scheduler.TaskID) (*scheduler.Task, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.tasks[id]
	return t, ok
}

// GetTask looks up a task by id and, on success, adds a reference that the
// caller must release by calling ReleaseTaskID's counterpart once done
// (spec §4.1 "get_task" — every AddRef is matched by exactly one
// Release, performed here by the task's own reap step, not by this call;
// GetTask's caller is expected to hold the task only transiently, e.g. to
// deliver a kill, and is not itself responsible for reaping it).
func (k *Kernel) GetTask(id scheduler.TaskID) (*scheduler.Task, bool) {
	k.mu.Lock()
	t, ok := k.tasks[id]
	k.mu.Unlock()
	if !ok {
		return nil, false
	}
	t.AddRef()
	return t, true
}

// ReleaseSchedulerID implements scheduler.Host: removes id from the
// scheduler table once every worker on it has exited, and wakes anyone
// parked in RunUntilQuiescent if this was the last live scheduler (spec
// §4.1 "release_scheduler").
func (k *Kernel) ReleaseSchedulerID(id scheduler.SchedulerID) {
	k.mu.Lock()
	delete(k.schedulers, id)
	k.liveSchedulers--
	quiescent := k.liveSchedulers == 0
	k.mu.Unlock()

	if quiescent {
		k.cond.Broadcast()
	}
}

// SetExitStatus records the process-level exit status RunUntilQuiescent
// will return (spec §4.1 "set_exit_status").
func (k *Kernel) SetExitStatus(code int) {
	k.mu.Lock()
	k.exitStatus = code
	k.mu.Unlock()
}

// Fail marks the kernel as failed, forces a non-zero exit status, and
// broadcasts a kill to every task on every scheduler (spec §7
// KernelFailure: one unrecoverable failure tears down the whole runtime,
// not just the task that hit it).
func (k *Kernel) Fail(reason string) {
	err := errs.New(errs.KernelFailure, "kernel_fail", errors.New(reason))
	k.log.Error("kernel failure", "err", err)

	k.mu.Lock()
	k.failed = true
	if k.exitStatus == 0 {
		k.exitStatus = 1
	}
	scheds := make([]*scheduler.Scheduler, 0, len(k.schedulers))
	for _, s := range k.schedulers {
		scheds = append(scheds, s)
	}
	k.mu.Unlock()

	for _, s := range scheds {
		s.KillAllTasks()
	}
}

// Failed reports whether Fail has been called, for callers that want to
// distinguish a clean RunUntilQuiescent drain from a failure-forced one.
func (k *Kernel) Failed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.failed
}

// Logger implements scheduler.Host.
func (k *Kernel) Logger() *slog.Logger { return k.log }

// DefaultPortCapacityHint returns the configured default capacity hint for
// newly created ports (spec §1.3 Config).
func (k *Kernel) DefaultPortCapacityHint() int { return k.cfg.DefaultPortCapacityHint }

// RunUntilQuiescent blocks until every scheduler has drained (spec §4.1
// "run_until_quiescent"), then returns the recorded exit status.
func (k *Kernel) RunUntilQuiescent() int {
	k.mu.Lock()
	for k.liveSchedulers > 0 {
		k.cond.Wait()
	}
	status := k.exitStatus
	k.mu.Unlock()
	return status
}

// LiveSchedulers reports the number of schedulers that have not yet fully
// drained, for diagnostics and tests.
func (k *Kernel) LiveSchedulers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.liveSchedulers
}

var _ scheduler.Host = (*Kernel)(nil)
