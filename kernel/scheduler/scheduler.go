// Package scheduler implements the scheduler, worker and task layers of the
// runtime (spec §3, §4.2-§4.4): a scheduler owns a fixed set of worker
// goroutines, each running a cooperative loop over the tasks pinned to it.
//
// This package generalizes a bare-metal Task/TaskState/Schedule trio with
// a swappable cpuSwitch primitive into a dynamic, multi-worker,
// multi-scheduler runtime: Task keeps its state-enum shape, Schedule's
// round-robin pick becomes Worker.loop's randomized pick over a live list
// instead of a fixed array, and cpuSwitch's register swap becomes a
// permit/ret channel handoff (see task.go, worker.go, and SPEC_FULL.md §0).
package scheduler

import (
	"log/slog"

	gvsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/dmarro89/go-taskrt/internal/errs"
)

// SchedState is the scheduler's lifecycle state (spec §4.2).
type SchedState int32

const (
	Starting SchedState = iota
	RunningState
	Draining
	Done
)

func (s SchedState) String() string {
	switch s {
	case Starting:
		return "starting"
	case RunningState:
		return "running"
	case Draining:
		return "draining"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Scheduler owns N worker goroutines and distributes newly created tasks to
// them round-robin (spec §3/§4.2).
type Scheduler struct {
	ID   SchedulerID
	host Host

	mu    gvsync.Mutex // +checklocks: workers, liveThreads, liveTasks, curThread, state
	state SchedState

	workers     []*Worker
	liveThreads int
	liveTasks   int
	curThread   int

	log *slog.Logger
}

// New constructs a scheduler with numThreads workers (not yet started).
// Fails with errs.InvalidArg when numThreads is zero (spec §4.1).
func New(host Host, id SchedulerID, numThreads int, seed uint64) (*Scheduler, error) {
	if numThreads <= 0 {
		return nil, errs.New(errs.InvalidArg, "create_scheduler", nil)
	}

	s := &Scheduler{
		ID:          id,
		host:        host,
		state:       Starting,
		liveThreads: numThreads,
		log:         host.Logger().With("sched_id", id),
	}

	s.workers = make([]*Worker, numThreads)
	for i := 0; i < numThreads; i++ {
		s.workers[i] = newWorker(i, s, host, seed+uint64(i)*2654435761)
	}

	return s, nil
}

// Start launches every worker's scheduling loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.state = RunningState
	workers := s.workers
	s.mu.Unlock()

	for _, w := range workers {
		w.start()
	}
}

// Join blocks until every worker has exited.
func (s *Scheduler) Join() {
	for _, w := range s.workers {
		w.join()
	}
}

// CreateTask picks a worker round-robin and delegates task creation to it
// (spec §4.2 "create_task"). The new task is started immediately
// (Newborn -> Running) since this runtime has no use for a task that exists
// but has not been given its entry point.
//
// envFactory, if non-nil, is called with the freshly minted *Task before it
// is ever activated, and its result becomes the value passed to entry. This
// lets a caller build an env that needs the Task's own id or worker (e.g.
// the kernel package's *Context) without a chicken-and-egg construction
// order.
func (s *Scheduler) CreateTask(name string, entry func(env any), envFactory func(*Task) any, parent TaskID, hasParent bool) *Task {
	s.mu.Lock()
	s.liveTasks++
	idx := s.curThread
	s.curThread = (s.curThread + 1) % len(s.workers)
	w := s.workers[idx]
	s.mu.Unlock()

	t := w.createTask(name, entry, envFactory, parent, hasParent)
	w.startTask(t)
	return t
}

// WorkerAt returns the scheduler's worker at index i, for diagnostics.
func (s *Scheduler) WorkerAt(i int) *Worker { return s.workers[i] }

// ReleaseTask decrements the live task count; when it reaches zero every
// worker is told to exit once its own lists drain (spec §4.2
// "release_task").
func (s *Scheduler) ReleaseTask() {
	s.mu.Lock()
	s.liveTasks--
	drain := s.liveTasks == 0
	if drain {
		s.state = Draining
	}
	workers := s.workers
	s.mu.Unlock()

	if drain {
		for _, w := range workers {
			w.requestExit()
		}
	}
}

// releaseWorker decrements the live thread count; when it reaches zero the
// scheduler is done and deregisters itself from the kernel (spec §4.2
// "release_worker").
func (s *Scheduler) releaseWorker() {
	s.mu.Lock()
	s.liveThreads--
	done := s.liveThreads == 0
	if done {
		s.state = Done
	}
	s.mu.Unlock()

	if done {
		s.log.Debug("scheduler drained")
		s.host.ReleaseSchedulerID(s.ID)
	}
}

// KillAllTasks forwards a kill to every task on every worker (spec §4.2,
// used by Kernel.Fail to implement KernelFailure broadcast).
func (s *Scheduler) KillAllTasks() {
	for _, w := range s.workers {
		w.mu.Lock()
		tasks := make([]*Task, 0, len(w.newborn)+len(w.running)+len(w.blocked))
		tasks = append(tasks, w.newborn...)
		tasks = append(tasks, w.running...)
		tasks = append(tasks, w.blocked...)
		w.mu.Unlock()

		for _, t := range tasks {
			t.Kill()
		}
	}
}

// State returns the scheduler's lifecycle state.
func (s *Scheduler) State() SchedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LiveTasks returns the number of tasks currently alive on this scheduler.
func (s *Scheduler) LiveTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveTasks
}

// NumWorkers returns the number of workers this scheduler owns.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }
