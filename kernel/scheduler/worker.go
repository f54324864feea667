package scheduler

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	gvsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/dmarro89/go-taskrt/internal/errs"
)

// Worker is one OS thread (here: one goroutine pinned for the lifetime of
// the scheduling loop, see SPEC_FULL.md §6) running a cooperative
// scheduling loop over the tasks pinned to it (spec §3/§4.3).
type Worker struct {
	id    int
	sched *Scheduler // back-pointer, non-owning
	host  Host       // back-pointer, non-owning

	mu   gvsync.Mutex // +checklocks: newborn, running, blocked, dead, shouldExit, current's logical owner
	cond *gvsync.Cond

	newborn []*Task
	running []*Task
	blocked []*Task
	dead    []*Task

	shouldExit bool

	rng *rand.Rand

	current atomic.Pointer[Task] // this worker's "current task" TLS slot

	arenas sync.Map // tag string -> *sync.Pool, this worker's per-tag typed arena (spec §4.4)

	log *slog.Logger

	done chan struct{}
}

// getArena returns this worker's sync.Pool for tag, creating it on first
// use with a New func that allocates size-byte buffers. Every pool ever
// created for this worker is reused for the worker's whole lifetime — a
// pool is never removed, only drained of Free'd buffers by the GC under
// memory pressure, which is exactly sync.Pool's contract.
func (w *Worker) getArena(tag string, size int) *sync.Pool {
	if v, ok := w.arenas.Load(tag); ok {
		return v.(*sync.Pool)
	}
	p := &sync.Pool{New: func() any { return make([]byte, size) }}
	actual, _ := w.arenas.LoadOrStore(tag, p)
	return actual.(*sync.Pool)
}

func newWorker(id int, sched *Scheduler, host Host, seed uint64) *Worker {
	w := &Worker{
		id:    id,
		sched: sched,
		host:  host,
		rng:   rand.New(rand.NewPCG(seed, uint64(id))),
		log:   host.Logger().With("worker_id", id, "sched_id", sched.ID),
		done:  make(chan struct{}),
	}
	w.cond = gvsync.NewCond(&w.mu)
	return w
}

// start launches the worker's scheduling loop goroutine.
func (w *Worker) start() {
	go w.loop()
}

// join blocks until the worker's loop has exited.
func (w *Worker) join() { <-w.done }

// requestExit asks the worker to exit once its task lists drain, and wakes
// the loop if it is parked waiting for runnable tasks.
func (w *Worker) requestExit() {
	w.mu.Lock()
	w.shouldExit = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// createTask builds a new Task pinned to this worker, in the Newborn state.
// It generalizes NewTaskEntry's implicit start-on-create shape into an
// explicit two-step newborn -> running lifecycle: the Task struct is built
// here (newborn), and startTask below performs the transition.
func (w *Worker) createTask(name string, entry func(env any), envFactory func(*Task) any, parent TaskID, hasParent bool) *Task {
	id := w.host.NewTaskID()
	t := newTask(id, name, w, entry, nil, parent, hasParent)
	if envFactory != nil {
		// Safe without a lock: t.run's goroutine blocks on <-t.permit
		// before ever reading t.env, and the eventual permit send (from
		// startTask's caller, via the worker loop) happens-after this
		// write in program order.
		t.env = envFactory(t)
	}

	w.mu.Lock()
	w.newborn = append(w.newborn, t)
	w.mu.Unlock()

	w.host.RegisterTask(t)
	return t
}

// startTask moves a task from Newborn to Running, making it eligible to be
// picked by the scheduling loop (spec §4.4 "start").
func (w *Worker) startTask(t *Task) {
	w.mu.Lock()
	errs.Invariant(t.state == Newborn, "start: task %d not newborn (state=%s)", t.ID, t.state)
	w.removeFromLocked(&w.newborn, t)
	t.state = Running
	w.running = append(w.running, t)
	w.cond.Broadcast()
	w.mu.Unlock()
}

// transition is transition() from spec §4.3, called from a task's own
// goroutine (Block) without the lock already held.
func (w *Worker) transition(t *Task, from, to State, cond any, reason string) {
	w.mu.Lock()
	w.transitionLocked(t, from, to, cond, reason)
	w.mu.Unlock()
}

// transitionLocked is the sole primitive that mutates task state and list
// membership; it must be called with w.mu held (spec §4.3).
func (w *Worker) transitionLocked(t *Task, from, to State, cond any, reason string) {
	errs.Invariant(t.state == from, "transition: task %d expected state %s, got %s", t.ID, from, t.state)

	w.removeFromLocked(w.listFor(from), t)
	t.state = to
	t.cond = cond
	t.condReason = reason
	*w.listFor(to) = append(*w.listFor(to), t)

	w.cond.Broadcast()
}

func (w *Worker) listFor(s State) *[]*Task {
	switch s {
	case Newborn:
		return &w.newborn
	case Running:
		return &w.running
	case Blocked:
		return &w.blocked
	case Dead:
		return &w.dead
	default:
		errs.Invariant(false, "listFor: unknown state %v", s)
		return nil
	}
}

func (w *Worker) removeFromLocked(list *[]*Task, t *Task) {
	for i, candidate := range *list {
		if candidate == t {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
	errs.Invariant(false, "task %d not found in expected list", t.ID)
}

// taskExited is called from the task's own goroutine, after its entry
// function returns normally, before it signals ret. It performs the
// Running -> Dead transition (spec §4.4: "Running -> Dead (normal exit)").
func (w *Worker) taskExited(t *Task) {
	t.dead.Store(true)
	w.mu.Lock()
	errs.Invariant(t.state == Running, "taskExited: task %d not running (state=%s)", t.ID, t.state)
	w.removeFromLocked(&w.running, t)
	t.state = Dead
	w.dead = append(w.dead, t)
	w.mu.Unlock()
}

// taskPanicked recovers an uncaught panic from a task's entry function and
// treats it as TaskFailure (spec §7), propagating a kill to the supervising
// parent unless the task has unsupervised itself.
func (w *Worker) taskPanicked(t *Task, recovered any) {
	err := errs.New(errs.TaskFailure, "task_panic", fmt.Errorf("%v", recovered))
	w.log.Error("task panicked", "task_id", t.ID, "task_name", t.Name, "err", err)
	t.propagateToSupervisor()
}

// loop is the worker's scheduling loop (spec §4.3, steps 1-5). Step 3
// ("prepare C stack") has no Go analogue — task bodies are goroutines with
// their own runtime-managed stacks — and is therefore absent; see
// SPEC_FULL.md §6.
func (w *Worker) loop() {
	w.log.Debug("worker started")
	w.mu.Lock()
	for {
		if w.shouldExit && len(w.newborn) == 0 && len(w.running) == 0 && len(w.blocked) == 0 {
			break
		}

		w.promoteNewbornLocked()

		if len(w.running) == 0 {
			if w.shouldExit && len(w.blocked) == 0 {
				break
			}
			w.cond.Wait()
			continue
		}

		k := w.rng.IntN(len(w.running))
		t := w.running[k]

		w.activate(t)

		if t.dead.Load() {
			w.reapLocked(t)
		}
	}
	w.mu.Unlock()

	errs.Invariant(len(w.newborn) == 0 && len(w.running) == 0 && len(w.blocked) == 0 && len(w.dead) == 0,
		"worker %d loop exited with non-empty lists", w.id)

	w.log.Debug("worker stopped")
	w.sched.releaseWorker()
	close(w.done)
}

// promoteNewbornLocked starts every task still in the newborn list. Tasks
// spawned via CreateTask are started immediately by Scheduler.CreateTask in
// this implementation, so in steady state this is a no-op; it exists to
// keep the four-list invariant meaningful for any future caller that
// constructs a task without starting it right away.
func (w *Worker) promoteNewbornLocked() {
	for len(w.newborn) > 0 {
		t := w.newborn[0]
		w.newborn = w.newborn[1:]
		t.state = Running
		w.running = append(w.running, t)
	}
}

// activate performs one task activation (spec §4.3 steps 4-5): release the
// lock, hand the task its permit, wait for it to suspend or die, reacquire
// the lock. No lock is held across the handoff (spec §5).
func (w *Worker) activate(t *Task) {
	w.mu.Unlock()

	w.current.Store(t)
	t.permit <- struct{}{}
	<-t.ret
	w.current.Store(nil)

	w.mu.Lock()
}

// reapLocked destroys a dead task: removes it from the dead list, releases
// its id from the kernel table, closes any ports it still owned, and
// decrements its refcount, which may in turn call Scheduler.ReleaseTask
// (spec §4.3 "Resume" step; a dead task is reaped exactly once).
func (w *Worker) reapLocked(t *Task) {
	w.removeFromLocked(&w.dead, t)

	ownedPorts := t.ownedPorts
	t.ownedPorts = nil
	arenaOut := t.arenaOut
	t.arenaOut = nil

	w.mu.Unlock()
	for _, p := range ownedPorts {
		p.Close()
	}
	for tag, bufs := range arenaOut {
		pool := w.getArena(tag, 0)
		for _, buf := range bufs {
			pool.Put(buf)
		}
	}
	w.host.ReleaseTaskID(t.ID)
	if t.Release() == 0 {
		w.sched.ReleaseTask()
	}
	w.mu.Lock()
}

// CurrentTask returns the task currently activated on this worker, or nil.
// Reading it from outside the running task's own goroutine is undefined
// per spec §9 ("Global state"); this accessor exists for the worker's own
// bookkeeping and tests.
func (w *Worker) CurrentTask() *Task { return w.current.Load() }
