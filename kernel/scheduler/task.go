package scheduler

import (
	"errors"
	"sync/atomic"

	"github.com/dmarro89/go-taskrt/internal/errs"
)

// State is a Task's position in the four-way partition a Worker maintains:
// newborn, running, blocked, dead (spec §3).
type State int

const (
	Newborn State = iota
	Running
	Blocked
	Dead
)

func (s State) String() string {
	switch s {
	case Newborn:
		return "newborn"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// RendezvousFunc is installed on a blocked task by a port receive or a
// selector; the sending side calls it to hand a message directly to the
// blocked receiver, bypassing the port buffer (spec §4.5, "rendezvous").
// It returns false if the rendezvous slot had already been claimed or
// cleared — the caller must fall back to buffering.
type RendezvousFunc func(msg any) bool

// OwnedResource is anything a Task owns that must be torn down when the
// task is reaped (ports, primarily). Expressed as a narrow interface
// rather than a concrete *port.Port[T] to avoid an import cycle (the port
// package needs TaskID from this package).
type OwnedResource interface {
	Close()
}

// Task is the schedulable unit (spec §3/§4.4). Its state, list membership
// and cond fields are owned by, and only ever mutated under, its Worker's
// lock; suspension/resumption is driven by the permit/ret channel pair
// instead of a register-context swap (see SPEC_FULL.md §0 and §6 for the
// rationale — this is the coroutine-handoff substitute for a cpuSwitch-style
// register swap).
type Task struct {
	ID   TaskID
	Name string

	worker *Worker // back-pointer, non-owning

	refcount atomic.Int32
	killed   atomic.Bool
	dead     atomic.Bool

	// Fields below are mutated only under worker.mu.
	state      State
	cond       any
	condReason string
	rendezvous RendezvousFunc
	supervised bool
	parent     TaskID
	hasParent  bool
	ownedPorts map[uint64]OwnedResource
	arenaOut   map[string][][]byte // tag -> outstanding arena buffers

	entry func(env any)
	env   any

	permit chan struct{} // worker -> task: "you may run"
	ret    chan struct{} // task -> worker: "I have suspended or died"
}

func newTask(id TaskID, name string, w *Worker, entry func(env any), env any, parent TaskID, hasParent bool) *Task {
	t := &Task{
		ID:         id,
		Name:       name,
		worker:     w,
		state:      Newborn,
		supervised: hasParent,
		parent:     parent,
		hasParent:  hasParent,
		ownedPorts: make(map[uint64]OwnedResource),
		arenaOut:   make(map[string][][]byte),
		entry:      entry,
		env:        env,
		permit:     make(chan struct{}, 1),
		ret:        make(chan struct{}, 1),
	}
	t.refcount.Store(1)
	go t.run()
	return t
}

// run is the goroutine body every Task executes on. It blocks immediately
// for its first activation permit, mirroring NewTaskEntry building an
// initial context that does not run until the scheduler swaps into it.
func (t *Task) run() {
	<-t.permit
	t.runEntry()
}

func (t *Task) runEntry() {
	defer func() {
		if r := recover(); r != nil {
			t.worker.taskPanicked(t, r)
		}
		t.worker.taskExited(t)
		t.ret <- struct{}{}
	}()
	t.entry(t.env)
}

// suspendAndWaitForPermit hands control back to the worker (by signalling
// ret) and parks until the worker grants the next permit. Called with no
// lock held, from the task's own goroutine only.
func (t *Task) suspendAndWaitForPermit() {
	t.ret <- struct{}{}
	<-t.permit
}

// Yield is the cooperative suspension point with no associated condition:
// it gives other runnable tasks on the same worker a turn, then resumes.
// Returns true if the task has been killed and should begin unwinding; a
// task that is already killed gets true back at once, without suspending.
func (t *Task) Yield() bool {
	if t.killed.Load() {
		return true
	}
	t.suspendAndWaitForPermit()
	return t.killed.Load()
}

// Block transitions the task running -> blocked, recording cond/reason for
// diagnostics and for Wakeup's assertion, then suspends. Must be called
// from the task's own goroutine.
func (t *Task) Block(cond any, reason string) {
	t.worker.transition(t, Running, Blocked, cond, reason)
	t.suspendAndWaitForPermit()
}

// Wakeup transitions a blocked task back to running. fromCond must equal
// the cond the task is currently blocked on (spec §4.4); mismatches are an
// invariant violation, since they indicate a lost or duplicated wakeup.
func (t *Task) Wakeup(fromCond any) {
	t.worker.mu.Lock()
	errs.Invariant(t.state == Blocked, "wakeup: task %d not blocked (state=%s)", t.ID, t.state)
	errs.Invariant(t.cond == fromCond, "wakeup: task %d blocked on a different cond", t.ID)
	t.worker.transitionLocked(t, Blocked, Running, nil, "")
	t.worker.mu.Unlock()
}

// Kill sets the task's killed flag and, if it is currently blocked, wakes
// it unconditionally so it observes the flag at its next suspension point
// (spec §4.4/§5 "Cancellation").
func (t *Task) Kill() {
	t.killed.Store(true)
	t.worker.mu.Lock()
	if t.state == Blocked {
		t.worker.transitionLocked(t, Blocked, Running, nil, "")
	}
	t.worker.mu.Unlock()
}

// Killed reports the advisory kill flag.
func (t *Task) Killed() bool { return t.killed.Load() }

// Fail marks the calling task as having failed with reason (spec §4.4
// "fail"): it propagates a kill to the task's supervising parent exactly
// as an uncaught panic does (see Worker.taskPanicked), then kills itself.
// The caller is still expected to return from its entry function
// afterward — Fail sets flags, it does not unwind the Go call stack.
func (t *Task) Fail(reason string) {
	err := errs.New(errs.TaskFailure, "task_fail", errors.New(reason))
	t.worker.log.Error("task failed", "task_id", t.ID, "task_name", t.Name, "err", err)
	t.propagateToSupervisor()
	t.Kill()
}

// propagateToSupervisor kills this task's supervising parent, if it has
// one and has not been unsupervised. Shared by Fail and the worker's
// recovered-panic handler (spec §10 supervision).
func (t *Task) propagateToSupervisor() {
	t.worker.mu.Lock()
	supervised := t.supervised
	parent, hasParent := t.parent, t.hasParent
	t.worker.mu.Unlock()

	if supervised && hasParent {
		if parentTask, ok := t.worker.host.LookupTask(parent); ok {
			parentTask.Kill()
		}
	}
}

// Unsupervise clears the supervised flag, preventing propagation of this
// task's failure to its parent.
func (t *Task) Unsupervise() {
	t.worker.mu.Lock()
	t.supervised = false
	t.worker.mu.Unlock()
}

// WorkerID reports the id of the worker this task is pinned to (seed test
// #6, round-robin placement).
func (t *Task) WorkerID() int { return t.worker.id }

// BlockForRendezvous installs fn as the task's rendezvous slot and blocks
// in the same lock acquisition that performs the Running -> Blocked
// transition (spec §4.5 step 3: "set rendezvous_ptr, block, release lock" —
// done as one atomic step so a sender arriving between publishing the slot
// and actually suspending cannot be missed). Called from the task's own
// goroutine, with no lock held.
func (t *Task) BlockForRendezvous(cond any, reason string, fn RendezvousFunc) {
	t.worker.mu.Lock()
	t.rendezvous = fn
	t.worker.transitionLocked(t, Running, Blocked, cond, reason)
	t.worker.mu.Unlock()
	t.suspendAndWaitForPermit()
}

// TryDeliverFor attempts a rendezvous delivery to this task, succeeding
// only if the task is currently blocked with cond equal to key — so a
// port's send cannot satisfy a different port's, or a selector's,
// rendezvous slot by accident (spec §4.5: "If the owning task is currently
// blocked on this port and its rendezvous slot is set"). On success the
// slot is cleared and the task is woken, all under the same lock
// acquisition.
func (t *Task) TryDeliverFor(key any, msg any) bool {
	t.worker.mu.Lock()
	defer t.worker.mu.Unlock()

	if t.state != Blocked || t.cond != key || t.rendezvous == nil {
		return false
	}
	ok := t.rendezvous(msg)
	if ok {
		t.rendezvous = nil
		t.worker.transitionLocked(t, Blocked, Running, nil, "")
	}
	return ok
}

// State returns the task's current state, read under worker.mu, so it must
// not be called with worker.mu already held. The value can change as soon
// as the lock is released (used only for diagnostics/tests).
func (t *Task) State() State {
	t.worker.mu.Lock()
	defer t.worker.mu.Unlock()
	return t.state
}

// TrackPort registers an owned port so it is closed when the task is
// reaped, even if the task forgot to detach it explicitly.
func (t *Task) TrackPort(id uint64, p OwnedResource) {
	t.worker.mu.Lock()
	t.ownedPorts[id] = p
	t.worker.mu.Unlock()
}

// UntrackPort removes a port from the owned set, e.g. after an explicit
// detach + delete.
func (t *Task) UntrackPort(id uint64) {
	t.worker.mu.Lock()
	delete(t.ownedPorts, id)
	t.worker.mu.Unlock()
}

// LookupPort returns the owned port registered under id, for Channel's
// cross-task send path (spec §4.5 Channel: "any task may send").
func (t *Task) LookupPort(id uint64) (OwnedResource, bool) {
	t.worker.mu.Lock()
	defer t.worker.mu.Unlock()
	p, ok := t.ownedPorts[id]
	return p, ok
}

// Malloc returns a size-byte buffer from this task's worker's per-tag
// arena (spec §4.4: "the task is also the owner of a per-worker typed
// arena used by upcalls"), reusing freed buffers across tasks via
// sync.Pool. The allocation is tracked against this task so it is
// reclaimed automatically if the task dies without calling Free.
func (t *Task) Malloc(tag string, size int) []byte {
	buf := t.worker.getArena(tag, size).Get().([]byte)
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	t.worker.mu.Lock()
	t.arenaOut[tag] = append(t.arenaOut[tag], buf)
	t.worker.mu.Unlock()
	return buf
}

// Free returns buf, previously obtained from Malloc with the same tag, to
// the arena.
func (t *Task) Free(tag string, buf []byte) {
	t.worker.mu.Lock()
	list := t.arenaOut[tag]
	for i, b := range list {
		if len(b) == len(buf) && cap(b) == cap(buf) && (len(b) == 0 || &b[0] == &buf[0]) {
			t.arenaOut[tag] = append(list[:i], list[i+1:]...)
			break
		}
	}
	t.worker.mu.Unlock()

	t.worker.getArena(tag, 0).Put(buf)
}

// AddRef increments the task's reference count (called by Kernel.GetTask on
// a successful lookup, spec §4.1).
func (t *Task) AddRef() { t.refcount.Add(1) }

// Release decrements the reference count; when it reaches zero the caller
// (the worker's reap step) proceeds to free the task's resources.
func (t *Task) Release() int32 { return t.refcount.Add(-1) }
