package scheduler_test

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

// testHost is a minimal scheduler.Host good enough for unit tests that
// don't need a full Kernel: a flat id allocator and task table, no
// scheduler table (single scheduler under test doesn't need one).
type testHost struct {
	mu       sync.Mutex
	nextID   uint64
	tasks    map[scheduler.TaskID]*scheduler.Task
	log      *slog.Logger
	released []scheduler.SchedulerID
}

func newTestHost() *testHost {
	return &testHost{
		tasks: make(map[scheduler.TaskID]*scheduler.Task),
		log:   slog.Default(),
	}
}

func (h *testHost) NewTaskID() scheduler.TaskID {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := scheduler.TaskID(h.nextID)
	h.nextID++
	return id
}

func (h *testHost) RegisterTask(t *scheduler.Task) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tasks[t.ID] = t
}

func (h *testHost) ReleaseTaskID(id scheduler.TaskID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tasks, id)
}

func (h *testHost) LookupTask(id scheduler.TaskID) (*scheduler.Task, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[id]
	return t, ok
}

func (h *testHost) ReleaseSchedulerID(id scheduler.SchedulerID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = append(h.released, id)
}

func (h *testHost) Logger() *slog.Logger { return h.log }

func TestCreateTaskRunsEntryAndDrains(t *testing.T) {
	host := newTestHost()
	s, err := scheduler.New(host, 0, 2, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()

	var ran atomic.Int32
	const n = 20
	for i := 0; i < n; i++ {
		s.CreateTask("t", func(env any) {
			ran.Add(1)
		}, nil, 0, false)
	}
	s.Join()

	if got := ran.Load(); got != n {
		t.Fatalf("ran = %d, want %d", got, n)
	}
	if got := s.State(); got != scheduler.Done {
		t.Fatalf("state = %s, want done", got)
	}
	if len(host.released) != 1 || host.released[0] != 0 {
		t.Fatalf("released scheduler ids = %v, want [0]", host.released)
	}
}

func TestYieldReturnsKilledFlag(t *testing.T) {
	host := newTestHost()
	s, _ := scheduler.New(host, 0, 1, 1)
	s.Start()

	done := make(chan bool, 1)
	task := s.CreateTask("yielder", func(env any) {
		self := env.(*scheduler.Task)
		for {
			if self.Yield() {
				done <- true
				return
			}
		}
	}, func(t *scheduler.Task) any { return t }, 0, false)

	task.Kill()
	if killed := <-done; !killed {
		t.Fatal("yielder did not observe kill")
	}
	s.Join()
}

func TestBlockAndWakeup(t *testing.T) {
	host := newTestHost()
	s, _ := scheduler.New(host, 0, 1, 1)
	s.Start()

	woke := make(chan struct{})
	cond := new(int)
	task := s.CreateTask("blocker", func(env any) {
		self := env.(*scheduler.Task)
		self.Block(cond, "waiting for test signal")
		close(woke)
	}, func(t *scheduler.Task) any { return t }, 0, false)

	// Give the blocker a moment to actually block before waking it; the
	// scheduler's own lock serializes this so there is no lost wakeup
	// (spec §5 ordering guarantee c).
	for task.State() != scheduler.Blocked {
	}
	task.Wakeup(cond)
	<-woke

	s.Join()
}

func TestSupervisionPropagatesKillToParentOnPanic(t *testing.T) {
	host := newTestHost()
	s, _ := scheduler.New(host, 0, 1, 1)
	s.Start()

	parentKilled := make(chan bool, 1)
	var parentTask *scheduler.Task

	s.CreateTask("parent", func(env any) {
		self := env.(*scheduler.Task)
		parentTask = self

		childEnvFactory := func(t *scheduler.Task) any { return t }
		s.CreateTask("child", func(env any) {
			panic("boom")
		}, childEnvFactory, self.ID, true)

		for !self.Yield() {
		}
		parentKilled <- true
	}, func(t *scheduler.Task) any {
		return t
	}, 0, false)

	_ = parentTask
	if killed := <-parentKilled; !killed {
		t.Fatal("parent was not killed after supervised child panicked")
	}

	s.Join()
}

func TestMallocFreeRoundTrip(t *testing.T) {
	host := newTestHost()
	s, _ := scheduler.New(host, 0, 1, 1)
	s.Start()

	done := make(chan struct{})
	s.CreateTask("arena-user", func(env any) {
		self := env.(*scheduler.Task)
		buf := self.Malloc("frame", 64)
		if len(buf) != 64 {
			t.Errorf("Malloc len = %d, want 64", len(buf))
		}
		buf[0] = 0xFF
		self.Free("frame", buf)
		close(done)
	}, func(t *scheduler.Task) any { return t }, 0, false)

	<-done
	s.Join()
}
