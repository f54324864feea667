package kernel_test

import (
	"sync/atomic"
	"testing"

	"github.com/dmarro89/go-taskrt/kernel"
	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

func TestRunUntilQuiescentWaitsForEverySchedulerToDrain(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())

	var ran atomic.Int32
	schedID, err := k.CreateScheduler(2)
	if err != nil {
		t.Fatalf("CreateScheduler: %v", err)
	}

	const n = 8
	for i := 0; i < n; i++ {
		if _, ok := k.Spawn(schedID, "worker-task", func(ctx *kernel.Context) {
			ran.Add(1)
		}); !ok {
			t.Fatalf("Spawn %d: scheduler not found", i)
		}
	}

	if status := k.RunUntilQuiescent(); status != 0 {
		t.Fatalf("exit status = %d, want 0", status)
	}
	if got := ran.Load(); got != n {
		t.Fatalf("ran = %d, want %d", got, n)
	}
	if live := k.LiveSchedulers(); live != 0 {
		t.Fatalf("LiveSchedulers = %d, want 0", live)
	}
}

func TestCreateSchedulerRejectsZeroThreads(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	if _, err := k.CreateScheduler(0); err == nil {
		t.Fatal("CreateScheduler(0): expected error, got nil")
	}
}

func TestSpawnChaining(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	schedID, err := k.CreateScheduler(1)
	if err != nil {
		t.Fatalf("CreateScheduler: %v", err)
	}

	var childRan atomic.Bool
	k.Spawn(schedID, "parent", func(ctx *kernel.Context) {
		ctx.NewTask("child", func(childCtx *kernel.Context) {
			childRan.Store(true)
		})
	})

	if status := k.RunUntilQuiescent(); status != 0 {
		t.Fatalf("exit status = %d, want 0", status)
	}
	if !childRan.Load() {
		t.Fatal("child task did not run")
	}
}

func TestSetExitStatusSurvivesToRunUntilQuiescent(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	schedID, _ := k.CreateScheduler(1)

	k.Spawn(schedID, "exiter", func(ctx *kernel.Context) {
		k.SetExitStatus(7)
	})

	if status := k.RunUntilQuiescent(); status != 7 {
		t.Fatalf("exit status = %d, want 7", status)
	}
}

func TestFailBroadcastsKillAndSetsNonZeroExitStatus(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	schedID, _ := k.CreateScheduler(1)

	var observedKilled atomic.Bool
	k.Spawn(schedID, "victim", func(ctx *kernel.Context) {
		for !ctx.Yield() {
		}
		observedKilled.Store(true)
	})

	// Give the victim a chance to reach its yield loop before failing.
	var runner scheduler.TaskID
	k.Spawn(schedID, "failer", func(ctx *kernel.Context) {
		runner = ctx.TaskID()
		k.Fail("invariant broke")
	})
	_ = runner

	if status := k.RunUntilQuiescent(); status == 0 {
		t.Fatalf("exit status = %d, want non-zero", status)
	}
	if !k.Failed() {
		t.Fatal("Failed() = false after Fail")
	}
	if !observedKilled.Load() {
		t.Fatal("victim task never observed kill")
	}
}

// TestShutdownDrainsEveryTaskAcrossAllWorkers is seed test #4: a large
// batch of short-lived tasks spread across several workers must all run
// to completion and the scheduler must fully drain.
func TestShutdownDrainsEveryTaskAcrossAllWorkers(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	const workers = 4
	schedID, err := k.CreateScheduler(workers)
	if err != nil {
		t.Fatalf("CreateScheduler: %v", err)
	}

	const tasks = 100
	var ran atomic.Int32
	for i := 0; i < tasks; i++ {
		if _, ok := k.Spawn(schedID, "transient", func(ctx *kernel.Context) {
			ctx.Yield()
			ran.Add(1)
		}); !ok {
			t.Fatalf("Spawn %d: scheduler not found", i)
		}
	}

	if status := k.RunUntilQuiescent(); status != 0 {
		t.Fatalf("exit status = %d, want 0", status)
	}
	if got := ran.Load(); got != tasks {
		t.Fatalf("ran = %d, want %d", got, tasks)
	}
	if live := k.LiveSchedulers(); live != 0 {
		t.Fatalf("LiveSchedulers = %d, want 0 after shutdown", live)
	}
}

// TestRoundRobinPlacementSpreadsEvenlyAcrossWorkers is seed test #6: a
// batch of tasks, a multiple of the worker count, must land exactly N per
// worker rather than merely "eventually balanced".
func TestRoundRobinPlacementSpreadsEvenlyAcrossWorkers(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	const workers = 4
	schedID, err := k.CreateScheduler(workers)
	if err != nil {
		t.Fatalf("CreateScheduler: %v", err)
	}

	const perWorker = 50
	const tasks = workers * perWorker
	placement := make(chan int, tasks)
	for i := 0; i < tasks; i++ {
		k.Spawn(schedID, "placed", func(ctx *kernel.Context) {
			placement <- ctx.Task().WorkerID()
		})
	}

	if status := k.RunUntilQuiescent(); status != 0 {
		t.Fatalf("exit status = %d, want 0", status)
	}

	counts := make(map[int]int)
	for i := 0; i < tasks; i++ {
		counts[<-placement]++
	}
	for w := 0; w < workers; w++ {
		if counts[w] != perWorker {
			t.Fatalf("worker %d ran %d tasks, want exactly %d", w, counts[w], perWorker)
		}
	}
}
