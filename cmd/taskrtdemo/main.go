// Command taskrtdemo runs the runtime's seed-test scenarios as a plain
// program: a flag-selected scenario in place of a single hard-coded
// program name, in the style of QubicOS-Spark's main_host.go flag-driven
// dispatch.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dmarro89/go-taskrt/kernel"
	"github.com/dmarro89/go-taskrt/kernel/port"
	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

func main() {
	scenario := flag.String("scenario", "pingpong", "pingpong | broadcast-select | kill-blocked | round-robin | shutdown")
	workers := flag.Int("workers", 2, "scheduler worker count")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := kernel.DefaultConfig()
	cfg.Logger = log

	var status int
	switch *scenario {
	case "pingpong":
		status = runPingPong(cfg, *workers)
	case "broadcast-select":
		status = runBroadcastSelect(cfg, *workers)
	case "kill-blocked":
		status = runKillBlocked(cfg, *workers)
	case "round-robin":
		status = runRoundRobin(cfg, *workers)
	case "shutdown":
		status = runShutdown(cfg, *workers)
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
		os.Exit(2)
	}

	os.Exit(status)
}

func runPingPong(cfg kernel.Config, workers int) int {
	k := kernel.New(cfg)
	schedID, err := k.CreateScheduler(workers)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	const rounds = 10
	pingChanCh := make(chan port.Channel, 1)
	pongChanCh := make(chan port.Channel, 1)

	k.Spawn(schedID, "pong", func(ctx *kernel.Context) {
		pingPort := port.New[int](ctx.Task(), ctx.DefaultPortCapacityHint())
		pingChanCh <- port.ChannelOf(pingPort)
		pongChan := <-pongChanCh

		for i := 0; i < rounds; i++ {
			var v int
			pingPort.Recv(&v)
			ctx.Logger().Info("pong received", "value", v)
			pongChan.Send(k, v*2)
		}
	})

	k.Spawn(schedID, "ping", func(ctx *kernel.Context) {
		pongPort := port.New[int](ctx.Task(), ctx.DefaultPortCapacityHint())
		pongChanCh <- port.ChannelOf(pongPort)
		pingChan := <-pingChanCh

		for i := 0; i < rounds; i++ {
			pingChan.Send(k, i)
			var reply int
			pongPort.Recv(&reply)
			ctx.Logger().Info("ping received reply", "value", reply)
		}
	})

	return k.RunUntilQuiescent()
}

func runBroadcastSelect(cfg kernel.Config, workers int) int {
	k := kernel.New(cfg)
	schedID, _ := k.CreateScheduler(workers)

	const listeners = 4
	portChs := make([]chan *port.Port[string], listeners)
	for i := range portChs {
		portChs[i] = make(chan *port.Port[string], 1)
	}

	for i := 0; i < listeners; i++ {
		i := i
		k.Spawn(schedID, fmt.Sprintf("listener-%d", i), func(ctx *kernel.Context) {
			p := port.New[string](ctx.Task(), 1)
			portChs[i] <- p

			sel := port.NewSelector[string](ctx.Task(), uint64(i)+1)
			chosen, killed := sel.Select([]*port.Port[string]{p})
			if killed || chosen == nil {
				return
			}
			var msg string
			chosen.Receive(&msg)
			ctx.Logger().Info("listener woke from select", "id", i, "message", msg)
		})
	}

	k.Spawn(schedID, "broadcaster", func(ctx *kernel.Context) {
		ports := make([]*port.Port[string], listeners)
		for i := range ports {
			ports[i] = <-portChs[i]
		}
		for i, p := range ports {
			p.Send(fmt.Sprintf("broadcast #%d", i))
		}
	})

	return k.RunUntilQuiescent()
}

func runKillBlocked(cfg kernel.Config, workers int) int {
	k := kernel.New(cfg)
	schedID, _ := k.CreateScheduler(workers)

	unwound := make(chan bool, 1)
	taskIDCh := make(chan scheduler.TaskID, 1)

	k.Spawn(schedID, "blocked-victim", func(ctx *kernel.Context) {
		taskIDCh <- ctx.TaskID()
		p := port.New[int](ctx.Task(), ctx.DefaultPortCapacityHint())
		var v int
		killed := p.Recv(&v)
		unwound <- killed
	})

	id := <-taskIDCh
	time.Sleep(10 * time.Millisecond) // let the victim reach its blocking recv
	if t, ok := k.GetTask(id); ok {
		t.Kill()
	}

	status := k.RunUntilQuiescent()
	if killed := <-unwound; !killed {
		fmt.Fprintln(os.Stderr, "victim did not observe kill while blocked")
		return 1
	}
	return status
}

func runRoundRobin(cfg kernel.Config, workers int) int {
	k := kernel.New(cfg)
	schedID, _ := k.CreateScheduler(workers)

	const tasks = 6
	placement := make(chan int, tasks)
	for i := 0; i < tasks; i++ {
		k.Spawn(schedID, "placed", func(ctx *kernel.Context) {
			placement <- ctx.Task().WorkerID()
		})
	}

	status := k.RunUntilQuiescent()
	counts := make(map[int]int)
	for i := 0; i < tasks; i++ {
		counts[<-placement]++
	}
	for w := 0; w < workers; w++ {
		fmt.Printf("worker %d: %d tasks\n", w, counts[w])
	}
	return status
}

func runShutdown(cfg kernel.Config, workers int) int {
	k := kernel.New(cfg)
	schedID, _ := k.CreateScheduler(workers)

	for i := 0; i < 3; i++ {
		k.Spawn(schedID, "transient", func(ctx *kernel.Context) {
			ctx.Yield()
		})
	}

	status := k.RunUntilQuiescent()
	fmt.Printf("scheduler drained, exit status %d\n", status)
	return status
}
