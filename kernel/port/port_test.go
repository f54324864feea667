package port_test

import (
	"testing"

	"github.com/dmarro89/go-taskrt/kernel"
	"github.com/dmarro89/go-taskrt/kernel/port"
)

func TestSendBeforeReceiveIsVisibleToReceive(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	schedID, _ := k.CreateScheduler(1)

	var got int
	var sendOK, killed bool
	k.Spawn(schedID, "receiver", func(ctx *kernel.Context) {
		p := port.New[int](ctx.Task(), 4)
		ch := port.ChannelOf(p)

		sendOK = ch.Send(k, 42)
		killed = p.Recv(&got)
	})

	if status := k.RunUntilQuiescent(); status != 0 {
		t.Fatalf("exit status = %d, want 0", status)
	}
	if !sendOK {
		t.Fatal("send to own channel failed")
	}
	if killed {
		t.Fatal("unexpected kill")
	}
	if got != 42 {
		t.Fatalf("got = %d, want 42", got)
	}
}

func TestPingPongRendezvous(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	schedID, _ := k.CreateScheduler(2)

	const rounds = 50
	result := make(chan int, 1)

	// Each side owns the port it receives on (spec §3: "only the owning
	// task may receive"); the two Channel values are exchanged once, up
	// front, over plain Go channels used purely as test bootstrap
	// plumbing — not part of the runtime's own message passing.
	pingChanCh := make(chan port.Channel, 1)
	pongChanCh := make(chan port.Channel, 1)

	k.Spawn(schedID, "pong", func(ctx *kernel.Context) {
		pingPort := port.New[int](ctx.Task(), 1)
		pingChanCh <- port.ChannelOf(pingPort)
		pongChan := <-pongChanCh

		for i := 0; i < rounds; i++ {
			var v int
			pingPort.Recv(&v)
			pongChan.Send(k, v*2)
		}
	})

	k.Spawn(schedID, "ping", func(ctx *kernel.Context) {
		pongPort := port.New[int](ctx.Task(), 1)
		pongChanCh <- port.ChannelOf(pongPort)
		pingChan := <-pingChanCh

		sum := 0
		for i := 0; i < rounds; i++ {
			pingChan.Send(k, i)
			var reply int
			pongPort.Recv(&reply)
			sum += reply
		}
		result <- sum
	})

	status := k.RunUntilQuiescent()
	if status != 0 {
		t.Fatalf("exit status = %d, want 0", status)
	}

	want := 0
	for i := 0; i < rounds; i++ {
		want += i * 2
	}
	if got := <-result; got != want {
		t.Fatalf("sum = %d, want %d", got, want)
	}
}

func TestSelectPicksReadyPort(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	schedID, _ := k.CreateScheduler(1)

	done := make(chan int, 1)

	k.Spawn(schedID, "selector", func(ctx *kernel.Context) {
		a := port.New[string](ctx.Task(), 1)
		b := port.New[string](ctx.Task(), 1)
		b.Send("from-b")

		sel := port.NewSelector[string](ctx.Task(), 1)
		chosen, killed := sel.Select([]*port.Port[string]{a, b})
		if killed {
			done <- -1
			return
		}
		if chosen != b {
			done <- 0
			return
		}
		var msg string
		chosen.Receive(&msg)
		if msg == "from-b" {
			done <- 1
		} else {
			done <- 0
		}
	})

	k.RunUntilQuiescent()
	if got := <-done; got != 1 {
		t.Fatalf("select result = %d, want 1", got)
	}
}

func TestDetachedPortDropsSendsSilently(t *testing.T) {
	k := kernel.New(kernel.DefaultConfig())
	schedID, _ := k.CreateScheduler(1)

	ok := make(chan bool, 1)
	k.Spawn(schedID, "owner", func(ctx *kernel.Context) {
		p := port.New[int](ctx.Task(), 1)
		ch := port.ChannelOf(p)
		p.Detach()
		ok <- ch.Send(k, 1)
	})

	k.RunUntilQuiescent()
	if sent := <-ok; sent {
		t.Fatal("send to detached port succeeded, want dropped")
	}
}
