package timerloop_test

import (
	"testing"
	"time"

	"github.com/dmarro89/go-taskrt/eventloop/timerloop"
)

func TestLoopDeliversBoundIDOnTick(t *testing.T) {
	id := [16]byte{1, 2, 3}
	l := timerloop.New(5*time.Millisecond, id)

	got := make(chan [16]byte, 1)
	l.BindCallback(func(got16 [16]byte) {
		select {
		case got <- got16:
		default:
		}
	})
	l.Start()
	defer l.Stop()

	select {
	case v := <-got:
		if v != id {
			t.Fatalf("delivered id = %v, want %v", v, id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick callback")
	}
}

func TestLoopStartIsIdempotent(t *testing.T) {
	l := timerloop.New(time.Hour, [16]byte{})
	l.Start()
	l.Start()
	l.Stop()
}
