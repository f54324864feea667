// Package timerloop provides a minimal eventloop.Loop implementation: a
// single time.Ticker-driven goroutine delivering a fixed id on every tick,
// grounded on QubicOS-Spark/kernel/system.go's StartTick. It is a minimal
// concrete timer collaborator (spec §5 "Timeouts ... only via the timer
// collaborator"), not a general-purpose I/O event loop; the kernel and the
// demo program do not use it.
package timerloop

import (
	"sync"
	"time"

	"github.com/dmarro89/go-taskrt/eventloop"
)

// Loop fires its bound callback with the same fixed id every interval.
type Loop struct {
	interval time.Duration
	id       [16]byte

	mu      sync.Mutex
	cb      func(id [16]byte)
	started bool
	stop    chan struct{}
}

// New creates a Loop that ticks every interval once Start is called.
func New(interval time.Duration, id [16]byte) *Loop {
	return &Loop{interval: interval, id: id, stop: make(chan struct{})}
}

// BindCallback implements eventloop.Loop.
func (l *Loop) BindCallback(cb func(id [16]byte)) {
	l.mu.Lock()
	l.cb = cb
	l.mu.Unlock()
}

// AsyncSend implements eventloop.Loop. A fixed-interval ticker never needs
// an external nudge, so this is a no-op.
func (l *Loop) AsyncSend() {}

// Start launches the ticker goroutine. Calling Start twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// Stop terminates the ticker goroutine.
func (l *Loop) Stop() { close(l.stop) }

func (l *Loop) run() {
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.mu.Lock()
			cb := l.cb
			l.mu.Unlock()
			if cb != nil {
				cb(l.id)
			}
		case <-l.stop:
			return
		}
	}
}

var _ eventloop.Loop = (*Loop)(nil)
