// Package port implements the runtime's message-passing layer: ports,
// channels and selectors (spec §3/§4.5). A Port is generic over its
// element type, following idiomatic Go rather than the distilled spec's
// raw byte-size/unit_desc C-ism; Channel stays a non-generic, freely
// copyable value so it can be stored and passed around without knowing T,
// resolving its element type with a reflect.Type check at send time (see
// channel.go).
//
// Grounded on QubicOS-Spark/kernel/ipc.go's fixed-size Message/Mailbox
// shape for the buffer/refcount structure, and on
// pianoyeg94-go-runtime-inside-out/channels_and_select/chan.go for the
// rendezvous-then-buffer send discipline.
package port

import (
	"reflect"
	"runtime"
	"sync/atomic"

	gvsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

// PortID identifies a Port within its owning task's port table (spec §3).
// Ids are allocated from a single package-wide counter and never reused.
type PortID uint64

var nextPortID atomic.Uint64

// Port is a fixed-capacity-hint FIFO mailbox owned by exactly one task.
// Any task may send to it; only the owner may receive (spec §3 invariant).
type Port[T any] struct {
	ID    PortID
	owner *scheduler.Task

	mu           gvsync.Mutex // +checklocks: buf, detached, sel
	buf          []T
	capacityHint int
	detached     bool
	sel          *Selector[T]

	refcount atomic.Int32
	typ      reflect.Type
}

// New creates a port owned by owner and registers it on the task's owned
// set so it is force-closed if the task is reaped without an explicit
// Detach (spec §4.5's detach discipline, made safe against a forgetful
// caller).
func New[T any](owner *scheduler.Task, capacityHint int) *Port[T] {
	p := &Port[T]{
		ID:           PortID(nextPortID.Add(1)),
		owner:        owner,
		capacityHint: capacityHint,
		typ:          reflect.TypeOf((*T)(nil)).Elem(),
	}
	p.refcount.Store(1)
	owner.TrackPort(uint64(p.ID), p)
	return p
}

// Send implements spec §4.5's send(): first attempt a direct rendezvous
// with the owner if it is blocked in Recv on this exact port, else append
// to the buffer and, if the owner is mid-select, notify its selector.
// Sends to a detached port are dropped, returning false, never an error
// (spec §4.5, §7 LookupMiss).
func (p *Port[T]) Send(data T) bool {
	if p.owner.TryDeliverFor(p, data) {
		return true
	}

	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return false
	}
	p.buf = append(p.buf, data)
	sel := p.sel
	p.mu.Unlock()

	if sel != nil {
		sel.msgSentOn(p)
	}
	return true
}

// Receive is the non-blocking half of port_recv (spec §4.5 step 1): pops
// one message into dst if the buffer is non-empty. Must only be called by
// the owning task.
func (p *Port[T]) Receive(dst *T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return false
	}
	*dst = p.buf[0]
	p.buf = p.buf[1:]
	return true
}

// Recv is the blocking port_recv primitive (spec §4.5): try a buffered
// receive first (no yield on success); if the task is already killed,
// report killed without blocking (Yield returns at once for a killed
// task); otherwise publish the
// rendezvous slot and block until a sender delivers directly or the task
// is killed.
func (p *Port[T]) Recv(dst *T) (killed bool) {
	if p.Receive(dst) {
		return false
	}
	if p.owner.Killed() {
		p.owner.Yield()
		return true
	}

	p.owner.BlockForRendezvous(p, "waiting for rendezvous data", func(msg any) bool {
		v, ok := msg.(T)
		if !ok {
			return false
		}
		*dst = v
		return true
	})
	return p.owner.Killed()
}

// Detach signals that the owner is giving up the port: new sends are
// dropped from this point on, and Detach spins until the port's refcount
// drops to 1 (the owner's own reference), guaranteeing no concurrent
// Channel.Send still holds a lookup-increment before the port is unlinked
// (spec §4.5 "detach").
func (p *Port[T]) Detach() {
	p.mu.Lock()
	p.detached = true
	p.mu.Unlock()

	for p.refcount.Load() > 1 {
		runtime.Gosched()
	}

	p.owner.UntrackPort(uint64(p.ID))

	p.mu.Lock()
	p.buf = nil
	p.sel = nil
	p.mu.Unlock()
}

// Close implements scheduler.OwnedResource: force-detaches the port when
// its owning task is reaped without having called Detach explicitly.
func (p *Port[T]) Close() {
	p.mu.Lock()
	p.detached = true
	p.buf = nil
	p.sel = nil
	p.mu.Unlock()
}

// Len reports the number of buffered, undelivered messages (rt_port_size).
func (p *Port[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Port[T]) sendUntyped(data any) bool {
	v, ok := data.(T)
	if !ok {
		return false
	}
	return p.Send(v)
}

func (p *Port[T]) elemType() reflect.Type { return p.typ }

func (p *Port[T]) addRef()  { p.refcount.Add(1) }
func (p *Port[T]) release() { p.refcount.Add(-1) }

// untypedSender is implemented by every *Port[T]; it is how Channel.Send
// reaches a concrete, type-erased port looked up by (TaskID, PortID) alone.
// addRef/release back spec §3's "each successful lookup increments its
// refcount before use", which is what makes Detach's refcount==1 spin
// actually mean something.
type untypedSender interface {
	sendUntyped(data any) bool
	elemType() reflect.Type
	addRef()
	release()
}

var _ scheduler.OwnedResource = (*Port[int])(nil)
var _ untypedSender = (*Port[int])(nil)
