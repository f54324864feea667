package port

import (
	"reflect"

	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

// TaskLookup is the minimal surface Channel needs to resolve its
// destination task, satisfied by *kernel.Kernel without this package
// importing kernel directly.
type TaskLookup interface {
	LookupTask(id scheduler.TaskID) (*scheduler.Task, bool)
}

// Channel is the freely-copyable value type from spec §3: a
// (task id, port id) pair. Stale channels — task gone, port gone, or
// detached — silently drop sends rather than erroring (spec §4.5, §7
// LookupMiss), and so does a type mismatch, extending that same contract
// to the one failure mode a byte-size-based C API wouldn't have: Channel
// carries its element's reflect.Type so a send to the wrong element type
// is just another kind of "destination gone".
type Channel struct {
	TaskID scheduler.TaskID
	PortID PortID
	typ    reflect.Type
}

// ChannelOf captures a Channel value referring to p.
func ChannelOf[T any](p *Port[T]) Channel {
	return Channel{TaskID: p.owner.ID, PortID: p.ID, typ: p.typ}
}

// Send implements rt_chan_send: resolves the destination task and port
// through k, checks the element type, and forwards to the port's typed
// Send. Returns false — never an error — if the destination is gone or
// the type doesn't match.
func (c Channel) Send(k TaskLookup, data any) bool {
	if c.typ != nil && reflect.TypeOf(data) != c.typ {
		return false
	}

	t, ok := k.LookupTask(c.TaskID)
	if !ok {
		return false
	}

	res, ok := t.LookupPort(uint64(c.PortID))
	if !ok {
		return false
	}

	sender, ok := res.(untypedSender)
	if !ok {
		return false
	}
	sender.addRef()
	defer sender.release()
	return sender.sendUntyped(data)
}
