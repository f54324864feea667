package port

import (
	"math/rand/v2"
	"sort"

	gvsync "gvisor.dev/gvisor/pkg/sync"

	"github.com/dmarro89/go-taskrt/kernel/scheduler"
)

// Selector implements select() over a fixed set of same-typed ports (spec
// §4.5 "Select"): a rotated poll order gives probabilistic fairness across
// ready ports, while every port's lock is held across the whole scan
// so a sender cannot arrive after the decision to block without first
// observing the task blocked. Transcribed from the pollorder/lockorder
// scan in pianoyeg94-go-runtime-inside-out/channels_and_select/select.go's
// selectgo, generalized from the runtime's unsafe scase array to a typed
// Go slice.
//
// Owned by a single task; spec §3 invariant: at most one active select per
// task, enforced here simply by Select not being safe to call
// concurrently with itself on the same Selector.
type Selector[T any] struct {
	owner *scheduler.Task
	rng   *rand.Rand

	mu    gvsync.Mutex // +checklocks: ports, armed
	ports []*Port[T]
	armed bool
}

// NewSelector creates a selector owned by owner, seeded independently from
// the owner's worker PRNG so poll-order rotation doesn't correlate with
// scheduling pick order.
func NewSelector[T any](owner *scheduler.Task, seed uint64) *Selector[T] {
	return &Selector[T]{owner: owner, rng: rand.New(rand.NewPCG(seed, uint64(owner.ID)))}
}

// Select scans ports for one with a ready message, returning it
// immediately if found. Otherwise it arms the selector and blocks until a
// sender on one of ports wakes it, or the task is killed. The returned
// port (if non-nil) still needs its own Receive called to pop the
// message — Select only identifies which port became ready, exactly as
// spec §4.5 describes ("writes its reference to *dst_ptr").
func (s *Selector[T]) Select(ports []*Port[T]) (chosen *Port[T], killed bool) {
	n := len(ports)
	lockOrder := make([]int, n)
	for i := range lockOrder {
		lockOrder[i] = i
	}
	sort.Slice(lockOrder, func(i, j int) bool {
		return ports[lockOrder[i]].ID < ports[lockOrder[j]].ID
	})

	start := 0
	if n > 0 {
		start = s.rng.IntN(n)
	}
	pollOrder := make([]int, n)
	for i := range pollOrder {
		pollOrder[i] = (start + i) % n
	}

	for _, idx := range lockOrder {
		ports[idx].mu.Lock()
	}

	for _, idx := range pollOrder {
		if len(ports[idx].buf) > 0 {
			chosen = ports[idx]
			break
		}
	}

	if chosen == nil {
		s.mu.Lock()
		s.ports = ports
		s.armed = true
		s.mu.Unlock()
		for _, idx := range lockOrder {
			ports[idx].sel = s
		}
	}

	for _, idx := range lockOrder {
		ports[idx].mu.Unlock()
	}

	if chosen != nil {
		return chosen, false
	}

	var picked *Port[T]
	s.owner.BlockForRendezvous(s, "waiting for select rendezvous", func(msg any) bool {
		p, ok := msg.(*Port[T])
		if !ok {
			return false
		}
		picked = p
		return true
	})

	s.clearArmed(ports)
	return picked, s.owner.Killed()
}

// clearArmed unlinks this selector from every port it armed, so a later
// send on one of them doesn't notify a selector that has already resolved.
func (s *Selector[T]) clearArmed(ports []*Port[T]) {
	for _, p := range ports {
		p.mu.Lock()
		if p.sel == s {
			p.sel = nil
		}
		p.mu.Unlock()
	}
}

// msgSentOn is called by Port.Send, without the port's lock held, after it
// has appended a message to p's buffer. It delivers p's identity to the
// owner if the owner is still armed and waiting on this selector; the
// first sender to win the race clears armed, so a second, concurrent
// sender on a different port sees the selector unarmed and simply leaves
// its own message buffered (spec §4.5: "the second sees the selector no
// longer blocked and falls back to buffer-append").
func (s *Selector[T]) msgSentOn(p *Port[T]) {
	s.mu.Lock()
	if !s.armed {
		s.mu.Unlock()
		return
	}
	armedPorts := s.ports
	s.armed = false
	s.ports = nil
	s.mu.Unlock()

	inSet := false
	for _, cand := range armedPorts {
		if cand == p {
			inSet = true
			break
		}
	}
	if !inSet {
		return
	}

	s.owner.TryDeliverFor(s, p)
}
