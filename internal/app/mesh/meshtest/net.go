// Package meshtest provides an in-memory signaling fabric and peer
// connections for exercising the mesh under arbitrary delivery orders.
package meshtest

import (
	"math/rand"
	"sync"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Net queues every signaling message and peer connection callback. Nothing
// runs until the test calls Step or Drain, which lets tests pick the order.
type Net struct {
	mu       sync.Mutex
	queue    []func()
	handlers map[domain.UserID]func(core.ControlMessage)
	pcs      []*PC
	nextID   int
	errs     []error
	sent     map[core.MessageType]int

	// DuplicateRate is the probability a message is queued twice.
	DuplicateRate float64
	// Drop discards matching messages when set.
	Drop func(core.ControlMessage) bool
	// StrictRollback makes Rollback fail with core.ErrRollbackUnsupported
	// once a connection has applied a remote description, as pion does.
	StrictRollback bool

	rng *rand.Rand
}

func NewNet(seed int64) *Net {
	return &Net{
		handlers: make(map[domain.UserID]func(core.ControlMessage)),
		sent:     make(map[core.MessageType]int),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Register routes messages addressed to id into h.
func (n *Net) Register(id domain.UserID, h func(core.ControlMessage)) {
	n.mu.Lock()
	n.handlers[id] = h
	n.mu.Unlock()
}

type sender struct {
	n    *Net
	self domain.UserID
}

func (s sender) Send(msg core.ControlMessage) error {
	s.n.send(s.self, msg)
	return nil
}

// Sender returns the signaling sender for id.
func (n *Net) Sender(id domain.UserID) core.Sender { return sender{n: n, self: id} }

func (n *Net) send(from domain.UserID, msg core.ControlMessage) {
	msg.SenderID = from
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent[msg.Type()]++
	if n.Drop != nil && n.Drop(msg) {
		return
	}
	copies := 1
	if n.DuplicateRate > 0 && n.rng.Float64() < n.DuplicateRate {
		copies = 2
	}
	for id, h := range n.handlers {
		if id == from || (msg.Directed() && msg.TargetID != id) {
			continue
		}
		h := h
		for range copies {
			n.queue = append(n.queue, func() { h(msg) })
		}
	}
}

func (n *Net) post(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
}

// Step runs one queued item, chosen at random when shuffle is set.
func (n *Net) Step(shuffle bool) bool {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return false
	}
	i := 0
	if shuffle {
		i = n.rng.Intn(len(n.queue))
	}
	fn := n.queue[i]
	n.queue = append(n.queue[:i], n.queue[i+1:]...)
	n.mu.Unlock()
	fn()
	return true
}

// Drain runs queued items until none are left or limit steps were taken.
// It returns the number of steps.
func (n *Net) Drain(shuffle bool, limit int) int {
	steps := 0
	for steps < limit && n.Step(shuffle) {
		steps++
	}
	return steps
}

func (n *Net) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Sent counts messages of type t handed to the fabric, dropped ones included.
func (n *Net) Sent(t core.MessageType) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[t]
}

// Errors lists protocol violations the fake connections observed, such as
// a candidate applied before any remote description.
func (n *Net) Errors() []error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]error(nil), n.errs...)
}

func (n *Net) fault(err error) {
	n.mu.Lock()
	n.errs = append(n.errs, err)
	n.mu.Unlock()
}

// Factory builds fake connections owned by owner.
func (n *Net) Factory(owner domain.UserID) core.PeerConnectionFactory {
	return func(remote domain.UserID) (core.PeerConnection, error) {
		n.mu.Lock()
		n.nextID++
		pc := newPC(n, n.nextID, owner, remote)
		n.pcs = append(n.pcs, pc)
		n.mu.Unlock()
		return pc, nil
	}
}

// Open lists connections that were built and not closed.
func (n *Net) Open() []*PC {
	n.mu.Lock()
	pcs := append([]*PC(nil), n.pcs...)
	n.mu.Unlock()
	var out []*PC
	for _, pc := range pcs {
		if !pc.Closed() {
			out = append(out, pc)
		}
	}
	return out
}

// Connected reports whether owner's open connection to remote is paired
// with remote's open connection to owner.
func (n *Net) Connected(owner, remote domain.UserID) bool {
	var a, b *PC
	for _, pc := range n.Open() {
		switch {
		case pc.Owner == owner && pc.Remote == remote:
			a = pc
		case pc.Owner == remote && pc.Remote == owner:
			b = pc
		}
	}
	return a != nil && b != nil && paired(a, b)
}

// settle fires the connected callback on every freshly paired connection.
func (n *Net) settle() {
	open := n.Open()
	for _, a := range open {
		for _, b := range open {
			if a.Owner == b.Remote && a.Remote == b.Owner && paired(a, b) {
				a.markConnected(b)
			}
		}
	}
}
