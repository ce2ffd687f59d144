// Package mesh owns one peer link per remote participant and drives the
// offer/answer/candidate exchange with perfect-negotiation glare handling:
// the lower user id is polite and yields its own offer on collision, the
// higher one ignores incoming offers while its own is outstanding.
package mesh

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Observer receives link lifecycle events. Calls are made without any mesh
// lock held and may arrive from pion callback goroutines.
type Observer interface {
	LinkConnecting(remote domain.UserID)
	LinkConnected(remote domain.UserID)
	// LinkUnreachable fires once retries are exhausted. The participant stays
	// listed; only their live media is gone.
	LinkUnreachable(remote domain.UserID, cause error)
	RemoteTrack(remote domain.UserID, stream *RemoteStream)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) LinkConnecting(domain.UserID)             {}
func (NopObserver) LinkConnected(domain.UserID)              {}
func (NopObserver) LinkUnreachable(domain.UserID, error)     {}
func (NopObserver) RemoteTrack(domain.UserID, *RemoteStream) {}

type Options struct {
	Self     domain.UserID
	Sender   core.Sender
	Factory  core.PeerConnectionFactory
	Observer Observer
	// NegotiationTimeout bounds the time from starting a negotiation to a
	// connected link. Zero disables the timer.
	NegotiationTimeout time.Duration
	// Retries is the number of fresh connections tried before a peer is
	// reported unreachable.
	Retries int
}

type Manager struct {
	self     domain.UserID
	sender   core.Sender
	factory  core.PeerConnectionFactory
	observer Observer
	timeout  time.Duration
	retries  int

	revision atomic.Uint64

	mu     sync.Mutex
	links  map[domain.UserID]*PeerLink
	gens   map[domain.UserID]core.Generation
	closed bool

	// localMu is a leaf lock: it is never held while taking another one.
	localMu sync.RWMutex
	local   core.LocalStream
	sinks   SinkFactory
}

func NewManager(opts Options) *Manager {
	if opts.Observer == nil {
		opts.Observer = NopObserver{}
	}
	return &Manager{
		self:     opts.Self,
		sender:   opts.Sender,
		factory:  opts.Factory,
		observer: opts.Observer,
		timeout:  opts.NegotiationTimeout,
		retries:  opts.Retries,
		links:    make(map[domain.UserID]*PeerLink),
		gens:     make(map[domain.UserID]core.Generation),
	}
}

func (m *Manager) LocalStream() core.LocalStream {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	return m.local
}

func (m *Manager) sinkFactory() SinkFactory {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	return m.sinks
}

// link returns the link to remote, creating an unbuilt one when create is set.
func (m *Manager) link(remote domain.UserID, create bool) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || remote == m.self || remote == "" {
		return nil, false
	}
	l, ok := m.links[remote]
	if ok || !create {
		return l, false
	}
	l = newLink(m, remote, m.gens[remote])
	m.links[remote] = l
	return l, true
}

// EnsureLink returns the existing link to remote or creates one. The
// impolite side offers right away; the polite side waits for the offer
// under the negotiation timer. An unreachable link is revived.
func (m *Manager) EnsureLink(remote domain.UserID) {
	l, created := m.link(remote, true)
	if l == nil {
		return
	}
	var fx effects
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	revived := l.exhausted
	if err := l.ensureBuiltLocked(&fx); err != nil {
		l.exhaustLocked(&fx, err)
		l.mu.Unlock()
		fx.run()
		return
	}
	switch {
	case revived:
		l.negotiateLocked(&fx)
	case !l.polite && l.state == StateIdle && !l.remoteSet && l.revision == 0:
		l.negotiateLocked(&fx)
	case created:
		l.armTimerLocked()
	}
	l.mu.Unlock()
	fx.run()
}

// RestartLink tears down the link to remote and starts a fresh one. Used
// when the remote restarted and its end of the old link is gone.
func (m *Manager) RestartLink(remote domain.UserID) {
	if err := m.CloseLink(remote); err != nil {
		log.Warn().Str("module", "mesh").Str("remote", string(remote)).Err(err).Msg("close superseded link")
	}
	m.mu.Lock()
	// The restarted remote counts generations from scratch.
	delete(m.gens, remote)
	m.mu.Unlock()
	m.EnsureLink(remote)
}

// CloseLink tears the link to remote down. Closing a missing or already
// closed link is a no-op.
func (m *Manager) CloseLink(remote domain.UserID) error {
	m.mu.Lock()
	l, ok := m.links[remote]
	if ok {
		delete(m.links, remote)
		m.gens[remote] = l.generation()
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return l.close()
}

// CloseAll cancels every negotiation and closes every link. The manager
// accepts no new links afterwards.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	m.closed = true
	links := m.links
	m.links = make(map[domain.UserID]*PeerLink)
	m.mu.Unlock()

	var err error
	for _, l := range links {
		err = multierr.Append(err, l.close())
	}
	log.Info().Str("module", "mesh").Int("links", len(links)).Msg("all links closed")
	return err
}

// ActiveLinks is the number of links not yet closed.
func (m *Manager) ActiveLinks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

func (m *Manager) Link(remote domain.UserID) (*PeerLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return l, ok
}

func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	links := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	out := make([]LinkInfo, 0, len(links))
	for _, l := range links {
		out = append(out, l.Info())
	}
	return out
}

func (m *Manager) snapshot() []*PeerLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PeerLink, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	return out
}

// ReplaceLocalStream swaps the outgoing stream on every link and
// renegotiates each of them in place. Nil means receive-only.
func (m *Manager) ReplaceLocalStream(s core.LocalStream) {
	m.localMu.Lock()
	m.local = s
	m.localMu.Unlock()

	for _, l := range m.snapshot() {
		var fx effects
		l.mu.Lock()
		if !l.closed && l.pc != nil {
			if err := l.pc.SetLocalStream(s); err != nil {
				l.logger.Warn().Err(err).Msg("swap local stream failed")
			}
			l.negotiateLocked(&fx)
		}
		l.mu.Unlock()
		fx.run()
	}
}

// AttachSinks opens a sink for every current and future remote track.
func (m *Manager) AttachSinks(f SinkFactory) {
	m.localMu.Lock()
	m.sinks = f
	m.localMu.Unlock()
	for _, l := range m.snapshot() {
		for _, rs := range l.Streams() {
			attachSink(rs, f)
		}
	}
}

// DetachSinks closes all sinks opened by AttachSinks.
func (m *Manager) DetachSinks() {
	m.localMu.Lock()
	m.sinks = nil
	m.localMu.Unlock()
	for _, l := range m.snapshot() {
		for _, rs := range l.Streams() {
			rs.Detach(recorderSink)
		}
	}
}

const recorderSink = "recorder"

func attachSink(rs *RemoteStream, f SinkFactory) {
	sink, err := f(rs.Remote, rs.Track)
	if err != nil {
		rs.logger.Warn().Err(err).Msg("open sink failed")
		return
	}
	if sink != nil {
		rs.Attach(recorderSink, sink)
	}
}

// HandleOffer applies a directed offer from msg.SenderID.
func (m *Manager) HandleOffer(msg core.ControlMessage, p core.Offer) error {
	l, _ := m.link(msg.SenderID, true)
	if l == nil {
		return core.ErrClosed
	}
	var fx effects
	err := l.handleOffer(p, &fx)
	fx.run()
	return err
}

func (m *Manager) HandleAnswer(msg core.ControlMessage, p core.Answer) error {
	l, _ := m.link(msg.SenderID, false)
	if l == nil {
		return core.ErrStaleMessage
	}
	var fx effects
	err := l.handleAnswer(p, &fx)
	fx.run()
	return err
}

func (m *Manager) HandleCandidate(msg core.ControlMessage, p core.Candidate) error {
	l, _ := m.link(msg.SenderID, true)
	if l == nil {
		return core.ErrClosed
	}
	return l.handleCandidate(p)
}

// Handle dispatches negotiation messages and ignores everything else.
func (m *Manager) Handle(msg core.ControlMessage) error {
	switch p := msg.Payload.(type) {
	case core.Offer:
		return m.HandleOffer(msg, p)
	case core.Answer:
		return m.HandleAnswer(msg, p)
	case core.Candidate:
		return m.HandleCandidate(msg, p)
	}
	return nil
}
