package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

type State string

const (
	StateIdle      State = "idle"
	StateOffering  State = "offering"
	StateAnswering State = "answering"
	StateConnected State = "connected"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

// PeerLink is the direct connection to one remote participant. All fields
// are guarded by mu; the manager never holds mu while taking its own lock.
type PeerLink struct {
	m      *Manager
	remote domain.UserID
	polite bool
	logger zerolog.Logger

	mu    sync.Mutex
	pc    core.PeerConnection
	gen   core.Generation
	state State
	// pending records a negotiation that was requested while signaling was
	// not stable, or an own offer that was rolled back.
	pending bool
	// revision of our outstanding offer.
	revision  uint64
	remoteRev uint64
	remoteGen core.Generation
	remoteSet bool
	// deferred is the newest offer ignored during glare.
	deferred *core.Offer
	// candidates arrived before the matching remote description.
	candidates []core.Candidate
	mediaUp    bool
	attempts   int
	exhausted  bool
	timer      *time.Timer
	timerGen   uint64
	streams    map[string]*RemoteStream
	closed     bool
}

// LinkInfo is a read-only view of a link.
type LinkInfo struct {
	Remote     domain.UserID   `json:"remote"`
	State      State           `json:"state"`
	Polite     bool            `json:"polite"`
	Generation core.Generation `json:"generation"`
	Attempts   int             `json:"attempts"`
	Streams    int             `json:"streams"`
}

func newLink(m *Manager, remote domain.UserID, gen core.Generation) *PeerLink {
	return &PeerLink{
		m:       m,
		remote:  remote,
		polite:  domain.Polite(m.self, remote),
		gen:     gen,
		state:   StateIdle,
		streams: make(map[string]*RemoteStream),
		logger:  log.With().Str("module", "mesh").Str("remote", string(remote)).Logger(),
	}
}

func (l *PeerLink) Remote() domain.UserID { return l.remote }

func (l *PeerLink) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *PeerLink) Info() LinkInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LinkInfo{
		Remote:     l.remote,
		State:      l.state,
		Polite:     l.polite,
		Generation: l.gen,
		Attempts:   l.attempts,
		Streams:    len(l.streams),
	}
}

// Streams returns the remote streams currently owned by the link.
func (l *PeerLink) Streams() []*RemoteStream {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*RemoteStream, 0, len(l.streams))
	for _, s := range l.streams {
		out = append(out, s)
	}
	return out
}

// effects collects observer calls and other work to run after l.mu is released.
type effects []func()

func (e *effects) add(fn func()) { *e = append(*e, fn) }

func (e effects) run() {
	for _, fn := range e {
		fn()
	}
}

func (l *PeerLink) setStateLocked(s State) {
	if l.state == StateClosed || l.state == s {
		return
	}
	l.logger.Debug().Str("from", string(l.state)).Str("to", string(s)).Msg("link state")
	l.state = s
}

// buildLocked replaces the peer connection with a fresh one.
func (l *PeerLink) buildLocked(fx *effects) error {
	if l.pc != nil {
		if err := l.closePCLocked(); err != nil {
			l.logger.Warn().Err(err).Msg("close superseded peer connection")
		}
	}
	pc, err := l.m.factory(l.remote)
	if err != nil {
		return fmt.Errorf("build peer connection to %s: %w", l.remote, err)
	}
	l.gen++
	gen := l.gen
	l.pc = pc
	l.remoteSet = false
	l.mediaUp = false
	l.revision = 0
	l.pending = false
	l.deferred = nil
	l.candidates = filterCandidates(l.candidates, func(c core.Candidate) bool { return c.Generation > l.remoteGen })

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) { l.onLocalCandidate(pc, gen, c) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { l.onConnectionState(pc, s) })
	pc.OnTrack(func(t core.RemoteTrack) { l.onTrack(pc, t) })

	if err := pc.SetLocalStream(l.m.LocalStream()); err != nil {
		l.logger.Warn().Err(err).Msg("attach local stream failed, link is receive-only")
	}
	l.setStateLocked(StateIdle)
	remote := l.remote
	fx.add(func() { l.m.observer.LinkConnecting(remote) })
	l.logger.Info().Uint64("generation", gen).Bool("polite", l.polite).Msg("peer connection built")
	return nil
}

func (l *PeerLink) closePCLocked() error {
	var err error
	for id, s := range l.streams {
		s.stop()
		delete(l.streams, id)
	}
	if l.pc != nil {
		err = l.pc.Close()
		l.pc = nil
	}
	l.mediaUp = false
	l.remoteSet = false
	return err
}

func (l *PeerLink) armTimerLocked() {
	if l.timer != nil || l.m.timeout <= 0 {
		return
	}
	l.timerGen++
	gen := l.timerGen
	l.timer = time.AfterFunc(l.m.timeout, func() { l.onTimeout(gen) })
}

func (l *PeerLink) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.timerGen++
}

// close tears the link down. Safe on an already closed link.
func (l *PeerLink) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.stopTimerLocked()
	l.candidates = nil
	err := l.closePCLocked()
	l.state = StateClosed
	l.logger.Info().Msg("link closed")
	return err
}

func (l *PeerLink) send(p core.Payload) {
	msg := core.NewMessage(l.m.self, p).To(l.remote)
	if err := l.m.sender.Send(msg); err != nil {
		l.logger.Warn().Err(err).Str("type", string(p.Type())).Msg("signal send failed")
	}
}

func filterCandidates(in []core.Candidate, keep func(core.Candidate) bool) []core.Candidate {
	out := in[:0]
	for _, c := range in {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (l *PeerLink) generation() core.Generation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gen
}
