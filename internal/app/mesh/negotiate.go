package mesh

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/classmesh/internal/core"
)

// ensureBuiltLocked makes sure the link has a live peer connection,
// reviving an exhausted link.
func (l *PeerLink) ensureBuiltLocked(fx *effects) error {
	if l.exhausted {
		l.exhausted = false
		l.attempts = 0
		l.logger.Info().Msg("reviving unreachable link")
	}
	if l.pc != nil {
		return nil
	}
	return l.buildLocked(fx)
}

// negotiateLocked sends a fresh offer, or records the need for one when
// signaling is mid-exchange.
func (l *PeerLink) negotiateLocked(fx *effects) {
	if l.closed || l.pc == nil {
		return
	}
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		l.pending = true
		return
	}
	l.pending = false
	offer, err := l.pc.CreateOffer()
	if err != nil {
		l.retryLocked(fx, fmt.Errorf("%w: create offer: %v", core.ErrNegotiationFailed, err))
		return
	}
	l.revision = l.m.revision.Add(1)
	if !l.mediaUp {
		l.setStateLocked(StateOffering)
	}
	l.armTimerLocked()
	l.logger.Debug().Uint64("revision", l.revision).Uint64("generation", l.gen).Msg("sending offer")
	l.send(core.Offer{SDP: offer, Revision: l.revision, Generation: l.gen})
}

func (l *PeerLink) handleOffer(p core.Offer, fx *effects) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrClosed
	}
	return l.handleOfferLocked(p, fx)
}

func (l *PeerLink) handleOfferLocked(p core.Offer, fx *effects) error {
	if p.Generation < l.remoteGen || (p.Generation == l.remoteGen && p.Revision <= l.remoteRev) {
		return core.ErrStaleMessage
	}
	if p.Generation > l.remoteGen && l.remoteSet {
		// The remote rebuilt its end; ours is paired with a dead connection.
		l.logger.Info().Uint64("generation", p.Generation).Msg("remote rebuilt its connection, rebuilding ours")
		if err := l.buildLocked(fx); err != nil {
			l.exhaustLocked(fx, err)
			return err
		}
	}
	if err := l.ensureBuiltLocked(fx); err != nil {
		l.exhaustLocked(fx, err)
		return err
	}

	collision := l.pc.SignalingState() != webrtc.SignalingStateStable
	if collision && !l.polite {
		// Keep our own offer; the newest ignored one is answered once ours settles.
		if l.deferred == nil || p.Generation > l.deferred.Generation ||
			(p.Generation == l.deferred.Generation && p.Revision > l.deferred.Revision) {
			l.deferred = &p
		}
		l.logger.Debug().Uint64("revision", p.Revision).Msg("glare: ignoring remote offer")
		return nil
	}
	var withdrawn uint64
	if collision {
		l.logger.Debug().Uint64("revision", p.Revision).Msg("glare: rolling back own offer")
		withdrawn = l.revision
		if err := l.pc.Rollback(); err != nil {
			// Answer from a fresh connection; the remote sees the new
			// generation and rebuilds its end as well.
			if errors.Is(err, core.ErrRollbackUnsupported) {
				l.logger.Info().Msg("glare on a paired connection, rebuilding")
			} else {
				l.logger.Warn().Err(err).Msg("rollback failed, rebuilding")
			}
			if err := l.buildLocked(fx); err != nil {
				l.exhaustLocked(fx, err)
				return err
			}
			withdrawn = 0
		}
		l.pending = true
	}

	l.remoteGen = p.Generation
	l.remoteRev = p.Revision
	if err := l.pc.SetRemoteDescription(p.SDP); err != nil {
		l.retryLocked(fx, fmt.Errorf("%w: apply offer: %v", core.ErrNegotiationFailed, err))
		return err
	}
	l.remoteSet = true
	l.flushCandidatesLocked()

	answer, err := l.pc.CreateAnswer()
	if err != nil {
		l.retryLocked(fx, fmt.Errorf("%w: create answer: %v", core.ErrNegotiationFailed, err))
		return err
	}
	l.send(core.Answer{SDP: answer, Revision: p.Revision, Generation: l.gen, Withdrawn: withdrawn})

	if l.mediaUp {
		l.connectedLocked(fx)
	} else {
		l.setStateLocked(StateAnswering)
		l.armTimerLocked()
	}
	if l.pending {
		l.negotiateLocked(fx)
	}
	return nil
}

func (l *PeerLink) handleAnswer(p core.Answer, fx *effects) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrClosed
	}
	if l.pc == nil || p.Revision != l.revision || p.Generation < l.remoteGen ||
		l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return core.ErrStaleMessage
	}
	if p.Generation > l.remoteGen && l.remoteSet {
		// Answered from a rebuilt remote end we were never paired with.
		l.logger.Info().Uint64("generation", p.Generation).Msg("answer from rebuilt remote, rebuilding ours")
		if err := l.buildLocked(fx); err != nil {
			l.exhaustLocked(fx, err)
			return err
		}
		l.remoteGen = p.Generation
		l.negotiateLocked(fx)
		return nil
	}
	if err := l.pc.SetRemoteDescription(p.SDP); err != nil {
		l.retryLocked(fx, fmt.Errorf("%w: apply answer: %v", core.ErrNegotiationFailed, err))
		return err
	}
	l.remoteGen = p.Generation
	l.remoteSet = true
	if p.Withdrawn > l.remoteRev {
		// The remote rolled that offer back; copies still in flight are stale.
		l.remoteRev = p.Withdrawn
	}
	l.flushCandidatesLocked()

	if l.mediaUp {
		l.connectedLocked(fx)
	}
	if d := l.deferred; d != nil {
		l.deferred = nil
		if err := l.handleOfferLocked(*d, fx); err != nil {
			l.logger.Debug().Err(err).Uint64("revision", d.Revision).Msg("deferred offer dropped")
		}
	}
	if l.pending {
		l.negotiateLocked(fx)
	}
	return nil
}

// handleCandidate buffers candidates until the matching remote description
// is set, so out-of-order delivery never reaches the connection.
func (l *PeerLink) handleCandidate(p core.Candidate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.ErrClosed
	}
	if p.Generation < l.remoteGen {
		return core.ErrStaleMessage
	}
	if p.Generation == l.remoteGen && l.remoteSet && l.pc != nil {
		if err := l.pc.AddICECandidate(p.Candidate); err != nil {
			l.logger.Warn().Err(err).Msg("add candidate failed")
		}
		return nil
	}
	l.candidates = append(l.candidates, p)
	return nil
}

func (l *PeerLink) flushCandidatesLocked() {
	if len(l.candidates) == 0 {
		return
	}
	applied := 0
	l.candidates = filterCandidates(l.candidates, func(c core.Candidate) bool {
		switch {
		case c.Generation < l.remoteGen:
			return false
		case c.Generation == l.remoteGen:
			if err := l.pc.AddICECandidate(c.Candidate); err != nil {
				l.logger.Warn().Err(err).Msg("add buffered candidate failed")
			}
			applied++
			return false
		}
		return true
	})
	l.logger.Debug().Int("applied", applied).Int("held", len(l.candidates)).Msg("flushed candidates")
}

func (l *PeerLink) connectedLocked(fx *effects) {
	wasConnected := l.state == StateConnected
	l.attempts = 0
	l.stopTimerLocked()
	l.setStateLocked(StateConnected)
	if !wasConnected {
		remote := l.remote
		fx.add(func() { l.m.observer.LinkConnected(remote) })
		l.logger.Info().Uint64("generation", l.gen).Msg("link connected")
	}
}

// retryLocked handles a link that failed to connect: one fresh connection
// and negotiation per allowed retry, then the peer is surfaced as unreachable.
func (l *PeerLink) retryLocked(fx *effects, cause error) {
	if l.closed {
		return
	}
	l.stopTimerLocked()
	l.setStateLocked(StateFailed)
	if l.attempts >= l.m.retries {
		l.exhaustLocked(fx, cause)
		return
	}
	l.attempts++
	l.logger.Warn().Err(cause).Int("attempt", l.attempts).Msg("negotiation failed, retrying with a fresh connection")
	if err := l.buildLocked(fx); err != nil {
		l.exhaustLocked(fx, err)
		return
	}
	l.negotiateLocked(fx)
}

func (l *PeerLink) exhaustLocked(fx *effects, cause error) {
	l.stopTimerLocked()
	if err := l.closePCLocked(); err != nil {
		l.logger.Warn().Err(err).Msg("close failed peer connection")
	}
	l.exhausted = true
	l.setStateLocked(StateFailed)
	l.logger.Error().Err(cause).Msg("peer unreachable")
	remote := l.remote
	fx.add(func() { l.m.observer.LinkUnreachable(remote, cause) })
}

func (l *PeerLink) onTimeout(gen uint64) {
	var fx effects
	l.mu.Lock()
	if l.closed || gen != l.timerGen {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.retryLocked(&fx, core.ErrNegotiationTimeout)
	l.mu.Unlock()
	fx.run()
}

func (l *PeerLink) onLocalCandidate(pc core.PeerConnection, gen core.Generation, c webrtc.ICECandidateInit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.pc != pc {
		return
	}
	l.send(core.Candidate{Candidate: c, Generation: gen})
}

func (l *PeerLink) onConnectionState(pc core.PeerConnection, s webrtc.PeerConnectionState) {
	var fx effects
	l.mu.Lock()
	if l.closed || l.pc != pc {
		l.mu.Unlock()
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.mediaUp = true
		if pc.SignalingState() == webrtc.SignalingStateStable {
			l.connectedLocked(&fx)
		}
	case webrtc.PeerConnectionStateDisconnected:
		// May recover by itself; the timer turns a lasting gap into a retry.
		l.mediaUp = false
		l.armTimerLocked()
	case webrtc.PeerConnectionStateFailed:
		l.mediaUp = false
		l.retryLocked(&fx, fmt.Errorf("%w: ice failed", core.ErrNegotiationFailed))
	}
	l.mu.Unlock()
	fx.run()
}

func (l *PeerLink) onTrack(pc core.PeerConnection, t core.RemoteTrack) {
	l.mu.Lock()
	if l.closed || l.pc != pc {
		l.mu.Unlock()
		return
	}
	rs := newRemoteStream(l.remote, t)
	if old, ok := l.streams[t.ID()]; ok {
		old.stop()
	}
	l.streams[t.ID()] = rs
	l.mu.Unlock()

	if factory := l.m.sinkFactory(); factory != nil {
		attachSink(rs, factory)
	}
	rs.start()
	l.logger.Info().Str("track", t.ID()).Str("kind", t.Kind().String()).Msg("remote track")
	l.m.observer.RemoteTrack(l.remote, rs)
}
