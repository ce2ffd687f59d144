package meshtest

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

var ErrInvalidState = errors.New("invalid signaling state")

// PC models the signaling state machine of a peer connection. Descriptions
// are unique strings, so two connections are paired exactly when each one's
// remote description is the other's local description.
type PC struct {
	n      *Net
	ID     int
	Owner  domain.UserID
	Remote domain.UserID

	mu          sync.Mutex
	state       webrtc.SignalingState
	local       webrtc.SessionDescription
	stableLocal webrtc.SessionDescription
	remote      webrtc.SessionDescription
	seq         int
	gathered    bool
	connected   bool
	closed      bool
	stream      core.LocalStream
	tracks      []*Track
	candidates  int

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)
}

func newPC(n *Net, id int, owner, remote domain.UserID) *PC {
	return &PC{n: n, ID: id, Owner: owner, Remote: remote, state: webrtc.SignalingStateStable}
}

func (p *PC) desc(t webrtc.SDPType) webrtc.SessionDescription {
	p.seq++
	return webrtc.SessionDescription{Type: t, SDP: fmt.Sprintf("%s/%d/%d", t, p.ID, p.seq)}
}

func (p *PC) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer in %s: %w", p.state, ErrInvalidState)
	}
	p.local = p.desc(webrtc.SDPTypeOffer)
	p.state = webrtc.SignalingStateHaveLocalOffer
	p.gatherLocked()
	return p.local, nil
}

func (p *PC) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	if p.closed || p.state != webrtc.SignalingStateHaveRemoteOffer {
		p.mu.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in %s: %w", p.state, ErrInvalidState)
	}
	p.local = p.desc(webrtc.SDPTypeAnswer)
	p.stableLocal = p.local
	p.state = webrtc.SignalingStateStable
	p.gatherLocked()
	p.mu.Unlock()
	p.n.post(p.n.settle)
	return p.local, nil
}

func (p *PC) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrInvalidState
	}
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if p.state != webrtc.SignalingStateStable {
			p.mu.Unlock()
			return fmt.Errorf("remote offer in %s: %w", p.state, ErrInvalidState)
		}
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if p.state != webrtc.SignalingStateHaveLocalOffer {
			p.mu.Unlock()
			return fmt.Errorf("remote answer in %s: %w", p.state, ErrInvalidState)
		}
		p.stableLocal = p.local
		p.state = webrtc.SignalingStateStable
	default:
		p.mu.Unlock()
		return fmt.Errorf("remote %s: %w", d.Type, ErrInvalidState)
	}
	p.remote = d
	p.mu.Unlock()
	p.n.post(p.n.settle)
	return nil
}

func (p *PC) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in %s: %w", p.state, ErrInvalidState)
	}
	if p.n.StrictRollback && p.remote.SDP != "" {
		return core.ErrRollbackUnsupported
	}
	p.local = p.stableLocal
	p.state = webrtc.SignalingStateStable
	p.n.post(p.n.settle)
	return nil
}

func (p *PC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote.SDP == "" {
		err := fmt.Errorf("pc %d: candidate %q before remote description", p.ID, c.Candidate)
		p.n.fault(err)
		return err
	}
	p.candidates++
	return nil
}

func (p *PC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PC) SetLocalStream(s core.LocalStream) error {
	p.mu.Lock()
	p.stream = s
	p.mu.Unlock()
	return nil
}

func (p *PC) LocalStream() core.LocalStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stream
}

func (p *PC) OnICECandidate(f func(webrtc.ICECandidateInit))             { p.onICE = f }
func (p *PC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) { p.onState = f }
func (p *PC) OnTrack(f func(core.RemoteTrack))                           { p.onTrack = f }

func (p *PC) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	tracks := p.tracks
	p.mu.Unlock()
	for _, t := range tracks {
		t.Close()
	}
	p.fireState(webrtc.PeerConnectionStateClosed)
	return nil
}

func (p *PC) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Candidates is the number of remote candidates applied.
func (p *PC) Candidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.candidates
}

// Fail reports an ICE failure on the connection.
func (p *PC) Fail() { p.fireState(webrtc.PeerConnectionStateFailed) }

func (p *PC) gatherLocked() {
	if p.gathered {
		return
	}
	p.gathered = true
	c := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 127.0.0.1 %d typ host", p.ID, 40000+p.ID)}
	p.n.post(func() {
		if f := p.onICE; f != nil && !p.Closed() {
			f(c)
		}
	})
}

func (p *PC) fireState(s webrtc.PeerConnectionState) {
	p.n.post(func() {
		if f := p.onState; f != nil {
			f(s)
		}
	})
}

func paired(a, b *PC) bool {
	a.mu.Lock()
	aLocal, aRemote, aStable := a.local, a.remote, a.state == webrtc.SignalingStateStable
	a.mu.Unlock()
	b.mu.Lock()
	bLocal, bRemote, bStable := b.local, b.remote, b.state == webrtc.SignalingStateStable
	b.mu.Unlock()
	return aStable && bStable && aLocal.SDP != "" && bLocal.SDP != "" &&
		aRemote.SDP == bLocal.SDP && bRemote.SDP == aLocal.SDP
}

// markConnected fires connected once, then one remote track per kind the
// peer sends.
func (p *PC) markConnected(peer *PC) {
	p.mu.Lock()
	if p.connected || p.closed {
		p.mu.Unlock()
		return
	}
	p.connected = true
	p.mu.Unlock()
	p.fireState(webrtc.PeerConnectionStateConnected)

	s := peer.LocalStream()
	if s == nil {
		return
	}
	for _, lt := range s.Tracks() {
		t := NewTrack(fmt.Sprintf("%s-%d", lt.ID(), p.ID), lt.Kind())
		p.mu.Lock()
		p.tracks = append(p.tracks, t)
		p.mu.Unlock()
		p.n.post(func() {
			if f := p.onTrack; f != nil && !p.Closed() {
				f(t)
			}
		})
	}
}

// Track is a remote track fed by the test. ReadRTP blocks until a packet is
// pushed or the track is closed.
type Track struct {
	id   string
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
	once sync.Once
	done chan struct{}
}

func NewTrack(id string, kind webrtc.RTPCodecType) *Track {
	return &Track{id: id, kind: kind, pkts: make(chan *rtp.Packet, 64), done: make(chan struct{})}
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

func (t *Track) Codec() webrtc.RTPCodecParameters {
	if t.kind == webrtc.RTPCodecTypeAudio {
		return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}}
}

func (t *Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	select {
	case pkt := <-t.pkts:
		return pkt, nil, nil
	case <-t.done:
		return nil, nil, io.EOF
	}
}

func (t *Track) Push(pkt *rtp.Packet) { t.pkts <- pkt }

func (t *Track) Close() { t.once.Do(func() { close(t.done) }) }
