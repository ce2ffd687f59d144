package mesh_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/classmesh/internal/adapters/rtc"
	"github.com/dkeye/classmesh/internal/app/mesh"
	"github.com/dkeye/classmesh/internal/app/mesh/meshtest"
	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

type observer struct {
	mesh.NopObserver
	mu          sync.Mutex
	connected   map[domain.UserID]int
	unreachable map[domain.UserID]error
}

func newObserver() *observer {
	return &observer{connected: map[domain.UserID]int{}, unreachable: map[domain.UserID]error{}}
}

func (o *observer) LinkConnected(r domain.UserID) {
	o.mu.Lock()
	o.connected[r]++
	o.mu.Unlock()
}

func (o *observer) LinkUnreachable(r domain.UserID, cause error) {
	o.mu.Lock()
	o.unreachable[r] = cause
	o.mu.Unlock()
}

func (o *observer) unreachableCause(r domain.UserID) (error, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	err, ok := o.unreachable[r]
	return err, ok
}

type peer struct {
	id  domain.UserID
	mgr *mesh.Manager
	obs *observer
}

func newPeer(net *meshtest.Net, id domain.UserID, timeout time.Duration) *peer {
	return newPeerWith(net, id, net.Factory(id), timeout)
}

func newPeerWith(net *meshtest.Net, id domain.UserID, factory core.PeerConnectionFactory, timeout time.Duration) *peer {
	obs := newObserver()
	mgr := mesh.NewManager(mesh.Options{
		Self:               id,
		Sender:             net.Sender(id),
		Factory:            factory,
		Observer:           obs,
		NegotiationTimeout: timeout,
		Retries:            1,
	})
	net.Register(id, func(m core.ControlMessage) { _ = mgr.Handle(m) })
	return &peer{id: id, mgr: mgr, obs: obs}
}

func linkState(t *testing.T, p *peer, remote domain.UserID) mesh.State {
	t.Helper()
	l, ok := p.mgr.Link(remote)
	require.True(t, ok, "%s has no link to %s", p.id, remote)
	return l.State()
}

func connect(t *testing.T, net *meshtest.Net, peers ...*peer) {
	t.Helper()
	for _, p := range peers {
		for _, q := range peers {
			if p != q {
				p.mgr.EnsureLink(q.id)
			}
		}
	}
	net.Drain(false, 10000)
	require.Zero(t, net.Pending())
	for _, p := range peers {
		for _, q := range peers {
			if p != q {
				require.Equal(t, mesh.StateConnected, linkState(t, p, q.id))
			}
		}
	}
}

func TestEnsureLinkConnects(t *testing.T) {
	net := meshtest.NewNet(1)
	a := newPeer(net, "a", 0)
	b := newPeer(net, "b", 0)

	connect(t, net, a, b)

	assert.True(t, net.Connected("a", "b"))
	assert.Equal(t, 1, a.mgr.ActiveLinks())
	assert.Equal(t, 1, b.mgr.ActiveLinks())
	// Only the impolite side opens.
	assert.Equal(t, 1, net.Sent(core.TypeOffer))
	assert.Empty(t, net.Errors())

	// EnsureLink on a live link is a no-op.
	a.mgr.EnsureLink("b")
	b.mgr.EnsureLink("a")
	assert.Zero(t, net.Pending())
	assert.Len(t, net.Open(), 2)
}

func TestGlareConvergesUnderAnyDeliveryOrder(t *testing.T) {
	for seed := int64(1); seed <= 300; seed++ {
		net := meshtest.NewNet(seed)
		net.DuplicateRate = 0.25
		a := newPeer(net, "a", 0)
		b := newPeer(net, "b", 0)
		a.mgr.EnsureLink("b")
		b.mgr.EnsureLink("a")

		// Both sides want to renegotiate at once.
		a.mgr.ReplaceLocalStream(meshtest.NewStream("cam-a", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo))
		b.mgr.ReplaceLocalStream(meshtest.NewStream("cam-b", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo))

		net.Drain(true, 100000)
		require.Zero(t, net.Pending(), "seed %d: delivery did not quiesce", seed)
		require.True(t, net.Connected("a", "b"), "seed %d: not paired", seed)
		require.Equal(t, mesh.StateConnected, linkState(t, a, "b"), "seed %d", seed)
		require.Equal(t, mesh.StateConnected, linkState(t, b, "a"), "seed %d", seed)
		require.Len(t, net.Open(), 2, "seed %d: superseded connections left open", seed)
		require.Empty(t, net.Errors(), "seed %d", seed)

		require.NoError(t, a.mgr.CloseAll())
		require.NoError(t, b.mgr.CloseAll())
	}
}

func TestGlareOnPairedLinksWithoutRollback(t *testing.T) {
	for seed := int64(1); seed <= 100; seed++ {
		net := meshtest.NewNet(seed)
		net.StrictRollback = true
		a := newPeer(net, "a", 0)
		b := newPeer(net, "b", 0)
		connect(t, net, a, b)

		net.DuplicateRate = 0.25
		a.mgr.ReplaceLocalStream(meshtest.NewStream("cam-a", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo))
		b.mgr.ReplaceLocalStream(meshtest.NewStream("cam-b", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo))

		net.Drain(true, 100000)
		require.Zero(t, net.Pending(), "seed %d: delivery did not quiesce", seed)
		require.True(t, net.Connected("a", "b"), "seed %d: not paired", seed)
		require.Equal(t, mesh.StateConnected, linkState(t, a, "b"), "seed %d", seed)
		require.Equal(t, mesh.StateConnected, linkState(t, b, "a"), "seed %d", seed)
		require.Len(t, net.Open(), 2, "seed %d: superseded connections left open", seed)
		require.Empty(t, net.Errors(), "seed %d", seed)
		for _, pc := range net.Open() {
			require.NotNil(t, pc.LocalStream(), "seed %d: %s lost its stream", seed, pc.Owner)
		}

		require.NoError(t, a.mgr.CloseAll())
		require.NoError(t, b.mgr.CloseAll())
	}
}

func TestWithdrawnOfferNeverApplied(t *testing.T) {
	net := meshtest.NewNet(1)
	a := newPeer(net, "a", 0)
	b := newPeer(net, "b", 0)
	connect(t, net, a, b)
	offers, answers := net.Sent(core.TypeOffer), net.Sent(core.TypeAnswer)

	// a is polite: its offer is rolled back, b's is answered, a offers again.
	a.mgr.ReplaceLocalStream(meshtest.NewStream("cam-a", webrtc.RTPCodecTypeVideo))
	b.mgr.ReplaceLocalStream(meshtest.NewStream("cam-b", webrtc.RTPCodecTypeVideo))
	net.Drain(false, 10000)

	assert.Equal(t, offers+3, net.Sent(core.TypeOffer))
	assert.Equal(t, answers+2, net.Sent(core.TypeAnswer), "the withdrawn offer got an answer")
	assert.True(t, net.Connected("a", "b"))
	assert.Len(t, net.Open(), 2)
	assert.Empty(t, net.Errors())
}

// pionFactory builds loopback pion connections and remembers them per owner.
type pionFactory struct {
	api   *rtc.API
	mu    sync.Mutex
	conns map[domain.UserID][]*rtc.Connection
}

func (f *pionFactory) build(owner domain.UserID) core.PeerConnectionFactory {
	return func(remote domain.UserID) (core.PeerConnection, error) {
		c, err := f.api.NewConnection(remote)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.conns[owner] = append(f.conns[owner], c)
		f.mu.Unlock()
		return c, nil
	}
}

func (f *pionFactory) latest(owner domain.UserID) *rtc.Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.conns[owner]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

func TestGlareOverPionConnections(t *testing.T) {
	api, err := rtc.NewAPI(webrtc.Configuration{}, rtc.WithLoopback())
	require.NoError(t, err)
	f := &pionFactory{api: api, conns: map[domain.UserID][]*rtc.Connection{}}
	net := meshtest.NewNet(1)
	a := newPeerWith(net, "a", f.build("a"), 0)
	b := newPeerWith(net, "b", f.build("b"), 0)
	t.Cleanup(func() {
		_ = a.mgr.CloseAll()
		_ = b.mgr.CloseAll()
	})

	connected := func(p *peer, remote domain.UserID) bool {
		l, ok := p.mgr.Link(remote)
		return ok && l.State() == mesh.StateConnected
	}
	settled := func() bool {
		net.Drain(false, 1000)
		if net.Pending() > 0 || !connected(a, "b") || !connected(b, "a") {
			return false
		}
		for _, owner := range []domain.UserID{"a", "b"} {
			if c := f.latest(owner); c == nil || c.SignalingState() != webrtc.SignalingStateStable {
				return false
			}
		}
		return true
	}

	// a (polite) offers before the link is paired while b opens the link.
	a.mgr.EnsureLink("b")
	a.mgr.ReplaceLocalStream(meshtest.NewStream("cam-a", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo))
	b.mgr.EnsureLink("a")
	require.Eventually(t, settled, 20*time.Second, 20*time.Millisecond, "unpaired glare did not settle")

	// Both renegotiate the established link at once.
	a.mgr.ReplaceLocalStream(meshtest.NewStream("screen-a", webrtc.RTPCodecTypeVideo))
	b.mgr.ReplaceLocalStream(meshtest.NewStream("cam-b", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo))
	require.Eventually(t, settled, 20*time.Second, 20*time.Millisecond, "paired glare did not settle")

	_, unreachable := a.obs.unreachableCause("b")
	assert.False(t, unreachable)
	_, unreachable = b.obs.unreachableCause("a")
	assert.False(t, unreachable)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	net := meshtest.NewNet(1)
	b := newPeer(net, "b", 0)

	from := func(p core.Payload) core.ControlMessage { return core.NewMessage("a", p).To("b") }
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}

	// Candidates overtake the offer they belong to.
	require.NoError(t, b.mgr.Handle(from(core.Candidate{Candidate: cand, Generation: 1})))
	require.NoError(t, b.mgr.Handle(from(core.Candidate{Candidate: cand, Generation: 1})))
	require.NoError(t, b.mgr.Handle(from(core.Offer{
		SDP:        webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer/remote/1"},
		Revision:   1,
		Generation: 1,
	})))

	open := net.Open()
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Candidates())

	// Later candidates apply directly; ones from an older generation are dropped.
	require.NoError(t, b.mgr.Handle(from(core.Candidate{Candidate: cand, Generation: 1})))
	assert.Equal(t, 3, open[0].Candidates())
	err := b.mgr.Handle(from(core.Candidate{Candidate: cand, Generation: 0}))
	assert.ErrorIs(t, err, core.ErrStaleMessage)

	// A duplicated offer is stale.
	err = b.mgr.Handle(from(core.Offer{
		SDP:        webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer/remote/1"},
		Revision:   1,
		Generation: 1,
	}))
	assert.ErrorIs(t, err, core.ErrStaleMessage)
	assert.Empty(t, net.Errors())
}

func TestStaleAnswerIgnored(t *testing.T) {
	net := meshtest.NewNet(1)
	b := newPeer(net, "b", 0)
	b.mgr.EnsureLink("a")

	err := b.mgr.Handle(core.NewMessage("a", core.Answer{
		SDP:        webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer/x/1"},
		Revision:   999,
		Generation: 1,
	}).To("b"))
	assert.ErrorIs(t, err, core.ErrStaleMessage)
	assert.Equal(t, mesh.StateOffering, linkState(t, b, "a"))
}

func TestTimeoutRetriesOnceThenUnreachable(t *testing.T) {
	net := meshtest.NewNet(1)
	net.Drop = func(core.ControlMessage) bool { return true }
	a := newPeer(net, "a", 30*time.Millisecond)

	a.mgr.EnsureLink("b")

	require.Eventually(t, func() bool {
		_, ok := a.obs.unreachableCause("b")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	cause, _ := a.obs.unreachableCause("b")
	assert.True(t, errors.Is(cause, core.ErrNegotiationTimeout))
	assert.Equal(t, mesh.StateFailed, linkState(t, a, "b"))
	// One fresh connection for the retry, both released.
	l, _ := a.mgr.Link("b")
	assert.Equal(t, core.Generation(2), l.Info().Generation)
	assert.Empty(t, net.Open())
	// The peer stays known to the mesh; only media is gone.
	assert.Equal(t, 1, a.mgr.ActiveLinks())
	// The retry negotiated even from the polite side.
	assert.Equal(t, 1, net.Sent(core.TypeOffer))

	// A later join revives it.
	net.Drop = nil
	a.mgr.EnsureLink("b")
	assert.Equal(t, mesh.StateOffering, linkState(t, a, "b"))
	assert.Len(t, net.Open(), 1)
	require.NoError(t, a.mgr.CloseAll())
}

func TestConnectionFailureRebuildsBothEnds(t *testing.T) {
	net := meshtest.NewNet(1)
	a := newPeer(net, "a", 0)
	b := newPeer(net, "b", 0)
	connect(t, net, a, b)

	var apc *meshtest.PC
	for _, pc := range net.Open() {
		if pc.Owner == "a" {
			apc = pc
		}
	}
	require.NotNil(t, apc)
	apc.Fail()
	net.Drain(false, 10000)

	assert.True(t, apc.Closed())
	assert.True(t, net.Connected("a", "b"))
	assert.Len(t, net.Open(), 2)
	assert.Equal(t, mesh.StateConnected, linkState(t, a, "b"))
	assert.Equal(t, mesh.StateConnected, linkState(t, b, "a"))
	l, _ := a.mgr.Link("b")
	assert.Zero(t, l.Info().Attempts)
	assert.Empty(t, net.Errors())
}

func TestReplaceLocalStreamRenegotiatesInPlace(t *testing.T) {
	net := meshtest.NewNet(1)
	a := newPeer(net, "a", 0)
	b := newPeer(net, "b", 0)
	c := newPeer(net, "c", 0)
	cam := meshtest.NewStream("cam", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)
	a.mgr.ReplaceLocalStream(cam)
	connect(t, net, a, b, c)

	before := net.Open()
	offers := net.Sent(core.TypeOffer)

	screen := meshtest.NewStream("screen", webrtc.RTPCodecTypeVideo)
	a.mgr.ReplaceLocalStream(screen)
	net.Drain(true, 10000)

	assert.Equal(t, offers+2, net.Sent(core.TypeOffer))
	assert.ElementsMatch(t, before, net.Open(), "no link was torn down")
	for _, pc := range net.Open() {
		if pc.Owner == "a" {
			assert.Same(t, screen, pc.LocalStream())
		}
	}
	assert.Equal(t, mesh.StateConnected, linkState(t, a, "b"))
	assert.Equal(t, mesh.StateConnected, linkState(t, a, "c"))
	assert.True(t, net.Connected("b", "c"))
}

func TestRestartLinkAfterRemoteRestart(t *testing.T) {
	net := meshtest.NewNet(1)
	a := newPeer(net, "a", 0)
	b := newPeer(net, "b", 0)
	connect(t, net, a, b)

	// b comes back as a new process; its old connection is gone.
	for _, pc := range net.Open() {
		if pc.Owner == "b" {
			_ = pc.Close()
		}
	}
	b2 := newPeer(net, "b", 0)
	a.mgr.RestartLink("b")
	b2.mgr.EnsureLink("a")
	net.Drain(true, 10000)

	assert.Equal(t, 1, a.mgr.ActiveLinks())
	assert.True(t, net.Connected("a", "b"))
	assert.Len(t, net.Open(), 2)
}

type countingSink struct {
	mu      sync.Mutex
	packets int
	closed  bool
}

func (s *countingSink) WriteRTP(*rtp.Packet) error {
	s.mu.Lock()
	s.packets++
	s.mu.Unlock()
	return nil
}

func (s *countingSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *countingSink) state() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets, s.closed
}

func TestRemoteStreamsFeedSinksAndCloseWithLink(t *testing.T) {
	net := meshtest.NewNet(1)
	a := newPeer(net, "a", 0)
	b := newPeer(net, "b", 0)
	b.mgr.ReplaceLocalStream(meshtest.NewStream("cam-b", webrtc.RTPCodecTypeAudio))
	connect(t, net, a, b)

	sink := &countingSink{}
	a.mgr.AttachSinks(func(domain.UserID, core.RemoteTrack) (core.RTPSink, error) { return sink, nil })

	l, _ := a.mgr.Link("b")
	streams := l.Streams()
	require.Len(t, streams, 1)
	track := streams[0].Track.(*meshtest.Track)
	track.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 1}})
	track.Push(&rtp.Packet{Header: rtp.Header{SequenceNumber: 2}})

	require.Eventually(t, func() bool {
		n, _ := sink.state()
		return n == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(2), streams[0].Packets())

	require.NoError(t, a.mgr.CloseLink("b"))
	select {
	case <-streams[0].Done():
	case <-time.After(time.Second):
		t.Fatal("remote stream not released")
	}
	_, closed := sink.state()
	assert.True(t, closed)
}

func TestCloseAllReleasesEveryLink(t *testing.T) {
	net := meshtest.NewNet(1)
	a := newPeer(net, "a", time.Minute)
	b := newPeer(net, "b", 0)
	c := newPeer(net, "c", 0)
	connect(t, net, a, b, c)
	a.mgr.EnsureLink("d") // still negotiating

	require.NoError(t, a.mgr.CloseAll())
	require.NoError(t, a.mgr.CloseAll())
	require.NoError(t, a.mgr.CloseLink("b"))

	assert.Zero(t, a.mgr.ActiveLinks())
	for _, pc := range net.Open() {
		assert.NotEqual(t, domain.UserID("a"), pc.Owner)
	}

	a.mgr.EnsureLink("e")
	assert.Zero(t, a.mgr.ActiveLinks())
}
