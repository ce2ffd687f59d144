package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

var mediaKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

var errNoLocalOffer = errors.New("no local offer to roll back")

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: iceServers,
			},
		},
	}
}

// API builds peer connections sharing one media engine and interceptor set.
type API struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

// Option tunes the pion setting engine.
type Option func(*webrtc.SettingEngine)

// WithLoopback gathers loopback UDP candidates only, for peers on one host.
func WithLoopback() Option {
	return func(se *webrtc.SettingEngine) {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
}

func NewAPI(cfg webrtc.Configuration, opts ...Option) (*API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	settingEngine := webrtc.SettingEngine{}
	for _, opt := range opts {
		opt(&settingEngine)
	}
	return &API{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
			webrtc.WithSettingEngine(settingEngine),
		),
		cfg: cfg,
	}, nil
}

// Factory adapts the API to the mesh.
func (a *API) Factory() core.PeerConnectionFactory {
	return func(remote domain.UserID) (core.PeerConnection, error) {
		return a.NewConnection(remote)
	}
}

// newPeerConnection builds a pion connection that receives both kinds even
// when nothing is sent, so the SDP carries m-lines with ICE credentials.
// AddTrack later reuses these transceivers.
func (a *API) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := a.api.NewPeerConnection(a.cfg)
	if err != nil {
		return nil, err
	}
	for _, kind := range mediaKinds {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return pc, nil
}

// Connection is a pion peer connection to one remote participant. pion
// callbacks are funnelled through a single goroutine so handlers run
// serially and never inside a method call. The underlying pion connection
// is replaced when an unanswered offer is rolled back.
type Connection struct {
	api    *API
	remote domain.UserID
	logger zerolog.Logger

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	senders map[webrtc.RTPCodecType]*webrtc.RTPSender
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)

	events    chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func (a *API) NewConnection(remote domain.UserID) (*Connection, error) {
	pc, err := a.newPeerConnection()
	if err != nil {
		return nil, err
	}
	c := &Connection{
		api:     a,
		pc:      pc,
		remote:  remote,
		logger:  log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
		senders: make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
		events:  make(chan func(), 128),
		done:    make(chan struct{}),
	}
	c.bind(pc)
	go c.dispatch()
	return c, nil
}

func (c *Connection) peer() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

// bind forwards the callbacks of pc while it is the current connection.
func (c *Connection) bind(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if c.peer() != pc {
			return
		}
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		c.post(func() {
			if fn := c.handlers().onState; fn != nil {
				fn(s)
			}
		})
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || c.peer() != pc {
			return
		}
		ci := cand.ToJSON()
		c.post(func() {
			if fn := c.handlers().onICE; fn != nil {
				fn(ci)
			}
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.peer() != pc {
			return
		}
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.post(func() {
			if fn := c.handlers().onTrack; fn != nil {
				fn(track)
			}
		})
	})
}

type handlers struct {
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(core.RemoteTrack)
}

func (c *Connection) handlers() handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return handlers{onICE: c.onICE, onState: c.onState, onTrack: c.onTrack}
}

func (c *Connection) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *Connection) dispatch() {
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.done:
			return
		}
	}
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	pc := c.peer()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	pc := c.peer()
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.peer().SetRemoteDescription(d)
}

// Rollback withdraws an unanswered local offer. pion has no rollback
// transition, so the offer is dropped by swapping in a fresh connection
// with the same transceivers and outgoing tracks. That replaces the ICE and
// DTLS identity, which only the remote that never saw it can tolerate: once
// a remote description has been applied, ErrRollbackUnsupported is returned
// and the caller has to rebuild the link.
func (c *Connection) Rollback() error {
	c.mu.Lock()
	old := c.pc
	if state := old.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		c.mu.Unlock()
		return fmt.Errorf("rollback in %s: %w", state, errNoLocalOffer)
	}
	if old.CurrentRemoteDescription() != nil {
		c.mu.Unlock()
		return core.ErrRollbackUnsupported
	}
	pc, err := c.api.newPeerConnection()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("rollback: %w", err)
	}
	senders := make(map[webrtc.RTPCodecType]*webrtc.RTPSender, len(c.senders))
	for kind, sender := range c.senders {
		track := sender.Track()
		if track == nil {
			continue
		}
		s, err := pc.AddTrack(track)
		if err != nil {
			c.mu.Unlock()
			_ = pc.Close()
			return fmt.Errorf("rollback: add %s track: %w", kind, err)
		}
		senders[kind] = s
		go drainRTCP(s)
	}
	c.pc = pc
	c.senders = senders
	c.mu.Unlock()

	c.bind(pc)
	if err := old.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("close withdrawn connection")
	}
	c.logger.Debug().Msg("local offer withdrawn")
	return nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.peer().AddICECandidate(ci)
}

func (c *Connection) SignalingState() webrtc.SignalingState {
	return c.peer().SignalingState()
}

// SetLocalStream swaps outgoing tracks per kind. Kinds missing from s are
// silenced without removing the sender, so no m-line is renumbered.
func (c *Connection) SetLocalStream(s core.LocalStream) error {
	byKind := make(map[webrtc.RTPCodecType]webrtc.TrackLocal)
	if s != nil {
		for _, t := range s.Tracks() {
			byKind[t.Kind()] = t
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, kind := range mediaKinds {
		track := byKind[kind]
		if sender, ok := c.senders[kind]; ok {
			if err := sender.ReplaceTrack(track); err != nil {
				return fmt.Errorf("replace %s track: %w", kind, err)
			}
			continue
		}
		if track == nil {
			continue
		}
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", kind, err)
		}
		c.senders[kind] = sender
		go drainRTCP(sender)
	}
	return nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

// Close stops the connection and its callback goroutine. Safe to call twice.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if err = c.peer().Close(); err != nil {
			c.logger.Error().Err(err).Msg("close error")
		} else {
			c.logger.Info().Msg("closed")
		}
	})
	return err
}
