package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/classmesh/internal/domain"
)

// PeerConnection is the slice of a WebRTC peer connection the mesh drives.
// Callbacks are delivered serially and never from inside a method call.
type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// Rollback discards a pending local offer. It fails with
	// ErrRollbackUnsupported when that would drop an established transport.
	Rollback() error
	AddICECandidate(webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	// SetLocalStream attaches (or swaps in) the outgoing stream. Nil means
	// receive-only.
	SetLocalStream(LocalStream) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnTrack(func(RemoteTrack))
	// Close should stop all underlying media resources.
	Close() error
}

// PeerConnectionFactory builds a fresh connection towards remote.
type PeerConnectionFactory func(remote domain.UserID) (PeerConnection, error)

// RemoteTrack is satisfied by *webrtc.TrackRemote.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RTPSink consumes packets of one remote track, e.g. a recorder.
type RTPSink interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// LocalStream is a local capture stream. It is shared read-only by every
// peer link; only the media control surface may swap or mutate it.
type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	// SetEnabled gates the outgoing samples of one kind without renegotiating.
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	Enabled(kind webrtc.RTPCodecType) bool
	// Ended is closed when the source stops on its own (device unplugged,
	// screen share ended by the browser).
	Ended() <-chan struct{}
	// Stop releases the capture device. Safe to call twice.
	Stop()
	Active() bool
}

//go:generate mockgen -destination=mocks/media_mock.go -package=mocks github.com/dkeye/classmesh/internal/core MediaDevices

// MediaDevices acquires local capture streams. Calls may block until the
// user answers a permission prompt; callers apply their own timeout.
type MediaDevices interface {
	UserMedia(ctx context.Context) (LocalStream, error)
	DisplayMedia(ctx context.Context) (LocalStream, error)
}
