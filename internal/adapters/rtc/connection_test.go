package rtc

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/classmesh/internal/app/mesh/meshtest"
	"github.com/dkeye/classmesh/internal/core"
)

func newPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	api, err := NewAPI(webrtc.Configuration{})
	require.NoError(t, err)
	a, err := api.NewConnection("b")
	require.NoError(t, err)
	b, err := api.NewConnection("a")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestDefaultWebRTCConfig(t *testing.T) {
	cfg := DefaultWebRTCConfig(nil)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)

	cfg = DefaultWebRTCConfig([]string{"stun:a", "turn:b"})
	assert.Equal(t, []string{"stun:a", "turn:b"}, cfg.ICEServers[0].URLs)
}

func TestOfferAnswerExchange(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.SetLocalStream(meshtest.NewStream("cam", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)))

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, a.SignalingState())

	require.NoError(t, b.SetRemoteDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveRemoteOffer, b.SignalingState())
	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SignalingStateStable, b.SignalingState())

	require.NoError(t, a.SetRemoteDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, a.SignalingState())
}

func TestRollbackRestoresStable(t *testing.T) {
	a, _ := newPair(t)
	_, err := a.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, a.Rollback())
	assert.Equal(t, webrtc.SignalingStateStable, a.SignalingState())
}

func TestRollbackKeepsTracksAndAnswersRemoteOffer(t *testing.T) {
	a, b := newPair(t)
	require.NoError(t, a.SetLocalStream(meshtest.NewStream("cam", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)))
	_, err := a.CreateOffer()
	require.NoError(t, err)

	offer, err := b.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, a.Rollback())
	assert.Len(t, a.senders, 2)
	assert.NotNil(t, a.senders[webrtc.RTPCodecTypeVideo].Track())

	require.NoError(t, a.SetRemoteDescription(offer))
	answer, err := a.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, b.SetRemoteDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, a.SignalingState())
	assert.Equal(t, webrtc.SignalingStateStable, b.SignalingState())
}

func TestRollbackRefusedOncePaired(t *testing.T) {
	a, b := newPair(t)
	offer, err := a.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, b.SetRemoteDescription(offer))
	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, a.SetRemoteDescription(answer))

	_, err = a.CreateOffer()
	require.NoError(t, err)
	pc := a.peer()
	assert.ErrorIs(t, a.Rollback(), core.ErrRollbackUnsupported)
	assert.Same(t, pc, a.peer())
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, a.SignalingState())
}

func TestRollbackWithoutOffer(t *testing.T) {
	a, _ := newPair(t)
	assert.ErrorIs(t, a.Rollback(), errNoLocalOffer)
}

func TestSetLocalStreamSwapsInPlace(t *testing.T) {
	a, _ := newPair(t)
	require.NoError(t, a.SetLocalStream(meshtest.NewStream("cam", webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo)))
	require.Len(t, a.senders, 2)
	video := a.senders[webrtc.RTPCodecTypeVideo]

	require.NoError(t, a.SetLocalStream(meshtest.NewStream("screen", webrtc.RTPCodecTypeVideo)))
	assert.Same(t, video, a.senders[webrtc.RTPCodecTypeVideo])
	require.NoError(t, a.SetLocalStream(nil))
	assert.Len(t, a.senders, 2)
}

func TestCloseTwice(t *testing.T) {
	a, _ := newPair(t)
	require.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
