package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// Track is one outgoing local track. Muted tracks keep their sender but
// drop samples, which toggles media without renegotiating.
type Track struct {
	Local *webrtc.TrackLocalStaticSample
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewTrack(kind webrtc.RTPCodecType, id, streamID string) (*Track, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	if kind == webrtc.RTPCodecTypeAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	return &Track{Local: local}, nil
}

func (t *Track) Kind() webrtc.RTPCodecType { return t.Local.Kind() }

func (t *Track) GetState() TrackState {
	return TrackState(t.state.Load())
}

func (t *Track) MarkOk() {
	t.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
}

func (t *Track) MarkMuted() {
	t.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (t *Track) MarkDelete() {
	t.state.Store(int32(TrackStateDelete))
}

// WriteSample forwards s unless the track is muted or stopped.
func (t *Track) WriteSample(s media.Sample) error {
	if t.GetState() != TrackStateOk {
		return nil
	}
	return t.Local.WriteSample(s)
}
