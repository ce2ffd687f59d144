package meshtest

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Stream is a local stream backed by real sample tracks that nothing feeds.
type Stream struct {
	id     string
	tracks []webrtc.TrackLocal

	mu      sync.Mutex
	enabled map[webrtc.RTPCodecType]bool
	stopped bool
	ended   chan struct{}
	once    sync.Once
}

func NewStream(id string, kinds ...webrtc.RTPCodecType) *Stream {
	s := &Stream{
		id:      id,
		enabled: make(map[webrtc.RTPCodecType]bool),
		ended:   make(chan struct{}),
	}
	for _, k := range kinds {
		mime := webrtc.MimeTypeVP8
		if k == webrtc.RTPCodecTypeAudio {
			mime = webrtc.MimeTypeOpus
		}
		t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id+"-"+k.String(), id)
		if err != nil {
			panic(err)
		}
		s.tracks = append(s.tracks, t)
		s.enabled[k] = true
	}
	return s
}

func (s *Stream) ID() string                  { return s.id }
func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	s.mu.Lock()
	s.enabled[kind] = enabled
	s.mu.Unlock()
}

func (s *Stream) Enabled(kind webrtc.RTPCodecType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[kind]
}

func (s *Stream) Ended() <-chan struct{} { return s.ended }

// End simulates the source stopping on its own.
func (s *Stream) End() { s.once.Do(func() { close(s.ended) }) }

func (s *Stream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.End()
}

func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}
