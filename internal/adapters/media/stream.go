package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Stream is a local capture stream made of sample tracks fed by pumps.
type Stream struct {
	id     string
	tracks []*Track

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	endOnce sync.Once
	ended   chan struct{}
}

func newStream(label string) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		id:     label + "-" + uuid.NewString()[:8],
		ctx:    ctx,
		cancel: cancel,
		ended:  make(chan struct{}),
	}
}

func (s *Stream) addTrack(kind webrtc.RTPCodecType) (*Track, error) {
	t, err := NewTrack(kind, s.id+"-"+kind.String(), s.id)
	if err != nil {
		return nil, err
	}
	s.tracks = append(s.tracks, t)
	return t, nil
}

// pump runs fn for the lifetime of the stream. A pump returning on its own
// means the source ended.
func (s *Stream) pump(fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil && s.ctx.Err() == nil {
			log.Warn().Str("module", "media").Str("stream", s.id).Err(err).Msg("source stopped")
		}
		s.end()
	}()
}

func (s *Stream) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t.Local)
	}
	return out
}

func (s *Stream) track(kind webrtc.RTPCodecType) *Track {
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (s *Stream) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	t := s.track(kind)
	if t == nil {
		return
	}
	if enabled {
		t.MarkOk()
	} else {
		t.MarkMuted()
	}
}

func (s *Stream) Enabled(kind webrtc.RTPCodecType) bool {
	t := s.track(kind)
	return t != nil && t.GetState() == TrackStateOk
}

func (s *Stream) Ended() <-chan struct{} { return s.ended }

// Stop releases the sources and waits for the pumps. Safe to call twice.
func (s *Stream) Stop() {
	s.cancel()
	for _, t := range s.tracks {
		t.MarkDelete()
	}
	s.wg.Wait()
	s.end()
}

func (s *Stream) Active() bool { return s.ctx.Err() == nil }
