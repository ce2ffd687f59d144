package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Recorder writes each remote track of a recording to its own file:
// Opus to Ogg, VP8 to IVF. Other codecs are skipped.
type Recorder struct {
	Dir   string
	Start time.Time
}

func NewRecorder(dir string) *Recorder {
	return &Recorder{Dir: dir, Start: time.Now()}
}

// Sink matches the mesh sink factory signature.
func (r *Recorder) Sink(remote domain.UserID, track core.RemoteTrack) (core.RTPSink, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording dir: %w", err)
	}
	codec := track.Codec()
	base := fmt.Sprintf("%s-%s-%s", r.Start.UTC().Format("20060102T150405"), sanitize(string(remote)), sanitize(track.ID()))

	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		path := filepath.Join(r.Dir, base+".ogg")
		w, err := oggwriter.New(path, codec.ClockRate, channels)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		log.Info().Str("module", "media").Str("file", path).Msg("recording audio")
		return w, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		path := filepath.Join(r.Dir, base+".ivf")
		w, err := ivfwriter.New(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		log.Info().Str("module", "media").Str("file", path).Msg("recording video")
		return w, nil
	}
	log.Warn().Str("module", "media").Str("mime", codec.MimeType).Msg("codec not recordable, skipping track")
	return nil, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
