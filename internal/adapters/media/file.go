package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
)

// FileDevices plays media files as capture devices: VP8 in IVF for video,
// Opus in Ogg for audio. A device with no file configured behaves like a
// refused permission prompt.
type FileDevices struct {
	CameraVideo string
	Microphone  string
	Screen      string
}

var _ core.MediaDevices = (*FileDevices)(nil)

// UserMedia opens camera and microphone. The camera loops forever.
func (d *FileDevices) UserMedia(ctx context.Context) (core.LocalStream, error) {
	if d.CameraVideo == "" && d.Microphone == "" {
		return nil, fmt.Errorf("camera and microphone: %w", core.ErrMediaPermissionDenied)
	}
	s := newStream("cam")
	if err := d.open(ctx, s, d.CameraVideo, d.Microphone, true); err != nil {
		s.Stop()
		return nil, err
	}
	log.Info().Str("module", "media").Str("stream", s.ID()).Msg("user media acquired")
	return s, nil
}

// DisplayMedia opens the screen source. It ends on its own at end of file,
// like a share stopped from the browser bar.
func (d *FileDevices) DisplayMedia(ctx context.Context) (core.LocalStream, error) {
	if d.Screen == "" {
		return nil, fmt.Errorf("screen: %w", core.ErrMediaPermissionDenied)
	}
	s := newStream("screen")
	if err := d.open(ctx, s, d.Screen, "", false); err != nil {
		s.Stop()
		return nil, err
	}
	log.Info().Str("module", "media").Str("stream", s.ID()).Msg("display media acquired")
	return s, nil
}

func (d *FileDevices) open(ctx context.Context, s *Stream, videoPath, audioPath string, loop bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMediaTimeout, err)
	}
	if videoPath != "" {
		if _, err := os.Stat(videoPath); err != nil {
			return fmt.Errorf("%w: %v", core.ErrMediaPermissionDenied, err)
		}
		t, err := s.addTrack(webrtc.RTPCodecTypeVideo)
		if err != nil {
			return err
		}
		s.pump(func(ctx context.Context) error { return playIVF(ctx, videoPath, t, loop) })
	}
	if audioPath != "" {
		if _, err := os.Stat(audioPath); err != nil {
			return fmt.Errorf("%w: %v", core.ErrMediaPermissionDenied, err)
		}
		t, err := s.addTrack(webrtc.RTPCodecTypeAudio)
		if err != nil {
			return err
		}
		s.pump(func(ctx context.Context) error { return playOgg(ctx, audioPath, t, loop) })
	}
	return nil
}

// playIVF paces IVF frames by the file's timebase.
func playIVF(ctx context.Context, path string, t *Track, loop bool) error {
	for {
		if err := playIVFOnce(ctx, path, t); err != nil {
			return err
		}
		if !loop || ctx.Err() != nil {
			return nil
		}
	}
}

func playIVFOnce(ctx context.Context, path string, t *Track) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("ivf header: %w", err)
	}
	frameDuration := time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ivf frame: %w", err)
		}
		if err := t.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return err
		}
	}
}

const oggPageDuration = 20 * time.Millisecond

// playOgg paces Opus pages by their granule positions.
func playOgg(ctx context.Context, path string, t *Track, loop bool) error {
	for {
		if err := playOggOnce(ctx, path, t); err != nil {
			return err
		}
		if !loop || ctx.Err() != nil {
			return nil
		}
	}
}

func playOggOnce(ctx context.Context, path string, t *Track) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("ogg header: %w", err)
	}

	var lastGranule uint64
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		page, pageHeader, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ogg page: %w", err)
		}
		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		duration := time.Duration((sampleCount / 48000) * float64(time.Second))
		if err := t.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}
	}
}
