package media

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/classmesh/internal/app/mesh/meshtest"
	"github.com/dkeye/classmesh/internal/core"
)

// writeIVF writes a VP8 IVF file with a 1ms timebase.
func writeIVF(t *testing.T, dir string, frames int) string {
	t.Helper()
	path := filepath.Join(dir, "video.ivf")
	header := make([]byte, 32)
	copy(header[0:], "DKIF")
	binary.LittleEndian.PutUint16(header[4:], 0)
	binary.LittleEndian.PutUint16(header[6:], 32)
	copy(header[8:], "VP80")
	binary.LittleEndian.PutUint16(header[12:], 640)
	binary.LittleEndian.PutUint16(header[14:], 480)
	binary.LittleEndian.PutUint32(header[16:], 1000)
	binary.LittleEndian.PutUint32(header[20:], 1)
	binary.LittleEndian.PutUint32(header[24:], uint32(frames))

	out := header
	for i := range frames {
		frame := []byte{0x10, 0x02, 0x00, byte(i)}
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], uint32(len(frame)))
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		out = append(out, fh...)
		out = append(out, frame...)
	}
	require.NoError(t, os.WriteFile(path, out, 0o644))
	return path
}

func writeOgg(t *testing.T, dir string, packets int) string {
	t.Helper()
	path := filepath.Join(dir, "audio.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	require.NoError(t, err)
	for i := range packets {
		require.NoError(t, w.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: []byte{0xfc, 0xff, 0xfe},
		}))
	}
	require.NoError(t, w.Close())
	return path
}

func TestUserMediaWithoutFilesIsDenied(t *testing.T) {
	d := &FileDevices{}
	_, err := d.UserMedia(context.Background())
	assert.ErrorIs(t, err, core.ErrMediaPermissionDenied)
	_, err = d.DisplayMedia(context.Background())
	assert.ErrorIs(t, err, core.ErrMediaPermissionDenied)
}

func TestMissingFileIsDenied(t *testing.T) {
	d := &FileDevices{CameraVideo: filepath.Join(t.TempDir(), "nope.ivf")}
	_, err := d.UserMedia(context.Background())
	assert.ErrorIs(t, err, core.ErrMediaPermissionDenied)
}

func TestCanceledAcquisitionTimesOut(t *testing.T) {
	d := &FileDevices{CameraVideo: writeIVF(t, t.TempDir(), 3)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.UserMedia(ctx)
	assert.ErrorIs(t, err, core.ErrMediaTimeout)
}

func TestUserMediaStreamLifecycle(t *testing.T) {
	dir := t.TempDir()
	d := &FileDevices{CameraVideo: writeIVF(t, dir, 5), Microphone: writeOgg(t, dir, 5)}

	s, err := d.UserMedia(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Tracks(), 2)
	assert.True(t, s.Active())
	assert.True(t, s.Enabled(webrtc.RTPCodecTypeAudio))

	s.SetEnabled(webrtc.RTPCodecTypeAudio, false)
	assert.False(t, s.Enabled(webrtc.RTPCodecTypeAudio))
	assert.True(t, s.Enabled(webrtc.RTPCodecTypeVideo))
	s.SetEnabled(webrtc.RTPCodecTypeAudio, true)
	assert.True(t, s.Enabled(webrtc.RTPCodecTypeAudio))

	// The camera loops, so the stream does not end by itself.
	select {
	case <-s.Ended():
		t.Fatal("camera stream ended on its own")
	case <-time.After(50 * time.Millisecond):
	}

	s.Stop()
	s.Stop()
	assert.False(t, s.Active())
	assert.False(t, s.Enabled(webrtc.RTPCodecTypeVideo))
	select {
	case <-s.Ended():
	default:
		t.Fatal("stopped stream not ended")
	}
}

func TestScreenEndsAtEndOfFile(t *testing.T) {
	d := &FileDevices{Screen: writeIVF(t, t.TempDir(), 3)}
	s, err := d.DisplayMedia(context.Background())
	require.NoError(t, err)
	require.Len(t, s.Tracks(), 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, s.Tracks()[0].Kind())

	select {
	case <-s.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("screen share did not end")
	}
	assert.True(t, s.Active(), "ending on its own is not a local stop")
	s.Stop()
}

func TestMutedTrackStaysDeletedOnceStopped(t *testing.T) {
	tr, err := NewTrack(webrtc.RTPCodecTypeAudio, "a", "s")
	require.NoError(t, err)
	tr.MarkMuted()
	assert.Equal(t, TrackStateMuted, tr.GetState())
	tr.MarkDelete()
	tr.MarkOk()
	assert.Equal(t, TrackStateDelete, tr.GetState())
}

func TestRecorderSinks(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)

	audio, err := r.Sink("a", meshtest.NewTrack("mic", webrtc.RTPCodecTypeAudio))
	require.NoError(t, err)
	require.NotNil(t, audio)
	require.NoError(t, audio.WriteRTP(&rtp.Packet{Header: rtp.Header{Timestamp: 960}, Payload: []byte{0xfc}}))
	require.NoError(t, audio.Close())

	video, err := r.Sink("a", meshtest.NewTrack("cam", webrtc.RTPCodecTypeVideo))
	require.NoError(t, err)
	require.NotNil(t, video)
	require.NoError(t, video.Close())

	ogg, _ := filepath.Glob(filepath.Join(dir, "*-a-mic.ogg"))
	ivf, _ := filepath.Glob(filepath.Join(dir, "*-a-cam.ivf"))
	assert.Len(t, ogg, 1)
	assert.Len(t, ivf, 1)
}
