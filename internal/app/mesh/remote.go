package mesh

import (
	"context"
	"errors"
	"io"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

type SinkState int32

const (
	SinkStateOk SinkState = iota
	SinkStateDelete
)

// sinkSlot is one consumer of a remote track.
type sinkSlot struct {
	sink  core.RTPSink
	state atomic.Int32
}

func (s *sinkSlot) State() SinkState { return SinkState(s.state.Load()) }
func (s *sinkSlot) MarkDelete()      { s.state.Store(int32(SinkStateDelete)) }

// SinkFactory opens a consumer for a newly received remote track.
type SinkFactory func(remote domain.UserID, track core.RemoteTrack) (core.RTPSink, error)

// RemoteStream drains one remote track for as long as its peer link lives.
// It is owned exclusively by that link.
type RemoteStream struct {
	Remote domain.UserID
	Track  core.RemoteTrack

	mu    sync.RWMutex
	sinks map[string]*sinkSlot

	packets atomic.Uint64
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger
}

// newRemoteStream prepares the stream's context up front, so a stop issued
// before start still ends the loop.
func newRemoteStream(remote domain.UserID, track core.RemoteTrack) *RemoteStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteStream{
		Remote: remote,
		Track:  track,
		sinks:  make(map[string]*sinkSlot),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: log.With().
			Str("module", "mesh").
			Str("remote", string(remote)).
			Str("track", track.ID()).
			Str("kind", track.Kind().String()).
			Logger(),
	}
}

func (s *RemoteStream) Kind() webrtc.RTPCodecType { return s.Track.Kind() }

// Packets is the number of RTP packets read so far.
func (s *RemoteStream) Packets() uint64 { return s.packets.Load() }

// Done is closed once the stream stopped reading.
func (s *RemoteStream) Done() <-chan struct{} { return s.done }

func (s *RemoteStream) start() {
	go s.loop(s.ctx)
}

// loop reads RTP packets from the remote track and forwards them to all sinks.
func (s *RemoteStream) loop(ctx context.Context) {
	defer close(s.done)
	defer s.closeSinks()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := s.Track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("remote track read stopped")
			}
			return
		}
		s.packets.Add(1)
		s.forward(pkt)
	}
}

func (s *RemoteStream) forward(pkt *rtp.Packet) {
	s.mu.RLock()
	snapshot := maps.Clone(s.sinks)
	s.mu.RUnlock()

	var dirty []string
	for name, slot := range snapshot {
		switch slot.State() {
		case SinkStateDelete:
			dirty = append(dirty, name)
		case SinkStateOk:
			if err := slot.sink.WriteRTP(pkt); err != nil {
				s.logger.Error().Err(err).Str("sink", name).Msg("sink write error, dropping sink")
				slot.MarkDelete()
				dirty = append(dirty, name)
			}
		}
	}
	if len(dirty) > 0 {
		s.cleanup(dirty)
	}
}

func (s *RemoteStream) cleanup(dirty []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range dirty {
		if slot, ok := s.sinks[name]; ok && slot.State() == SinkStateDelete {
			delete(s.sinks, name)
			_ = slot.sink.Close()
		}
	}
}

// Attach adds a named sink, replacing and closing any previous one.
func (s *RemoteStream) Attach(name string, sink core.RTPSink) {
	s.mu.Lock()
	old := s.sinks[name]
	s.sinks[name] = &sinkSlot{sink: sink}
	s.mu.Unlock()
	if old != nil {
		_ = old.sink.Close()
	}
}

// Detach closes and removes the named sink.
func (s *RemoteStream) Detach(name string) {
	s.mu.Lock()
	slot, ok := s.sinks[name]
	delete(s.sinks, name)
	s.mu.Unlock()
	if ok {
		if err := slot.sink.Close(); err != nil {
			s.logger.Warn().Err(err).Str("sink", name).Msg("sink close error")
		}
	}
}

func (s *RemoteStream) closeSinks() {
	s.mu.Lock()
	slots := s.sinks
	s.sinks = make(map[string]*sinkSlot)
	s.mu.Unlock()
	for name, slot := range slots {
		if err := slot.sink.Close(); err != nil {
			s.logger.Warn().Err(err).Str("sink", name).Msg("sink close error")
		}
	}
}

// stop cancels the read loop. The loop itself exits once the underlying
// track returns an error, which closing the peer connection guarantees.
func (s *RemoteStream) stop() {
	s.cancel()
}
