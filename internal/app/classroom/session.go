package classroom

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/app/mesh"
	"github.com/dkeye/classmesh/internal/app/roster"
	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
	"github.com/dkeye/classmesh/internal/util"
)

// session holds everything that lives exactly as long as one join.
type session struct {
	c       *Classroom
	id      domain.SessionID
	channel core.Channel
	mesh    *mesh.Manager
	roster  *roster.Reconciler
	seen    *lru.Cache[string, struct{}]
	chat    *util.RingBuffer[ChatMessage]
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(c *Classroom, sid domain.SessionID, ch core.Channel) *session {
	ctx, cancel := context.WithCancel(context.Background())
	seen, _ := lru.New[string, struct{}](c.opts.DedupWindow)
	s := &session{
		c:       c,
		id:      sid,
		channel: ch,
		seen:    seen,
		chat:    util.NewRingBuffer[ChatMessage](c.opts.ChatHistory),
		logger:  log.With().Str("module", "classroom").Str("session", string(sid)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.mesh = mesh.NewManager(mesh.Options{
		Self:               c.self.ID,
		Sender:             ch,
		Factory:            c.opts.Factory,
		Observer:           linkObserver{s},
		NegotiationTimeout: c.opts.NegotiationTimeout,
		Retries:            c.opts.NegotiationRetries,
	})
	s.roster = roster.New(c.self.ID, meshLinks{s.mesh}, c.opts.LivenessWindow)
	return s
}

func (s *session) send(msg core.ControlMessage) {
	if err := s.channel.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type())).Msg("send failed")
	}
}

func (s *session) start() {
	interval := s.c.opts.HeartbeatInterval
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

// tick announces liveness and marks silent participants disconnected.
func (s *session) tick() {
	s.send(s.c.newMessage(core.Heartbeat{}))
	if stale := s.roster.Sweep(); len(stale) > 0 {
		s.c.notifyChange(s)
	}
}

func (s *session) stop() {
	s.cancel()
	s.wg.Wait()
}

// dispatch is the single entry point for inbound control messages.
func (s *session) dispatch(msg core.ControlMessage) {
	if s.ctx.Err() != nil {
		return
	}
	if msg.ID != "" {
		if seen, _ := s.seen.ContainsOrAdd(msg.ID, struct{}{}); seen {
			return
		}
	}

	switch p := msg.Payload.(type) {
	case core.Offer, core.Answer, core.Candidate:
		if s.roster.HasLeft(msg.SenderID) {
			s.logger.Debug().Str("sender", string(msg.SenderID)).Str("type", string(msg.Type())).Msg("negotiation from departed peer dropped")
			return
		}
		s.roster.Touch(msg.SenderID)
		if err := s.mesh.Handle(msg); err != nil {
			s.logger.Debug().Err(err).Str("sender", string(msg.SenderID)).Str("type", string(msg.Type())).Msg("negotiation message ignored")
		}
	case core.Chat:
		s.roster.Touch(msg.SenderID)
		s.receiveChat(msg, p)
	default:
		s.apply(msg)
	}
}

// apply reconciles msg and acts on what it changed locally.
func (s *session) apply(msg core.ControlMessage) error {
	res, err := s.roster.Apply(msg)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrDuplicateJoin), errors.Is(err, core.ErrStaleStateUpdate), errors.Is(err, core.ErrStaleMessage):
		s.logger.Debug().Err(err).Str("sender", string(msg.SenderID)).Msg("no-op message")
	default:
		s.logger.Warn().Err(err).Str("sender", string(msg.SenderID)).Str("type", string(msg.Type())).Msg("message rejected")
	}

	if msg.SenderID != s.c.self.ID && (res.Admitted || res.Rejoined) {
		// Tell the newcomer who we are; it has no other way to learn the roster.
		for _, reply := range s.c.presence(msg.SenderID) {
			s.send(reply)
		}
	}
	if res.ForceMute {
		s.c.forceMute(s)
	}
	if res.RecordingChanged || res.RoleChanged {
		s.c.syncRecording(s)
	}
	if res.Changed {
		s.c.notifyChange(s)
	}
	if res.Kicked {
		s.logger.Warn().Str("by", string(msg.SenderID)).Msg("removed by moderator")
		go func() {
			if err := s.c.leaveSession(s, "removed"); err != nil {
				s.logger.Warn().Err(err).Msg("teardown after removal")
			}
		}()
	}
	return err
}

func (s *session) receiveChat(msg core.ControlMessage, p core.Chat) {
	name := string(msg.SenderID)
	if part, ok := s.roster.Participant(msg.SenderID); ok {
		name = part.DisplayName
	}
	cm := ChatMessage{From: msg.SenderID, Name: name, Text: p.Text, SentAt: msg.SentAt}
	s.chat.Push(cm)

	s.c.hmu.RLock()
	fn := s.c.onChat
	s.c.hmu.RUnlock()
	if fn != nil {
		fn(cm)
	}
}

func (s *session) channelState(state core.ChannelState) {
	s.logger.Info().Str("state", state.String()).Msg("channel state")
	s.c.hmu.RLock()
	fn := s.c.onChannelState
	s.c.hmu.RUnlock()
	if fn != nil {
		fn(state)
	}
}

// meshLinks lets the roster drive the mesh.
type meshLinks struct{ m *mesh.Manager }

func (l meshLinks) EnsureLink(remote domain.UserID)  { l.m.EnsureLink(remote) }
func (l meshLinks) RestartLink(remote domain.UserID) { l.m.RestartLink(remote) }

func (l meshLinks) CloseLink(remote domain.UserID) {
	if err := l.m.CloseLink(remote); err != nil {
		log.Warn().Err(err).Str("module", "classroom").Str("remote", string(remote)).Msg("close link")
	}
}

// linkObserver maps link lifecycle onto the roster's connection state.
type linkObserver struct{ s *session }

func (o linkObserver) LinkConnecting(remote domain.UserID) {
	o.set(remote, domain.ConnectionConnecting)
}

func (o linkObserver) LinkConnected(remote domain.UserID) {
	o.set(remote, domain.ConnectionConnected)
}

func (o linkObserver) LinkUnreachable(remote domain.UserID, cause error) {
	o.s.logger.Warn().Err(cause).Str("remote", string(remote)).Msg("peer unreachable, keeping it listed")
	o.set(remote, domain.ConnectionDisconnected)
}

func (o linkObserver) RemoteTrack(remote domain.UserID, rs *mesh.RemoteStream) {
	o.s.c.hmu.RLock()
	fn := o.s.c.onRemoteTrack
	o.s.c.hmu.RUnlock()
	if fn != nil {
		fn(remote, rs)
	}
}

func (o linkObserver) set(remote domain.UserID, state domain.ConnectionState) {
	if o.s.roster.SetConnectionState(remote, state) {
		o.s.c.notifyChange(o.s)
	}
}
