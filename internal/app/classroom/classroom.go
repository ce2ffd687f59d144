// Package classroom wires the signaling channel, the peer mesh and the roster
// into one joinable class session and exposes the local media controls.
package classroom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/classmesh/internal/app/mesh"
	"github.com/dkeye/classmesh/internal/app/roster"
	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

type Options struct {
	Identity domain.Identity
	Connect  core.ConnectFunc
	Devices  core.MediaDevices
	Factory  core.PeerConnectionFactory
	// Recorder opens a sink per remote track while recording is active and
	// the local participant may record. Nil disables local recording.
	Recorder mesh.SinkFactory

	NegotiationTimeout time.Duration
	NegotiationRetries int
	LivenessWindow     time.Duration
	// HeartbeatInterval drives both heartbeats and liveness sweeps. Zero
	// disables the loop.
	HeartbeatInterval time.Duration
	MediaTimeout      time.Duration
	DedupWindow       int
	ChatHistory       int
}

func (o *Options) withDefaults() {
	if o.LivenessWindow <= 0 {
		o.LivenessWindow = 30 * time.Second
	}
	if o.MediaTimeout <= 0 {
		o.MediaTimeout = 10 * time.Second
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 1024
	}
	if o.ChatHistory <= 0 {
		o.ChatHistory = 200
	}
}

type ChatMessage struct {
	From   domain.UserID `json:"from"`
	Name   string        `json:"name"`
	Text   string        `json:"text"`
	SentAt time.Time     `json:"sentAt"`
}

// Classroom is the local participant's view of one class at a time.
type Classroom struct {
	opts       Options
	self       domain.Identity
	instanceID string

	mu        sync.Mutex
	cur       *session
	camera    core.LocalStream
	screen    core.LocalStream
	flags     domain.MediaFlags
	recording bool
	lastSent  time.Time

	hmu            sync.RWMutex
	onChange       func(roster.RoomState)
	onChat         func(ChatMessage)
	onChannelState func(core.ChannelState)
	onRemoteTrack  func(domain.UserID, *mesh.RemoteStream)
	onLeft         func(reason string)
}

func New(opts Options) *Classroom {
	opts.withDefaults()
	return &Classroom{
		opts:       opts,
		self:       opts.Identity,
		instanceID: uuid.NewString(),
	}
}

func (c *Classroom) Self() domain.Identity { return c.self }

func (c *Classroom) OnChange(fn func(roster.RoomState)) {
	c.hmu.Lock()
	c.onChange = fn
	c.hmu.Unlock()
}

func (c *Classroom) OnChat(fn func(ChatMessage)) {
	c.hmu.Lock()
	c.onChat = fn
	c.hmu.Unlock()
}

func (c *Classroom) OnChannelState(fn func(core.ChannelState)) {
	c.hmu.Lock()
	c.onChannelState = fn
	c.hmu.Unlock()
}

func (c *Classroom) OnRemoteTrack(fn func(domain.UserID, *mesh.RemoteStream)) {
	c.hmu.Lock()
	c.onRemoteTrack = fn
	c.hmu.Unlock()
}

// OnLeft fires once the classroom tore itself down, e.g. after a host
// removed the local participant.
func (c *Classroom) OnLeft(fn func(reason string)) {
	c.hmu.Lock()
	c.onLeft = fn
	c.hmu.Unlock()
}

func (c *Classroom) current() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// JoinClass acquires local media, opens the signaling channel and announces
// presence. When media cannot be acquired the class is joined view-only.
// Joining the class already joined is a no-op.
func (c *Classroom) JoinClass(ctx context.Context, sid domain.SessionID) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		if c.cur.id == sid {
			return nil
		}
		return fmt.Errorf("join %s: already in %s", sid, c.cur.id)
	}

	camera, err := c.acquire(ctx, c.opts.Devices.UserMedia)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		log.Warn().Err(err).Str("module", "classroom").Str("session", string(sid)).Msg("joining view-only")
	}
	defer func() {
		if err != nil && camera != nil {
			camera.Stop()
		}
	}()

	ch, err := c.opts.Connect(ctx, sid)
	if err != nil {
		return fmt.Errorf("join %s: %w", sid, err)
	}

	c.camera = camera
	c.screen = nil
	c.recording = false
	c.flags = domain.MediaFlags{IsMuted: camera == nil, IsVideoOff: camera == nil}

	s := newSession(c, sid, ch)
	s.mesh.ReplaceLocalStream(camera)
	s.roster.AdmitLocal(c.self, c.instanceID, c.flags)
	ch.OnMessage(s.dispatch)
	ch.OnStateChange(s.channelState)
	ch.SetPresence(func() []core.ControlMessage { return c.presence("") })
	c.cur = s

	for _, msg := range c.presenceLocked("") {
		s.send(msg)
	}
	s.start()

	log.Info().Str("module", "classroom").Str("session", string(sid)).Str("user", string(c.self.ID)).Bool("view_only", camera == nil).Msg("joined class")
	return nil
}

func (c *Classroom) acquire(ctx context.Context, get func(context.Context) (core.LocalStream, error)) (core.LocalStream, error) {
	mctx, cancel := context.WithTimeout(ctx, c.opts.MediaTimeout)
	defer cancel()
	s, err := get(mctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", core.ErrMediaTimeout, err)
		}
		return nil, err
	}
	return s, nil
}

// LeaveClass tears the session down: negotiations, peer links, remote and
// local media, then the channel. Every resource is released even when an
// earlier step fails. Leaving twice is a no-op.
func (c *Classroom) LeaveClass() error {
	return c.leaveSession(nil, "left")
}

// leaveSession tears down want, or whatever session is current when want
// is nil.
func (c *Classroom) leaveSession(want *session, reason string) error {
	c.mu.Lock()
	s := c.cur
	if s == nil || (want != nil && s != want) {
		c.mu.Unlock()
		return nil
	}
	c.cur = nil
	camera, screen := c.camera, c.screen
	c.camera, c.screen = nil, nil
	c.recording = false
	c.mu.Unlock()

	var errs error
	s.stop()
	errs = multierr.Append(errs, s.mesh.CloseAll())
	if screen != nil {
		screen.Stop()
	}
	if camera != nil {
		camera.Stop()
	}
	errs = multierr.Append(errs, s.channel.Disconnect())

	log.Info().Str("module", "classroom").Str("session", string(s.id)).Str("reason", reason).Msg("left class")
	c.hmu.RLock()
	fn := c.onLeft
	c.hmu.RUnlock()
	if fn != nil {
		fn(reason)
	}
	return errs
}

// State returns the current roster, or an empty state when not in a class.
func (c *Classroom) State() roster.RoomState {
	s := c.current()
	if s == nil {
		return roster.RoomState{}
	}
	return s.roster.State()
}

func (c *Classroom) Flags() domain.MediaFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags
}

// Role is the local role as tracked by the roster, which moderation may
// have changed since the join.
func (c *Classroom) Role() domain.Role {
	if s := c.current(); s != nil {
		if p, ok := s.roster.Participant(c.self.ID); ok {
			return p.Role
		}
	}
	return c.self.Role
}

func (c *Classroom) Links() []mesh.LinkInfo {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.mesh.Links()
}

func (c *Classroom) ActiveLinks() int {
	s := c.current()
	if s == nil {
		return 0
	}
	return s.mesh.ActiveLinks()
}

func (c *Classroom) ChatHistory() []ChatMessage {
	s := c.current()
	if s == nil {
		return nil
	}
	return s.chat.Snapshot()
}

// ViewOnly reports whether the local participant has no outgoing media.
func (c *Classroom) ViewOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera == nil && c.screen == nil
}

// stampLocked gives msg a send time strictly after the previous local message so
// last-write-wins holds for back-to-back local updates.
func (c *Classroom) stampLocked(msg core.ControlMessage) core.ControlMessage {
	if !msg.SentAt.After(c.lastSent) {
		msg.SentAt = c.lastSent.Add(time.Microsecond)
	}
	c.lastSent = msg.SentAt
	return msg
}

func (c *Classroom) newMessage(p core.Payload) core.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stampLocked(core.NewMessage(c.self.ID, p))
}

func (c *Classroom) presence(target domain.UserID) []core.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presenceLocked(target)
}

// presenceLocked builds the join and state-update announcing the local
// participant, directed at target when set.
func (c *Classroom) presenceLocked(target domain.UserID) []core.ControlMessage {
	role := c.self.Role
	if c.cur != nil {
		if p, ok := c.cur.roster.Participant(c.self.ID); ok {
			role = p.Role
		}
	}
	join := c.stampLocked(core.NewMessage(c.self.ID, core.Join{
		DisplayName: c.self.DisplayName,
		Role:        role,
		InstanceID:  c.instanceID,
	}))
	state := c.stampLocked(core.NewMessage(c.self.ID, core.StateUpdate{MediaFlags: c.flags}))
	if target != "" {
		join, state = join.To(target), state.To(target)
	}
	return []core.ControlMessage{join, state}
}

func (c *Classroom) notifyChange(s *session) {
	c.hmu.RLock()
	fn := c.onChange
	c.hmu.RUnlock()
	if fn != nil {
		fn(s.roster.State())
	}
}
