package classroom

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/classmesh/internal/app/roster"
	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Local controls are optimistic: the local roster reflects the change before
// it is broadcast, and a failed send is only logged.

func (c *Classroom) stateLocked() core.ControlMessage {
	return c.stampLocked(core.NewMessage(c.self.ID, core.StateUpdate{MediaFlags: c.flags}))
}

// publish applies msg to the local roster and broadcasts it. A control the
// local roster refuses is not sent.
func (s *session) publish(msg core.ControlMessage) error {
	if err := s.apply(msg); errors.Is(err, core.ErrUnauthorizedModeration) {
		return err
	}
	s.send(msg)
	return nil
}

func (c *Classroom) setEnabledLocked(kind webrtc.RTPCodecType, enabled bool) {
	for _, src := range []core.LocalStream{c.camera, c.screen} {
		if src != nil {
			src.SetEnabled(kind, enabled)
		}
	}
}

// ToggleAudio flips the microphone and reports whether it is now muted.
func (c *Classroom) ToggleAudio() (bool, error) {
	c.mu.Lock()
	s := c.cur
	switch {
	case s == nil:
		c.mu.Unlock()
		return false, core.ErrClosed
	case c.camera == nil:
		muted := c.flags.IsMuted
		c.mu.Unlock()
		return muted, core.ErrMediaPermissionDenied
	}
	c.flags.IsMuted = !c.flags.IsMuted
	c.setEnabledLocked(webrtc.RTPCodecTypeAudio, !c.flags.IsMuted)
	muted := c.flags.IsMuted
	msg := c.stateLocked()
	c.mu.Unlock()

	s.publish(msg)
	return muted, nil
}

// ToggleVideo flips the camera and reports whether video is now off.
func (c *Classroom) ToggleVideo() (bool, error) {
	c.mu.Lock()
	s := c.cur
	switch {
	case s == nil:
		c.mu.Unlock()
		return false, core.ErrClosed
	case c.camera == nil:
		off := c.flags.IsVideoOff
		c.mu.Unlock()
		return off, core.ErrMediaPermissionDenied
	}
	c.flags.IsVideoOff = !c.flags.IsVideoOff
	c.camera.SetEnabled(webrtc.RTPCodecTypeVideo, !c.flags.IsVideoOff)
	off := c.flags.IsVideoOff
	msg := c.stateLocked()
	c.mu.Unlock()

	s.publish(msg)
	return off, nil
}

func (c *Classroom) ToggleHandRaise() (bool, error) {
	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return false, core.ErrClosed
	}
	c.flags.IsHandRaised = !c.flags.IsHandRaised
	raised := c.flags.IsHandRaised
	msg := c.stateLocked()
	c.mu.Unlock()

	s.publish(msg)
	return raised, nil
}

// ToggleScreenShare starts sharing the screen in place of the camera on every
// link, or stops it and reverts to the camera. A share the source ends on its
// own reverts the same way.
func (c *Classroom) ToggleScreenShare(ctx context.Context) (bool, error) {
	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return false, core.ErrClosed
	}
	if screen := c.screen; screen != nil {
		c.mu.Unlock()
		c.stopScreen(s, screen)
		return false, nil
	}
	c.mu.Unlock()

	screen, err := c.acquire(ctx, c.opts.Devices.DisplayMedia)
	if err != nil {
		s.logger.Warn().Err(err).Msg("screen share not started")
		return false, err
	}

	c.mu.Lock()
	if c.cur != s || c.screen != nil {
		sharing := c.screen != nil
		c.mu.Unlock()
		screen.Stop()
		return sharing, nil
	}
	c.screen = screen
	c.flags.IsScreenSharing = true
	msg := c.stateLocked()
	s.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer s.wg.Done()
		select {
		case <-screen.Ended():
			s.logger.Info().Msg("screen share ended by source")
			c.stopScreen(s, screen)
		case <-s.ctx.Done():
		}
	}()

	s.mesh.ReplaceLocalStream(screen)
	s.publish(msg)
	return true, nil
}

func (c *Classroom) stopScreen(s *session, screen core.LocalStream) {
	c.mu.Lock()
	if c.cur != s || c.screen != screen {
		c.mu.Unlock()
		return
	}
	c.screen = nil
	c.flags.IsScreenSharing = false
	camera := c.camera
	msg := c.stateLocked()
	c.mu.Unlock()

	s.mesh.ReplaceLocalStream(camera)
	screen.Stop()
	s.publish(msg)
}

// RetryMedia tries to acquire the camera again after joining view-only.
func (c *Classroom) RetryMedia(ctx context.Context) error {
	c.mu.Lock()
	s := c.cur
	if s == nil {
		c.mu.Unlock()
		return core.ErrClosed
	}
	if c.camera != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	camera, err := c.acquire(ctx, c.opts.Devices.UserMedia)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.cur != s || c.camera != nil {
		c.mu.Unlock()
		camera.Stop()
		return nil
	}
	c.camera = camera
	c.flags.IsMuted = false
	c.flags.IsVideoOff = false
	swap := c.screen == nil
	msg := c.stateLocked()
	c.mu.Unlock()

	if swap {
		s.mesh.ReplaceLocalStream(camera)
	}
	s.publish(msg)
	return nil
}

// forceMute applies a moderator's mute to the local microphone.
func (c *Classroom) forceMute(s *session) {
	c.mu.Lock()
	if c.cur != s {
		c.mu.Unlock()
		return
	}
	c.setEnabledLocked(webrtc.RTPCodecTypeAudio, false)
	c.flags.IsMuted = true
	msg := c.stateLocked()
	c.mu.Unlock()

	s.logger.Info().Msg("muted by moderator")
	s.publish(msg)
}

func (c *Classroom) StartRecording() error { return c.setRecording(true) }
func (c *Classroom) StopRecording() error  { return c.setRecording(false) }

func (c *Classroom) setRecording(active bool) error {
	s := c.current()
	if s == nil {
		return core.ErrClosed
	}
	if !c.Role().CanModerate() {
		return core.ErrNotPermitted
	}
	var p core.Payload = core.RecordingStop{}
	if active {
		p = core.RecordingStart{}
	}
	return s.publish(c.newMessage(p))
}

func (c *Classroom) Recording() roster.Recording {
	s := c.current()
	if s == nil {
		return roster.Recording{}
	}
	return s.roster.Recording()
}

// syncRecording opens or closes the local recording sinks to match the room
// flag and the local role.
func (c *Classroom) syncRecording(s *session) {
	want := false
	if p, ok := s.roster.Participant(c.self.ID); ok && c.opts.Recorder != nil {
		want = s.roster.Recording().Active && p.Role.CanModerate()
	}

	c.mu.Lock()
	if c.cur != s || c.recording == want {
		c.mu.Unlock()
		return
	}
	c.recording = want
	c.mu.Unlock()

	if want {
		s.mesh.AttachSinks(c.opts.Recorder)
	} else {
		s.mesh.DetachSinks()
	}
	s.logger.Info().Bool("recording", want).Msg("local recording")
}

// Moderate issues a moderation action against target. The local role is
// checked here; every receiver checks it again against its own roster.
func (c *Classroom) Moderate(action core.ModerationAction, target domain.UserID) error {
	s := c.current()
	if s == nil {
		return core.ErrClosed
	}
	if !c.Role().CanModerate() || (action == core.ModerationRemove && target == c.self.ID) {
		return core.ErrNotPermitted
	}
	return s.publish(c.newMessage(core.Moderate{Action: action, Target: target}))
}

func (c *Classroom) SendChat(text string) error {
	s := c.current()
	if s == nil {
		return core.ErrClosed
	}
	msg := c.newMessage(core.Chat{Text: text})
	s.chat.Push(ChatMessage{From: c.self.ID, Name: c.self.DisplayName, Text: text, SentAt: msg.SentAt})
	return s.channel.Send(msg)
}
