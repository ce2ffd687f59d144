package roster

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Result describes what an applied message changed.
type Result struct {
	Admitted         bool
	Rejoined         bool
	Changed          bool
	Removed          bool
	RoleChanged      bool
	RecordingChanged bool
	// ForceMute and Kicked target the local participant; the caller owns
	// the media and the channel, so it acts on them.
	ForceMute bool
	Kicked    bool
}

type linkOp struct {
	fn   func(domain.UserID)
	user domain.UserID
}

// Apply reconciles one control message into the roster. Informational
// errors (core.ErrDuplicateJoin, core.ErrStaleStateUpdate, core.ErrStaleMessage)
// mean the message was a no-op. Authorization failures return
// core.ErrUnauthorizedModeration and never change state.
func (r *Reconciler) Apply(msg core.ControlMessage) (Result, error) {
	var ops []linkOp
	r.mu.Lock()
	res, err := r.applyLocked(msg, &ops)
	r.mu.Unlock()

	for _, op := range ops {
		op.fn(op.user)
	}
	return res, err
}

func (r *Reconciler) applyLocked(msg core.ControlMessage, ops *[]linkOp) (Result, error) {
	var res Result
	if r.touchLocked(msg.SenderID) {
		res.Changed = true
	}

	switch p := msg.Payload.(type) {
	case core.Join:
		return r.join(msg, p, res, ops)
	case core.Leave:
		return r.leave(msg, res, ops)
	case core.StateUpdate:
		return r.stateUpdate(msg, p, res)
	case core.Moderate:
		return r.moderate(msg, p, res, ops)
	case core.RecordingStart:
		return r.setRecording(msg, true, res)
	case core.RecordingStop:
		return r.setRecording(msg, false, res)
	case core.Heartbeat, core.Chat, core.Offer, core.Answer, core.Candidate:
		return res, nil
	case nil:
		return res, core.ErrEmptyPayload
	default:
		return res, fmt.Errorf("%w: %T", core.ErrUnknownMessageType, p)
	}
}

func (r *Reconciler) sentAt(msg core.ControlMessage) time.Time {
	if msg.SentAt.IsZero() {
		return r.now()
	}
	return msg.SentAt
}

func (r *Reconciler) join(msg core.ControlMessage, p core.Join, res Result, ops *[]linkOp) (Result, error) {
	sender := msg.SenderID
	if sender == r.self {
		return res, nil
	}
	at := r.sentAt(msg)
	if left, ok := r.departed[sender]; ok {
		if !at.After(left) {
			log.Debug().Str("module", "roster").Str("user", string(sender)).Msg("join older than leave dropped")
			return res, core.ErrStaleMessage
		}
		delete(r.departed, sender)
	}
	role := p.Role
	if !role.Valid() {
		role = domain.RoleParticipant
	}

	e, ok := r.participants[sender]
	if !ok {
		r.participants[sender] = &entry{
			p: domain.Participant{
				UserID:          sender,
				DisplayName:     p.DisplayName,
				Role:            role,
				ConnectionState: domain.ConnectionConnecting,
				JoinedAt:        at,
			},
			instanceID: p.InstanceID,
			joinAt:     at,
			roleAt:     at,
			lastSeen:   r.now(),
			linkState:  domain.ConnectionConnecting,
		}
		*ops = append(*ops, linkOp{r.links.EnsureLink, sender})
		res.Admitted = true
		res.Changed = true
		log.Info().Str("module", "roster").Str("user", string(sender)).Str("role", string(role)).Msg("participant admitted")
		return res, nil
	}

	if at.Before(e.joinAt) {
		return res, core.ErrDuplicateJoin
	}
	e.joinAt = at
	e.p.JoinedAt = at
	if p.DisplayName != "" {
		e.p.DisplayName = p.DisplayName
	}
	// A join only claims a role newer than the last assignment; moderation
	// sent after it wins.
	if at.After(e.roleAt) {
		e.roleAt = at
		if e.p.Role != role {
			e.p.Role = role
			res.RoleChanged = true
			res.Changed = true
		}
	}
	if p.InstanceID != "" && p.InstanceID != e.instanceID {
		// The sender restarted and lost its links; ours to it are stale.
		e.instanceID = p.InstanceID
		e.stateAt = time.Time{}
		e.linkState = domain.ConnectionConnecting
		e.refreshConnection()
		*ops = append(*ops, linkOp{r.links.RestartLink, sender})
		res.Rejoined = true
		res.Changed = true
		log.Info().Str("module", "roster").Str("user", string(sender)).Msg("participant rejoined with new instance")
		return res, nil
	}
	*ops = append(*ops, linkOp{r.links.EnsureLink, sender})
	return res, core.ErrDuplicateJoin
}

func (r *Reconciler) leave(msg core.ControlMessage, res Result, ops *[]linkOp) (Result, error) {
	sender := msg.SenderID
	if sender == r.self {
		return res, nil
	}
	at := r.sentAt(msg)
	if e, ok := r.participants[sender]; ok {
		if at.Before(e.joinAt) {
			return res, core.ErrStaleMessage
		}
		r.removeLocked(sender, at, ops)
		res.Removed = true
		res.Changed = true
		log.Info().Str("module", "roster").Str("user", string(sender)).Msg("participant left")
		return res, nil
	}
	if prev, ok := r.departed[sender]; !ok || at.After(prev) {
		r.departed[sender] = at
	}
	return res, nil
}

func (r *Reconciler) removeLocked(user domain.UserID, at time.Time, ops *[]linkOp) {
	delete(r.participants, user)
	if prev, ok := r.departed[user]; !ok || at.After(prev) {
		r.departed[user] = at
	}
	*ops = append(*ops, linkOp{r.links.CloseLink, user})
}

func (r *Reconciler) stateUpdate(msg core.ControlMessage, p core.StateUpdate, res Result) (Result, error) {
	e, ok := r.participants[msg.SenderID]
	if !ok {
		// Never re-create an entry: a leave may have overtaken this update.
		return res, core.ErrUnknownSender
	}
	at := r.sentAt(msg)
	if !at.After(e.stateAt) {
		return res, core.ErrStaleStateUpdate
	}
	e.stateAt = at
	if e.p.MediaFlags != p.MediaFlags {
		e.p.MediaFlags = p.MediaFlags
		res.Changed = true
	}
	return res, nil
}

// authorize checks the sender's role as tracked by the roster, never as
// claimed in the message.
func (r *Reconciler) authorize(sender domain.UserID) (domain.Role, error) {
	e, ok := r.participants[sender]
	if !ok || !e.p.Role.CanModerate() {
		log.Warn().Str("module", "roster").Str("sender", string(sender)).Msg("unauthorized moderation dropped")
		return "", core.ErrUnauthorizedModeration
	}
	return e.p.Role, nil
}

func (r *Reconciler) moderate(msg core.ControlMessage, p core.Moderate, res Result, ops *[]linkOp) (Result, error) {
	role, err := r.authorize(msg.SenderID)
	if err != nil {
		return res, err
	}
	target, ok := r.participants[p.Target]
	if !ok {
		return res, nil
	}
	if target.p.Role == domain.RoleHost && role != domain.RoleHost {
		if p.Action == core.ModerationDemote || p.Action == core.ModerationRemove {
			log.Warn().Str("module", "roster").Str("sender", string(msg.SenderID)).Str("action", string(p.Action)).Msg("co-host cannot act on host")
			return res, core.ErrUnauthorizedModeration
		}
	}

	at := r.sentAt(msg)
	switch p.Action {
	case core.ModerationMute:
		if p.Target == r.self {
			res.ForceMute = true
		}
		// State-updates the target sent before the mute must not undo it.
		if at.After(target.stateAt) {
			target.stateAt = at
		}
		if !target.p.IsMuted {
			target.p.IsMuted = true
			res.Changed = true
		}
	case core.ModerationPromote, core.ModerationDemote:
		if !at.After(target.roleAt) {
			return res, core.ErrStaleMessage
		}
		target.roleAt = at
		next := target.p.Role
		switch {
		case p.Action == core.ModerationPromote && next == domain.RoleParticipant:
			next = domain.RoleCoHost
		case p.Action == core.ModerationDemote:
			next = domain.RoleParticipant
		}
		if target.p.Role != next {
			target.p.Role = next
			res.RoleChanged = true
			res.Changed = true
		}
	case core.ModerationRemove:
		if p.Target == r.self {
			res.Kicked = true
			return res, nil
		}
		r.removeLocked(p.Target, at, ops)
		res.Removed = true
		res.Changed = true
	default:
		return res, fmt.Errorf("%w: moderation %q", core.ErrUnknownMessageType, p.Action)
	}
	log.Info().Str("module", "roster").Str("sender", string(msg.SenderID)).Str("target", string(p.Target)).Str("action", string(p.Action)).Msg("moderation applied")
	return res, nil
}

func (r *Reconciler) setRecording(msg core.ControlMessage, active bool, res Result) (Result, error) {
	if _, err := r.authorize(msg.SenderID); err != nil {
		return res, err
	}
	at := r.sentAt(msg)
	if !at.After(r.recordingSeen[msg.SenderID]) {
		return res, core.ErrStaleMessage
	}
	r.recordingSeen[msg.SenderID] = at
	if r.recording.Active == active {
		// A second start from another co-host joins the running recording.
		return res, nil
	}
	if active {
		r.recording = Recording{Active: true, By: msg.SenderID, Since: at}
	} else {
		r.recording = Recording{}
	}
	res.RecordingChanged = true
	res.Changed = true
	log.Info().Str("module", "roster").Str("sender", string(msg.SenderID)).Bool("active", active).Msg("recording state changed")
	return res, nil
}
