// Package roster is the single source of truth for who is in the room and
// in what state. It is built only from control messages and tolerates
// duplicated and reordered delivery.
package roster

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/classmesh/internal/domain"
)

// LinkController is how the reconciler drives the peer connection manager.
// Calls are made after the roster lock is released.
type LinkController interface {
	EnsureLink(remote domain.UserID)
	RestartLink(remote domain.UserID)
	CloseLink(remote domain.UserID)
}

// Recording is the room-wide recording flag.
type Recording struct {
	Active bool          `json:"active"`
	By     domain.UserID `json:"by,omitempty"`
	Since  time.Time     `json:"since,omitempty"`
}

// RoomState is a read-only snapshot for UI consumers.
type RoomState struct {
	Participants []domain.Participant `json:"participants"`
	Recording    Recording            `json:"recording"`
}

type entry struct {
	p          domain.Participant
	instanceID string
	// joinAt and stateAt are sender clock times of the last applied join
	// and state-update. roleAt is the time of the last role assignment,
	// by a join or by moderation.
	joinAt  time.Time
	stateAt time.Time
	roleAt  time.Time
	// lastSeen is local clock time of the last message of any kind.
	lastSeen     time.Time
	linkState    domain.ConnectionState
	presenceLost bool
}

func (e *entry) refreshConnection() {
	if e.presenceLost {
		e.p.ConnectionState = domain.ConnectionDisconnected
		return
	}
	e.p.ConnectionState = e.linkState
}

type Reconciler struct {
	self     domain.UserID
	links    LinkController
	liveness time.Duration
	now      func() time.Time

	mu           sync.RWMutex
	participants map[domain.UserID]*entry
	// departed holds leave tombstones keyed by user, valued by the sender
	// time of the leave. Older joins and all state-updates are dropped.
	departed  map[domain.UserID]time.Time
	recording Recording
	// recordingSeen orders recording controls per sender, so one sender's
	// clock never makes another's controls stale.
	recordingSeen map[domain.UserID]time.Time
}

func New(self domain.UserID, links LinkController, liveness time.Duration) *Reconciler {
	return &Reconciler{
		self:          self,
		links:         links,
		liveness:      liveness,
		now:           time.Now,
		participants:  make(map[domain.UserID]*entry),
		departed:      make(map[domain.UserID]time.Time),
		recordingSeen: make(map[domain.UserID]time.Time),
	}
}

// AdmitLocal records the local participant. It is never removed by liveness.
func (r *Reconciler) AdmitLocal(id domain.Identity, instanceID string, flags domain.MediaFlags) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[id.ID] = &entry{
		p: domain.Participant{
			UserID:          id.ID,
			DisplayName:     id.DisplayName,
			Role:            id.Role,
			ConnectionState: domain.ConnectionConnected,
			JoinedAt:        now,
			MediaFlags:      flags,
		},
		instanceID: instanceID,
		lastSeen:   now,
		linkState:  domain.ConnectionConnected,
	}
	log.Info().Str("module", "roster").Str("user", string(id.ID)).Msg("local participant admitted")
}

// Touch refreshes liveness for sender. Unknown senders are ignored.
func (r *Reconciler) Touch(sender domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touchLocked(sender)
}

func (r *Reconciler) touchLocked(sender domain.UserID) bool {
	e, ok := r.participants[sender]
	if !ok {
		return false
	}
	e.lastSeen = r.now()
	if e.presenceLost {
		e.presenceLost = false
		e.refreshConnection()
		log.Info().Str("module", "roster").Str("user", string(sender)).Msg("presence restored")
		return true
	}
	return false
}

// SetConnectionState records the media link state reported by the peer
// connection manager.
func (r *Reconciler) SetConnectionState(user domain.UserID, state domain.ConnectionState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.participants[user]
	if !ok || user == r.self || e.linkState == state {
		return false
	}
	e.linkState = state
	e.refreshConnection()
	log.Debug().Str("module", "roster").Str("user", string(user)).Str("state", string(state)).Msg("connection state")
	return true
}

// Sweep marks participants silent for longer than the liveness window as
// disconnected without removing them. Only an explicit leave removes an entry.
func (r *Reconciler) Sweep() []domain.UserID {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []domain.UserID
	for id, e := range r.participants {
		if id == r.self || e.presenceLost {
			continue
		}
		if now.Sub(e.lastSeen) > r.liveness {
			e.presenceLost = true
			e.refreshConnection()
			stale = append(stale, id)
			log.Warn().Str("module", "roster").Str("user", string(id)).Dur("silent", now.Sub(e.lastSeen)).Msg("presence lost")
		}
	}
	// Tombstones only need to outlive in-flight messages.
	horizon := now.Add(-10 * r.liveness)
	for id, at := range r.departed {
		if at.Before(horizon) {
			delete(r.departed, id)
		}
	}
	return stale
}

func (r *Reconciler) Participant(id domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return e.p, true
}

// Contains reports whether id currently has a roster entry.
func (r *Reconciler) Contains(id domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[id]
	return ok
}

// HasLeft reports whether id left and has not rejoined.
func (r *Reconciler) HasLeft(id domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, gone := r.departed[id]
	_, present := r.participants[id]
	return gone && !present
}

func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Reconciler) Recording() Recording {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Snapshot lists participants ordered by join time, then id.
func (r *Reconciler) Snapshot() []domain.Participant {
	r.mu.RLock()
	out := lo.MapToSlice(r.participants, func(_ domain.UserID, e *entry) domain.Participant { return e.p })
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.UserID), string(b.UserID))
	})
	return out
}

func (r *Reconciler) State() RoomState {
	return RoomState{Participants: r.Snapshot(), Recording: r.Recording()}
}

// Remote lists remote participant ids.
func (r *Reconciler) Remote() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(lo.Keys(r.participants), func(id domain.UserID, _ int) bool { return id != r.self })
}
