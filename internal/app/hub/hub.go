// Package hub is the realtime transport of the classroom: it relays control
// messages between the subscribers of one session and never interprets them
// beyond routing.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

var ErrRateLimited = errors.New("rate limited")

type Options struct {
	Policy  Policy
	Bus     Bus
	Limiter *RateLimiter
}

type Hub struct {
	sessions *Manager
	policy   Policy
	bus      Bus
	limiter  *RateLimiter

	clockMu sync.Mutex
	now     func() time.Time
	last    time.Time
}

func New(opts Options) *Hub {
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	if opts.Bus == nil {
		opts.Bus = NewLocalBus()
	}
	return &Hub{
		sessions: NewManager(),
		policy:   opts.Policy,
		bus:      opts.Bus,
		limiter:  opts.Limiter,
		now:      time.Now,
	}
}

// Start subscribes the hub to its bus. Frames are delivered only after Start.
func (h *Hub) Start(ctx context.Context) error {
	return h.bus.Subscribe(ctx, h.deliver)
}

func (h *Hub) Close() error { return h.bus.Close() }

func (h *Hub) Sessions() *Manager { return h.sessions }

// Attach subscribes sub to sid. A second connection of the same user
// replaces the first, which is closed.
func (h *Hub) Attach(sid domain.SessionID, sub Subscriber) {
	if prev := h.sessions.attach(sid, sub); prev != nil && prev != sub {
		log.Info().Str("module", "hub").Str("session", string(sid)).Str("user", string(sub.User())).Msg("replacing previous connection")
		prev.Close()
	}
}

func (h *Hub) Detach(sid domain.SessionID, sub Subscriber) {
	s, ok := h.sessions.Get(sid)
	if !ok || !s.remove(sub) {
		return
	}
	h.limiter.Forget(sub.User())
	h.sessions.pruneIfEmpty(sid)
}

// OnFrame accepts one frame read from the connection of from. The sender
// and send time are stamped by the hub, so a client can neither speak for
// someone else nor order its messages with a skewed clock.
func (h *Hub) OnFrame(ctx context.Context, sid domain.SessionID, from domain.UserID, data []byte) error {
	if !h.limiter.Allow(from) {
		return ErrRateLimited
	}
	msg, err := core.Decode(data)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	msg.SenderID = from
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.SentAt = h.stamp()
	f, err := core.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return h.bus.Publish(ctx, sid, f)
}

// stamp returns the hub time, strictly increasing across frames.
func (h *Hub) stamp() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	t := h.now().UTC()
	if !t.After(h.last) {
		t = h.last.Add(time.Microsecond)
	}
	h.last = t
	return t
}

type route struct {
	SenderID domain.UserID `json:"senderId"`
	TargetID domain.UserID `json:"targetId"`
}

func (h *Hub) deliver(sid domain.SessionID, f core.Frame) {
	s, ok := h.sessions.Get(sid)
	if !ok {
		return
	}
	var r route
	if err := json.Unmarshal(f, &r); err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("bad frame on bus")
		return
	}

	res := s.deliver(r.SenderID, r.TargetID, f)
	for _, slow := range res.Dropped {
		switch h.policy.OnBackPressure(s, slow.User()) {
		case KickMember:
			log.Warn().Str("module", "hub").Str("session", string(sid)).Str("user", string(slow.User())).Msg("kicking slow subscriber")
			slow.Close()
			h.Detach(sid, slow)
		case MarkSlow:
			strikes := s.markSlow(slow.User())
			log.Warn().Str("module", "hub").Str("session", string(sid)).Str("user", string(slow.User())).Int("strikes", strikes).Msg("slow subscriber, frame dropped")
		case DropFrame:
			log.Debug().Str("module", "hub").Str("session", string(sid)).Str("user", string(slow.User())).Msg("frame dropped for slow subscriber")
		}
	}
}

// Evict closes every local subscriber of sid and forgets the session.
func (h *Hub) Evict(sid domain.SessionID) int {
	s, ok := h.sessions.Stop(sid)
	if !ok {
		return 0
	}
	subs := s.drain()
	for _, sub := range subs {
		sub.Close()
		h.limiter.Forget(sub.User())
	}
	log.Info().Str("module", "hub").Str("session", string(sid)).Int("evicted", len(subs)).Msg("session evicted")
	return len(subs)
}
