package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

// Subscriber is one WebSocket attached to a session on this node.
type Subscriber interface {
	User() domain.UserID
	TrySend(core.Frame) error
	Close()
}

// Session is the threadsafe set of local subscribers of one class session.
// It never closes subscribers on its own; the hub does.
type Session struct {
	info domain.ClassSession

	mu     sync.RWMutex
	byUser map[domain.UserID]Subscriber

	// strikes counts frames dropped in a row per slow subscriber.
	slowMu  sync.Mutex
	strikes map[domain.UserID]int
}

func newSession(id domain.SessionID) *Session {
	return &Session{
		info:    *domain.NewClassSession(id),
		byUser:  make(map[domain.UserID]Subscriber),
		strikes: make(map[domain.UserID]int),
	}
}

// Strikes is the number of frames dropped in a row for user.
func (s *Session) Strikes(user domain.UserID) int {
	s.slowMu.Lock()
	defer s.slowMu.Unlock()
	return s.strikes[user]
}

func (s *Session) markSlow(user domain.UserID) int {
	s.slowMu.Lock()
	defer s.slowMu.Unlock()
	s.strikes[user]++
	return s.strikes[user]
}

func (s *Session) clearSlow(user domain.UserID) {
	s.slowMu.Lock()
	delete(s.strikes, user)
	s.slowMu.Unlock()
}

func (s *Session) ID() domain.SessionID { return s.info.ID }
func (s *Session) CreatedAt() time.Time { return s.info.CreatedAt }

func (s *Session) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser)
}

// add registers sub and returns the subscriber it replaced, if any.
func (s *Session) add(sub Subscriber) Subscriber {
	u := sub.User()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.byUser[u]
	s.byUser[u] = sub
	s.clearSlow(u)
	log.Info().Str("module", "hub").Str("session", string(s.info.ID)).Str("user", string(u)).Msg("subscriber added")
	return prev
}

// remove unregisters sub unless it was already replaced.
func (s *Session) remove(sub Subscriber) bool {
	u := sub.User()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byUser[u] != sub {
		return false
	}
	delete(s.byUser, u)
	s.clearSlow(u)
	log.Info().Str("module", "hub").Str("session", string(s.info.ID)).Str("user", string(u)).Msg("subscriber removed")
	return true
}

func (s *Session) subscriber(u domain.UserID) (Subscriber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byUser[u]
	return sub, ok
}

type PublishResult struct {
	SentTo  int
	Dropped []Subscriber
}

// deliver hands f to every subscriber except from, or only to target when set.
func (s *Session) deliver(from, target domain.UserID, f core.Frame) PublishResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := PublishResult{}
	for u, sub := range s.byUser {
		if u == from || (target != "" && u != target) {
			continue
		}
		if err := sub.TrySend(f); err != nil {
			res.Dropped = append(res.Dropped, sub)
			continue
		}
		s.clearSlow(u)
		res.SentTo++
	}
	log.Debug().Str("module", "hub").Str("from", string(from)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("deliver result")
	return res
}

// Members lists the users attached on this node, sorted.
func (s *Session) Members() []domain.UserID {
	s.mu.RLock()
	out := lo.Keys(s.byUser)
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Session) drain() []Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := lo.Values(s.byUser)
	s.byUser = make(map[domain.UserID]Subscriber)
	return out
}
