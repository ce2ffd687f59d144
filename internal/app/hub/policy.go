package hub

import "github.com/dkeye/classmesh/internal/domain"

type BackpressureAction int

const (
	// DropFrame loses the frame and keeps the subscriber as is.
	DropFrame BackpressureAction = iota
	// MarkSlow loses the frame and records a strike against the subscriber.
	// Any frame it accepts afterwards clears its strikes.
	MarkSlow
	KickMember
)

// Policy decides what happens to a subscriber whose send queue is full.
type Policy interface {
	OnBackPressure(session *Session, user domain.UserID) BackpressureAction
}

// SimplePolicy kicks slow subscribers. They reconnect and re-announce.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Session, domain.UserID) BackpressureAction {
	return KickMember
}

// StrikePolicy tolerates short bursts: a subscriber is marked slow on each
// dropped frame and kicked once Limit frames in a row were dropped.
type StrikePolicy struct {
	Limit int
}

func (p StrikePolicy) OnBackPressure(s *Session, user domain.UserID) BackpressureAction {
	if s.Strikes(user)+1 >= p.Limit {
		return KickMember
	}
	return MarkSlow
}

// NewPolicy returns SimplePolicy unless more than one strike is allowed.
func NewPolicy(strikes int) Policy {
	if strikes <= 1 {
		return SimplePolicy{}
	}
	return StrikePolicy{Limit: strikes}
}
