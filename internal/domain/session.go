package domain

import "time"

type SessionID string

// ClassSession is the video room. It is a key, not a stored record: it comes
// into existence when the first participant joins.
type ClassSession struct {
	ID        SessionID `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewClassSession(id SessionID) *ClassSession {
	return &ClassSession{ID: id, CreatedAt: time.Now()}
}
