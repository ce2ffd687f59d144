package domain

import (
	"fmt"
	"time"
)

type Role string

const (
	RoleHost        Role = "host"
	RoleCoHost      Role = "co-host"
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleCoHost, RoleParticipant:
		return true
	}
	return false
}

// CanModerate reports whether the role may issue moderation and recording controls.
func (r Role) CanModerate() bool {
	return r == RoleHost || r == RoleCoHost
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

type ConnectionState string

const (
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// MediaFlags are the per-participant UI flags carried by state-update messages.
type MediaFlags struct {
	IsMuted         bool `json:"isMuted"`
	IsVideoOff      bool `json:"isVideoOff"`
	IsHandRaised    bool `json:"isHandRaised"`
	IsScreenSharing bool `json:"isScreenSharing"`
}

// Participant is one occupant of a class session as seen by the local roster.
type Participant struct {
	UserID          UserID          `json:"userId"`
	DisplayName     string          `json:"displayName"`
	Role            Role            `json:"role"`
	ConnectionState ConnectionState `json:"connectionState"`
	JoinedAt        time.Time       `json:"joinedAt"`
	MediaFlags
}

// ShowVideo reports whether the participant's tile should render live media.
func (p Participant) ShowVideo() bool {
	return p.ConnectionState == ConnectionConnected && !p.IsVideoOff
}
