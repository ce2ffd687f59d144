package core

import (
	"context"

	"github.com/dkeye/classmesh/internal/domain"
)

// Frame is a raw encoded control message.
type Frame []byte

type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelConnected
	// ChannelReconnecting is the transient state shown instead of ejecting the user.
	ChannelReconnecting
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelReconnecting:
		return "reconnecting"
	case ChannelClosed:
		return "closed"
	}
	return "unknown"
}

// Sender is the fire-and-forget half of a signaling channel.
type Sender interface {
	Send(ControlMessage) error
}

// Channel is a best-effort broadcast/receive primitive scoped to one session.
// Handlers see every message at least once, possibly stale.
type Channel interface {
	Sender
	SessionID() domain.SessionID
	OnMessage(func(ControlMessage))
	OnStateChange(func(ChannelState))
	// SetPresence registers the messages re-announced after a reconnect.
	SetPresence(func() []ControlMessage)
	// Disconnect sends a best-effort leave and closes. Safe to call twice.
	Disconnect() error
}

// ConnectFunc opens (or returns the already open) channel for a session.
type ConnectFunc func(ctx context.Context, sid domain.SessionID) (Channel, error)
