package core

import "errors"

var (
	// ErrChannelUnavailable means the signaling transport could not be reached
	// after bounded retries. The session cannot start without it.
	ErrChannelUnavailable = errors.New("signaling channel unavailable")
	// ErrMediaPermissionDenied means a local capture device was refused.
	// Recoverable by retrying or joining view-only.
	ErrMediaPermissionDenied = errors.New("media permission denied")
	// ErrMediaTimeout means a device acquisition did not answer in time.
	ErrMediaTimeout = errors.New("media acquisition timed out")

	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrNegotiationFailed  = errors.New("negotiation failed")

	// ErrRollbackUnsupported means a local offer cannot be withdrawn without
	// dropping the connection's established transport.
	ErrRollbackUnsupported = errors.New("rollback unsupported on a paired connection")

	// ErrUnauthorizedModeration is returned for moderation or recording
	// controls whose sender's tracked role does not permit them.
	ErrUnauthorizedModeration = errors.New("unauthorized moderation action")
	// ErrNotPermitted is the local call-site role check failure.
	ErrNotPermitted = errors.New("action not permitted for local role")

	// ErrDuplicateJoin and ErrStaleStateUpdate are informational: the message
	// was an idempotent no-op. Callers log them and carry on.
	ErrDuplicateJoin    = errors.New("duplicate join")
	ErrStaleStateUpdate = errors.New("stale state update")
	ErrStaleMessage     = errors.New("stale message")
	ErrUnknownSender    = errors.New("unknown sender")

	ErrUnknownMessageType = errors.New("unknown message type")
	ErrEmptyPayload       = errors.New("empty payload")
	ErrClosed             = errors.New("closed")
	ErrBackpressure       = errors.New("backpressure")
)
