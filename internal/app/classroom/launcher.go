package classroom

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/domain"
)

// Launcher is the boundary with the primary SFU video path: when that path
// gives up, it asks for the mesh once.
type Launcher struct {
	Classroom *Classroom
	Session   domain.SessionID

	mu      sync.Mutex
	started bool
}

// OnFallbackRequested joins the mesh classroom. Repeated requests after a
// successful start are no-ops; a failed start may be retried.
func (l *Launcher) OnFallbackRequested(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	log.Info().Str("module", "classroom").Str("session", string(l.Session)).Msg("fallback to mesh requested")
	if err := l.Classroom.JoinClass(ctx, l.Session); err != nil {
		return err
	}
	l.started = true
	return nil
}

func (l *Launcher) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}
