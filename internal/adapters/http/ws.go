package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/app/hub"
	"github.com/dkeye/classmesh/internal/core"
	"github.com/dkeye/classmesh/internal/domain"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber is one hub subscriber backed by a WebSocket.
type wsSubscriber struct {
	conn *websocket.Conn
	user domain.UserID
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ hub.Subscriber = (*wsSubscriber)(nil)

func (s *wsSubscriber) User() domain.UserID { return s.user }

func (s *wsSubscriber) TrySend(f core.Frame) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.ErrClosed
	}
	select {
	case s.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (s *wsSubscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	_ = s.conn.Close()
	s.mu.Unlock()
}

type wsController struct {
	hub        *hub.Hub
	readLimit  int64
	pingPeriod time.Duration
	sendBuffer int
}

func (ctl *wsController) handle(ctx context.Context, c *gin.Context) {
	sid := domain.SessionID(c.Param("id"))
	user, ok := identity(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid user"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("session", string(sid)).Str("user", string(user)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}

	sub := &wsSubscriber{
		conn: ws,
		user: user,
		send: make(chan core.Frame, ctl.sendBuffer),
	}
	ctl.hub.Attach(sid, sub)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, sub)
	go func() {
		defer cancel()
		ctl.readPump(ctx, sid, sub)
	}()
}

func (ctl *wsController) writePump(ctx context.Context, s *wsSubscriber) {
	var ping <-chan time.Time
	if ctl.pingPeriod > 0 {
		ticker := time.NewTicker(ctl.pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Str("user", string(s.user)).Msg("writePump ping")
				s.Close()
				return
			}
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				s.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				s.Close()
				return
			}
		}
	}
}

func (ctl *wsController) readPump(ctx context.Context, sid domain.SessionID, s *wsSubscriber) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("session", string(sid)).Str("user", string(s.user)).Msg("readPump closing")
		ctl.hub.Detach(sid, s)
		s.Close()
	}()

	if ctl.readLimit > 0 {
		s.conn.SetReadLimit(ctl.readLimit)
	}
	pongWait := 2 * ctl.pingPeriod
	extend := func() {
		if ctl.pingPeriod > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}
	extend()
	s.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "adapters.http").Str("session", string(sid)).Msg("readPump read error")
			}
			return
		}
		extend()
		if err := ctl.hub.OnFrame(ctx, sid, s.user, data); err != nil {
			if errors.Is(err, hub.ErrRateLimited) {
				log.Warn().Str("module", "adapters.http").Str("user", string(s.user)).Msg("rate limited")
				continue
			}
			log.Warn().Err(err).Str("module", "adapters.http").Str("user", string(s.user)).Msg("frame rejected")
		}
	}
}
