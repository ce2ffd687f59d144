package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/classmesh/internal/app/hub"
	"github.com/dkeye/classmesh/internal/config"
	"github.com/dkeye/classmesh/internal/domain"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, h *hub.Hub) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ClassMeshSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ws := &wsController{
		hub:        h,
		readLimit:  cfg.ReadLimit,
		pingPeriod: cfg.PingPeriod,
		sendBuffer: cfg.SendBuffer,
	}

	api := r.Group("/api")
	api.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Sessions().List())
	})
	api.GET("/sessions/:id/members", func(c *gin.Context) {
		s, ok := h.Sessions().Get(domain.SessionID(c.Param("id")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": s.ID(), "createdAt": s.CreatedAt(), "members": s.Members()})
	})
	api.DELETE("/sessions/:id", func(c *gin.Context) {
		n := h.Evict(domain.SessionID(c.Param("id")))
		c.JSON(http.StatusOK, gin.H{"evicted": n})
	})
	api.GET("/sessions/:id/ws", func(c *gin.Context) {
		ws.handle(ctx, c)
	})

	return r
}

// identity picks the user for a connection: the user query parameter, else
// the client token cookie.
func identity(c *gin.Context) (domain.UserID, bool) {
	user := c.Query("user")
	if user == "" {
		user = c.GetString("client_token")
	}
	if user == "" || len(user) > domain.MaxUserIDLen {
		return "", false
	}
	sess := sessions.Default(c)
	if sess.Get("user") != user {
		sess.Set("user", user)
		if err := sess.Save(); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
		}
	}
	return domain.UserID(user), true
}
