package http

import (
	"context"
	"os"

	"github.com/dkeye/agentvoice/internal/adapters/signal"
	"github.com/dkeye/agentvoice/internal/app/orch"
	"github.com/dkeye/agentvoice/internal/auth"
	"github.com/dkeye/agentvoice/internal/config"
	"github.com/dkeye/agentvoice/internal/ratelimit"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const sessionName = "AgentVoiceSessions"

// Deps is everything the router wires into handlers. Limiter may be nil.
type Deps struct {
	Cfg     *config.Config
	Orch    *orch.Orchestrator
	Auth    *auth.Authenticator
	Limiter *ratelimit.Limiter
	Signal  *signal.SignalWSController
}

type api struct {
	Deps
}

func SetupRouter(ctx context.Context, d Deps) *gin.Engine {
	if d.Cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if d.Cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(d.Cfg.Secret))
	store.Options(sessions.Options{Path: "/api/auth", MaxAge: int(auth.RefreshTTL.Seconds()), HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))

	if d.Cfg.StaticPath != "" {
		if st, err := os.Stat(d.Cfg.StaticPath); err == nil && st.IsDir() {
			r.Static("/static", d.Cfg.StaticPath)
			r.GET("/", func(c *gin.Context) {
				c.File(d.Cfg.StaticPath + "/index.html")
			})
		}
	}

	h := &api{Deps: d}
	limits := d.Cfg.RateLimits
	byIP := func(c *gin.Context) string { return "ip:" + c.ClientIP() }
	byAgent := func(c *gin.Context) string { return "agent:" + c.GetString(ctxAgent) }

	g := r.Group("/api")
	g.GET("/health", RateLimit(d.Limiter, limits.Limit(ratelimit.Health), byIP), h.health)

	authGroup := g.Group("/auth")
	authGroup.POST("/token", RateLimit(d.Limiter, limits.Limit(ratelimit.ConnectionAuth), byIP), h.issueToken)
	authGroup.POST("/refresh", RateLimit(d.Limiter, limits.Limit(ratelimit.ConnectionAuth), byIP), h.refreshToken)

	agents := g.Group("/agents")
	agents.POST("/register", RateLimit(d.Limiter, limits.Limit(ratelimit.ConnectionAuth), byIP), h.registerAgent)
	agents.GET("/me", RequireAgent(d.Auth), h.me)

	rooms := g.Group("/rooms", RequireAgent(d.Auth))
	rooms.POST("", RateLimit(d.Limiter, limits.Limit(ratelimit.RoomCreation), byAgent), h.createRoom)
	rooms.GET("", h.listRooms)
	rooms.GET("/:id", h.getRoom)
	rooms.PATCH("/:id", h.updateRoom)
	rooms.DELETE("/:id", h.deleteRoom)
	rooms.POST("/:id/participants", RateLimit(d.Limiter, limits.Limit(ratelimit.RoomJoin), byAgent), h.addParticipant)
	rooms.GET("/:id/participants", h.listParticipants)
	rooms.DELETE("/:id/participants/:pid", h.removeParticipant)
	rooms.POST("/:id/join-token", h.joinToken)

	g.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("ip", c.ClientIP()).Msg("ws signal endpoint hit")
		d.Signal.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("static", d.Cfg.StaticPath).Msg("router setup")
	return r
}
