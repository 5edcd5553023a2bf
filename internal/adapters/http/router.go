package http

import (
	"context"
	nethttp "net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/onair/internal/adapters/signal"
	"github.com/dkeye/onair/internal/app"
	"github.com/dkeye/onair/internal/config"
)

const (
	sessionName    = "OnAirSessions"
	clientTokenKey = "ct"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every client a stable token kept in its
// session cookie. The token is the client's identity everywhere else.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

type Deps struct {
	Clients *app.Orchestrator
	Signal  *signal.SignalWSController
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	secret := cfg.Secret
	if secret == "" {
		log.Warn().Str("module", "adapters.http").Msg("no secret configured, client tokens will not survive a restart")
		secret = uuid.NewString()
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(nethttp.StatusOK, gin.H{"status": "ok"})
	})

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})

	h := &sessionHandlers{clients: deps.Clients}
	s := api.Group("/sessions")
	s.GET("", h.list)
	s.POST("", h.start)
	s.GET("/:id", h.get)
	s.DELETE("/:id", h.end)
	s.GET("/:id/sources", h.sources)
	s.GET("/:id/connections", h.connections)
	s.GET("/:id/calls", h.calls)
	s.POST("/:id/calls", h.requestCall)
	s.POST("/:id/calls/:call/:action", h.decideCall)

	return r
}
