package http

import (
	"context"
	"net/http"

	"github.com/dkeye/Mesh/internal/adapters/signal"
	"github.com/dkeye/Mesh/internal/config"
	"github.com/dkeye/Mesh/internal/core"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a per-browser token in the signed session cookie, used only for log correlation.
// It must run after sessions.Sessions.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("save client session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *signal.SignalWSController, rooms core.RoomDirectory) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("MeshSessions", store))
	r.Use(ClientTokenMiddleware())
	r.Use(OriginFilter(cfg.AllowedOrigins))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().
		Str("module", "adapters.http").
		Str("static", cfg.StaticPath).
		Bool("auth", cfg.Auth.JWTSecret != "").
		Msg("router setup")

	api := r.Group("/api")
	if cfg.Auth.JWTSecret != "" {
		api.Use(JWTAuth(cfg.Auth.JWTSecret))
	}

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.List(c.Request.Context())})
	})

	api.GET("/rooms/:id/participants", func(c *gin.Context) {
		id, err := domain.NewRoomID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ps, ok := rooms.Participants(c.Request.Context(), id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"room_id": id, "participants": ps})
	})

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	return r
}
