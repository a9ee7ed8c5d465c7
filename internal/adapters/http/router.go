package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicerooms/internal/adapters/signal"
	"github.com/dkeye/voicerooms/internal/app/orch"
	"github.com/dkeye/voicerooms/internal/config"
	"github.com/dkeye/voicerooms/internal/core"
	"github.com/dkeye/voicerooms/internal/domain"
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

type reasonRequest struct {
	Reason string `json:"reason"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(o, signal.Options{
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		JoinRate:   cfg.Voice.JoinRate,
		JoinBurst:  cfg.Voice.JoinBurst,
	})

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.POST("/channels/:id", func(c *gin.Context) {
		channelID, err := domain.ParseChannelID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		room := o.ChannelCreated(channelID)
		c.JSON(http.StatusCreated, core.RoomInfo{ChannelID: room.ChannelID(), MemberCount: room.MemberCount()})
	})

	api.DELETE("/channels/:id", func(c *gin.Context) {
		channelID, err := domain.ParseChannelID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := o.ChannelDeleted(c.Request.Context(), channelID); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, o.Rooms.List())
	})

	api.GET("/rooms/:id", func(c *gin.Context) {
		room, ok := o.Rooms.Find(domain.ChannelID(c.Param("id")))
		if !ok {
			writeError(c, core.ErrRoomNotFound)
			return
		}
		c.JSON(http.StatusOK, room.Snapshot())
	})

	api.GET("/rooms/:id/members/:uid/stats", func(c *gin.Context) {
		room, ok := o.Rooms.Find(domain.ChannelID(c.Param("id")))
		if !ok {
			writeError(c, core.ErrRoomNotFound)
			return
		}
		uid := domain.UserID(c.Param("uid"))
		if _, ok := room.Session(uid); !ok {
			writeError(c, core.ErrSessionNotFound)
			return
		}
		d, err := o.UserStats(uid)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	})

	api.POST("/users/:uid/kick", func(c *gin.Context) {
		var req reasonRequest
		_ = c.ShouldBindJSON(&req)
		n := o.Kick(c.Request.Context(), domain.UserID(c.Param("uid")), req.Reason)
		c.JSON(http.StatusOK, gin.H{"sessions": n})
	})

	api.POST("/users/:uid/ban", func(c *gin.Context) {
		var req reasonRequest
		_ = c.ShouldBindJSON(&req)
		n := o.Ban(c.Request.Context(), domain.UserID(c.Param("uid")), req.Reason)
		c.JSON(http.StatusOK, gin.H{"sessions": n})
	})

	return r
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, core.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrStateViolation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrEngineFailure):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"code": core.Code(err), "error": err.Error()})
}
