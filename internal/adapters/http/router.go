package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/confer/internal/adapters/signal"
	"github.com/dkeye/confer/internal/app/orch"
	"github.com/dkeye/confer/internal/config"
	"github.com/dkeye/confer/internal/domain"
)

const adminKeyHeader = "X-Admin-Key"

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

// AdminKeyMiddleware rejects requests without the configured admin key. An
// empty key disables the guarded routes.
func AdminKeyMiddleware(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(adminKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
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
	r.Use(sessions.Sessions("ConferSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(o, cfg)
	if ctrl.Limiter != nil {
		go sweepLimiter(ctx, ctrl.Limiter, cfg.Rooms.JoinRateInterval)
	}
	h := &handlers{orch: o}

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})
	api.POST("/profile", h.updateProfile)
	api.GET("/rooms", h.listRooms)
	api.GET("/rooms/:id/members", h.listMembers)

	admin := api.Group("/rooms/:id", AdminKeyMiddleware(cfg.AdminKey))
	admin.DELETE("/members/:pid", h.kick)
	admin.PUT("/bans/:pid", h.setBan(true))
	admin.DELETE("/bans/:pid", h.setBan(false))
	admin.PUT("/mutes/:pid", h.setMute(true))
	admin.DELETE("/mutes/:pid", h.setMute(false))

	return r
}

func sweepLimiter(ctx context.Context, l *signal.RoomRateLimiter, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

type handlers struct {
	orch *orch.Orchestrator
}

type ProfileRequest struct {
	DisplayName string `json:"displayName" binding:"required,max=36"`
	Avatar      string `json:"avatar" binding:"omitempty,max=512"`
}

// updateProfile stores the profile in the cookie session, read on the next
// connect, and applies it to a live connection.
func (h *handlers) updateProfile(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session := sessions.Default(c)
	session.Set(signal.SessionDisplayName, req.DisplayName)
	session.Set(signal.SessionAvatar, req.Avatar)
	if err := session.Save(); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("save session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session"})
		return
	}

	id := domain.ParticipantID(c.GetString("client_token"))
	if p, err := h.orch.Registry.UpdateProfile(id, req.DisplayName, req.Avatar); err == nil {
		c.JSON(http.StatusOK, p)
		return
	}
	c.JSON(http.StatusOK, gin.H{"displayName": req.DisplayName, "avatar": req.Avatar})
}

func (h *handlers) listRooms(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Rooms())
}

func (h *handlers) listMembers(c *gin.Context) {
	members, ok := h.orch.Members(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, members)
}

func (h *handlers) kick(c *gin.Context) {
	room := domain.RoomID(c.Param("id"))
	id := domain.ParticipantID(c.Param("pid"))
	if !h.orch.KickFromRoom(c.Request.Context(), room, id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not in room"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) setBan(banned bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.orch.Ban(c.Request.Context(), domain.RoomID(c.Param("id")), domain.ParticipantID(c.Param("pid")), banned)
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) setMute(muted bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.orch.Mute(domain.RoomID(c.Param("id")), domain.ParticipantID(c.Param("pid")), muted)
		c.Status(http.StatusNoContent)
	}
}
