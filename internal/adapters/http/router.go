package http

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Huddle/internal/adapters/signal"
	"github.com/dkeye/Huddle/internal/app/orch"
	"github.com/dkeye/Huddle/internal/config"
	"github.com/dkeye/Huddle/internal/domain"
)

const SignalPath = "/api/ws/signal"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

const (
	sessionName     = "HuddleSessions"
	clientTokenKey  = "client_token"
	clientTokenLife = 3600 * 24 * 7
)

// ClientTokenMiddleware gives every browser a stable token kept in its
// cookie session. It outlives individual signaling connections.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("save client session")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

// SignalLimits maps the signal config onto the controller's limits,
// falling back to defaults for unset values.
func SignalLimits(sc config.SignalConfig) signal.Limits {
	l := signal.DefaultLimits()
	if sc.MessagesPerSecond > 0 {
		l.MessagesPerSecond = sc.MessagesPerSecond
	}
	if sc.MessageBurst > 0 {
		l.MessageBurst = sc.MessageBurst
	}
	if sc.JoinsPerMinute > 0 {
		l.JoinsPerMinute = sc.JoinsPerMinute
	}
	if sc.ReadLimit > 0 {
		l.MaxMessageBytes = sc.ReadLimit
	}
	if sc.SendBuffer > 0 {
		l.SendBuffer = sc.SendBuffer
	}
	return l
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
	store.Options(sessions.Options{Path: "/", MaxAge: clientTokenLife, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionName, store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": o.NodeID})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	ctrl := signal.NewSignalWSController(o, SignalLimits(cfg.Signal))
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("sid", c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	rooms := roomsHandler{orch: o}
	api.GET("/rooms", rooms.list)
	api.GET("/rooms/:id", rooms.get)
	api.DELETE("/rooms/:id", rooms.close)

	return r
}

// Handler wraps the engine with CORS. Without configured origins every
// origin is allowed and credentials are not; credentials are only allowed
// for an explicit origin list.
func Handler(cfg *config.Config, r *gin.Engine) http.Handler {
	origins := cfg.CORS.AllowedOrigins
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return cors.Default().Handler(r)
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(r)
}

type roomsHandler struct {
	orch *orch.Orchestrator
}

func (h roomsHandler) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.orch.Rooms.List()})
}

func (h roomsHandler) roomID(c *gin.Context) (domain.RoomID, bool) {
	id, err := domain.ParseRoomID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room"})
		return "", false
	}
	return id, true
}

func (h roomsHandler) get(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	snap, ok := h.orch.Rooms.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":           snap.ID,
		"creator":      snap.CreatorID,
		"participants": snap.Participants,
		"streams":      h.orch.Fanout.Streams(id),
		"edges":        h.orch.Fanout.Edges(id),
	})
}

func (h roomsHandler) close(c *gin.Context) {
	id, ok := h.roomID(c)
	if !ok {
		return
	}
	if _, ok := h.orch.Rooms.Room(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		return
	}
	log.Info().Str("module", "adapters.http").Str("room", string(id)).Msg("closing room on request")
	h.orch.EvictRoom(id)
	c.Status(http.StatusNoContent)
}
