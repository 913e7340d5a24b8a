package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
	"github.com/vovakirdan/wirechat-sync/internal/service/chat"
	"github.com/vovakirdan/wirechat-sync/internal/store"
)

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Hub   *core.Hub
	Chats *chat.Service
	Auth  *auth.Service
	Users store.UserStore
	// Metrics is exposed on /metrics when non-nil.
	Metrics prometheus.Gatherer
}

// NewServer builds the HTTP server with REST, WebSocket and metrics routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	router.GET("/health", func(c *gin.Context) {
		c.String(stdhttp.StatusOK, "ok")
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}
	router.GET("/ws", gin.WrapH(NewWSHandler(deps.Hub, deps.Auth, cfg, logger)))

	accounts := NewAccountHandlers(deps.Auth, logger)
	userHandlers := NewUserHandlers(deps.Users, logger)
	chatHandlers := NewChatHandlers(deps.Chats, logger)

	api := router.Group("/api")
	api.POST("/register", accounts.Register)
	api.POST("/login", accounts.Login)

	users := api.Group("/users")
	chats := router.Group("/chat")
	if cfg.RequireAuth {
		users.Use(AuthMiddleware(deps.Auth, logger))
		chats.Use(AuthMiddleware(deps.Auth, logger))
	}
	users.GET("/search", userHandlers.SearchUsers)

	chats.POST("/createChat", chatHandlers.CreateChat)
	chats.GET("/getChatsByUser/:username", chatHandlers.GetChatsByUser)
	chats.GET("/:chatId", chatHandlers.GetChat)
	chats.POST("/:chatId/addMessage", chatHandlers.AddMessage)
	chats.POST("/:chatId/addParticipant", chatHandlers.AddParticipant)

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
