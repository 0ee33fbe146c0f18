package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/character-chat/internal/chat"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/config"
	"github.com/suPer8Hu/character-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/character-chat/internal/httpapi/middleware"
)

// NewRouter wires the HTTP surface. Async chat routes are registered only
// when jobs is non-nil.
func NewRouter(svc *chat.Service, jobs handlers.JobPublisher, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			"Idempotency-Key", middleware.AdminTokenHeader, middleware.RequestIDHeader,
		},
		ExposeHeaders: []string{middleware.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, jobs)

	r.GET("/ping", h.Ping)

	api := r.Group("/api")

	// catalog is public; creation is admin only
	api.GET("/characters", h.ListCharacters)
	api.GET("/characters/:name", h.GetCharacter)
	api.POST("/characters", middleware.AdminRequired(cfg.AdminTokenHash), h.CreateCharacter)

	authed := api.Group("/")
	authed.Use(middleware.Identity(cfg.JWTSecret))

	authed.POST("/users", h.UpsertUser)
	authed.GET("/users/:id/conversations", h.ListUserConversations)

	authed.POST("/chat", h.SendTurn)
	authed.POST("/chat/retry", h.RetryTurn)
	if jobs != nil {
		authed.POST("/chat/async", h.SendTurnAsync)
		authed.GET("/chat/jobs/:job_id", h.GetChatJob)
	}

	authed.GET("/history", h.GetHistory)
	authed.GET("/conversations/:id", h.GetConversation)
	authed.DELETE("/conversations/:id", h.ResetConversation)

	return r
}
