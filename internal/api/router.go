package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes wires the session REST endpoints onto router, which should
// be the "/api" group. Health is registered separately at the engine root
// by the caller since it is not namespaced under /api.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("", handler.ListSessions)
		sessions.GET("/:id", handler.GetSession)
		sessions.POST("/:id/activate", handler.ActivateSession)
		sessions.POST("/:id/archive", handler.ArchiveSession)
		sessions.DELETE("/:id", handler.DeleteSession)
		sessions.GET("/:id/events", handler.GetEvents)
		sessions.GET("/:id/logs", handler.GetSessionLogs)
	}
}
