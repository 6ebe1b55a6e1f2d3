package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/t3chn0func/webio/internal/gateway"
	"github.com/t3chn0func/webio/internal/httpapi"
	"github.com/t3chn0func/webio/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, gw *gateway.Gateway, db *sql.DB, authMW gin.HandlerFunc) {
	// public
	r.GET("/api/health", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		h.Health(c)
	})
	r.GET("/api/version", h.VersionInfo)
	r.GET("/api/call-statistics", h.CallStatistics)

	// The browser WebSocket API cannot set an Authorization header, so the
	// per-call channel stays public; call ids are unguessable uuids.
	r.GET("/api/v1/ws/calls/:callId/:provider", httpapi.WSHandler(gw))

	// Credential-less dev login; the handler refuses to serve in production.
	r.POST("/api/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/api/v1")
	v1.Use(authMW)
	{
		calls := v1.Group("/calls")
		{
			calls.POST("", h.CreateCall)
			calls.GET("", h.ListCalls)
			calls.GET("/:callId", h.GetCall)
			calls.POST("/:callId/actions", h.PostAction)
		}

		logs := v1.Group("/call-logs")
		{
			logs.GET("", h.ListCallLogs)
			logs.GET("/:callId", h.GetCallLog)
		}
	}
}
