package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentmesh/coordinator/internal/common/httpmw"
	"github.com/agentmesh/coordinator/internal/common/logger"
)

// NewRouter builds the gin engine for the Coordinator's HTTP surface
// (spec.md §6), wiring every handler to its route and attaching the
// shared request-logging, tracing, and CORS middleware.
func NewRouter(h *Handler, log *logger.Logger, corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmw.RequestLogger(log, "coordinator"))
	r.Use(httpmw.OtelTracing("coordinator"))
	r.Use(corsMiddleware(corsOrigins))

	r.GET("/health", h.Health)
	r.GET("/stream/sessions", h.StreamSessions)

	sessions := r.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.DELETE("/:id", h.DeleteSession)
		sessions.GET("/:id/events", h.GetSessionEvents)
		sessions.GET("/:id/result", h.GetSessionResult)
		sessions.POST("/:id/stop", h.StopSession)
	}

	runs := r.Group("/runs")
	{
		runs.POST("", h.CreateRun)
		runs.GET("/:id", h.GetRun)
		runs.POST("/:id/stop", h.StopRun)
	}

	agents := r.Group("/agents")
	{
		agents.GET("", h.ListBlueprints)
		agents.POST("", h.CreateBlueprint)
		agents.GET("/:name", h.GetBlueprint)
		agents.PATCH("/:name", h.UpdateBlueprint)
		agents.DELETE("/:name", h.DeleteBlueprint)
	}

	r.GET("/runners", h.ListRunners)
	r.DELETE("/runners/:id", h.DeregisterRunner)

	runner := r.Group("/runner")
	{
		runner.POST("/register", h.RegisterRunner)
		runner.POST("/deregister", h.DeregisterSelf)
		runner.POST("/heartbeat", h.Heartbeat)
		runner.GET("/runs", h.GetWork)
		runner.POST("/runs/:id/started", h.RunnerStarted)
		runner.POST("/runs/:id/completed", h.RunnerCompleted)
		runner.POST("/runs/:id/failed", h.RunnerFailed)
		runner.POST("/runs/:id/stopped", h.RunnerStopped)
	}

	return r
}
