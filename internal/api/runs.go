package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/coordinator/internal/queue"
	v1 "github.com/agentmesh/coordinator/pkg/api/v1"
)

// CreateRun handles POST /runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req v1.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	run, err := h.queue.CreateRun(c.Request.Context(), queue.CreateRunRequest{
		Type:            req.Type,
		SessionID:       req.SessionID,
		ParentSessionID: req.ParentSessionID,
		AgentName:       req.AgentName,
		Parameters:      req.Parameters,
		Scope:           req.Scope,
		ExecutionMode:   req.ExecutionMode,
		CallerDemands:   req.Demands,
		ProjectDir:      req.ProjectDir,
		Hostname:        req.Hostname,
		ExecutorProfile: req.ExecutorProfile,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, v1.CreateRunResponse{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		Status:    run.Status,
	})
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.db.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// StopRun handles POST /runs/{id}/stop.
func (h *Handler) StopRun(c *gin.Context) {
	runID := c.Param("id")
	if err := h.queue.StopRun(c.Request.Context(), runID); err != nil {
		writeError(c, err)
		return
	}
	run, err := h.db.GetRun(c.Request.Context(), runID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": run.RunID, "status": run.Status})
}
