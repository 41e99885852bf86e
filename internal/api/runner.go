package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/domain"
	v1 "github.com/agentmesh/coordinator/pkg/api/v1"
)

// RegisterRunner handles POST /runner/register.
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req v1.RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	reg, err := h.registry.Register(c.Request.Context(), req.Hostname, req.ProjectDir, req.ExecutorProfile, req.Capabilities)
	if err != nil {
		writeError(c, err)
		return
	}

	for _, cbp := range req.ContributedBlueprints {
		bp := &domain.Blueprint{
			Name:             cbp.Name,
			Description:      cbp.Description,
			Type:             cbp.Type,
			SystemPrompt:     cbp.SystemPrompt,
			ParametersSchema: cbp.ParametersSchema,
			OutputSchema:     cbp.OutputSchema,
			MCPServers:       cbp.MCPServers,
			Demands:          cbp.Demands,
			Hooks:            cbp.Hooks,
			Status:           domain.BlueprintActive,
			Command:          cbp.Command,
		}
		if err := h.blueprints.UpsertRunnerOwned(c.Request.Context(), reg.RunnerID, bp); err != nil {
			h.log.Error("failed to upsert contributed blueprint",
				zap.String("runner_id", reg.RunnerID), zap.String("blueprint", cbp.Name), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, v1.RegisterRunnerResponse{
		RunnerID:                 reg.RunnerID,
		PollTimeoutSeconds:       int(h.pollTimeout.Seconds()),
		HeartbeatIntervalSeconds: int(h.heartbeatInterval.Seconds()),
	})
}

// DeregisterSelf handles POST /runner/deregister: the runner-initiated
// clean shutdown path of spec.md §4.3, removing the registration and any
// blueprints it contributed.
func (h *Handler) DeregisterSelf(c *gin.Context) {
	var req v1.DeregisterSelfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	if err := h.registry.DeregisterSelf(c.Request.Context(), req.RunnerID); err != nil {
		writeError(c, err)
		return
	}
	if err := h.blueprints.RemoveOwnedBy(c.Request.Context(), req.RunnerID); err != nil {
		h.log.Error("failed to remove blueprints owned by deregistered runner",
			zap.String("runner_id", req.RunnerID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Heartbeat handles POST /runner/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	marked, err := h.registry.Heartbeat(c.Request.Context(), req.RunnerID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_for_deregistration": marked})
}

// GetWork handles GET /runner/runs, the long-poll dispatch endpoint.
func (h *Handler) GetWork(c *gin.Context) {
	runnerID := c.Query("runner_id")
	if runnerID == "" {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "runner_id is required"})
		return
	}

	run, deregistered, stopRunIDs, err := h.queue.GetWork(c.Request.Context(), runnerID, h.pollTimeout)
	if err != nil {
		writeError(c, err)
		return
	}

	switch {
	case deregistered:
		c.JSON(http.StatusOK, v1.GetWorkResponse{Deregistered: true})
	case len(stopRunIDs) > 0:
		c.JSON(http.StatusOK, v1.GetWorkResponse{StopRuns: stopRunIDs})
	case run != nil:
		c.JSON(http.StatusOK, v1.GetWorkResponse{Run: run})
	default:
		c.Status(http.StatusNoContent)
	}
}

// RunnerStarted handles POST /runner/runs/{id}/started.
func (h *Handler) RunnerStarted(c *gin.Context) {
	if err := h.sessions.Started(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RunnerCompleted handles POST /runner/runs/{id}/completed.
func (h *Handler) RunnerCompleted(c *gin.Context) {
	var req v1.CompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := h.sessions.Completed(c.Request.Context(), c.Param("id"), req.ResultText, req.ResultData); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RunnerFailed handles POST /runner/runs/{id}/failed.
func (h *Handler) RunnerFailed(c *gin.Context) {
	var req v1.FailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := h.sessions.Failed(c.Request.Context(), c.Param("id"), req.Error); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RunnerStopped handles POST /runner/runs/{id}/stopped.
func (h *Handler) RunnerStopped(c *gin.Context) {
	var req v1.StoppedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = v1.StoppedRequest{}
	}
	if err := h.sessions.Stopped(c.Request.Context(), c.Param("id"), req.Signal); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListRunners handles GET /runners.
func (h *Handler) ListRunners(c *gin.Context) {
	regs, err := h.registry.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	now := time.Now()
	out := make([]v1.RunnerWithLiveness, len(regs))
	for i, reg := range regs {
		out[i] = v1.RunnerWithLiveness{RunnerRegistration: reg, Liveness: h.registry.Liveness(reg, now)}
	}
	c.JSON(http.StatusOK, v1.RunnersResponse{Runners: out})
}

// DeregisterRunner handles DELETE /runners/{id}.
func (h *Handler) DeregisterRunner(c *gin.Context) {
	runnerID := c.Param("id")
	if _, err := h.registry.RequireOnline(c.Request.Context(), runnerID); err != nil {
		writeError(c, err)
		return
	}
	if err := h.registry.MarkForDeregistration(c.Request.Context(), runnerID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
