package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/domain"
	v1 "github.com/agentmesh/coordinator/pkg/api/v1"
)

// ListBlueprints handles GET /agents. Runner-owned blueprints whose owning
// runner is currently offline are hidden from the result but not deleted
// from the store (spec.md §4.3): the owner's next registration revives
// them without the caller ever having lost them.
func (h *Handler) ListBlueprints(c *gin.Context) {
	all := h.blueprints.List(c.Request.Context())
	now := time.Now()
	out := make([]*domain.Blueprint, 0, len(all))
	for _, bp := range all {
		if bp.RunnerOwned && bp.OwnerRunnerID != nil {
			if reg, err := h.registry.Get(c.Request.Context(), *bp.OwnerRunnerID); err == nil {
				if h.registry.Liveness(reg, now) == domain.LivenessOffline {
					continue
				}
			}
		}
		out = append(out, bp)
	}
	c.JSON(http.StatusOK, v1.BlueprintsResponse{Agents: out})
}

// CreateBlueprint handles POST /agents.
func (h *Handler) CreateBlueprint(c *gin.Context) {
	var req v1.CreateBlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	if _, err := h.blueprints.Get(c.Request.Context(), req.Name); err == nil {
		writeError(c, apierr.Conflict("blueprint %q already exists", req.Name))
		return
	}

	bp := &domain.Blueprint{
		Name:             req.Name,
		Description:      req.Description,
		Type:             req.Type,
		SystemPrompt:     req.SystemPrompt,
		ParametersSchema: req.ParametersSchema,
		OutputSchema:     req.OutputSchema,
		MCPServers:       req.MCPServers,
		Demands:          req.Demands,
		Hooks:            req.Hooks,
		Status:           domain.BlueprintActive,
		Command:          req.Command,
	}
	if err := h.blueprints.Create(c.Request.Context(), bp); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bp)
}

// GetBlueprint handles GET /agents/{name}.
func (h *Handler) GetBlueprint(c *gin.Context) {
	bp, err := h.blueprints.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

// UpdateBlueprint handles PATCH /agents/{name}.
func (h *Handler) UpdateBlueprint(c *gin.Context) {
	var req v1.UpdateBlueprintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, v1.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	name := c.Param("name")
	err := h.blueprints.Update(c.Request.Context(), name, func(bp *domain.Blueprint) {
		if req.Description != nil {
			bp.Description = *req.Description
		}
		if req.SystemPrompt != nil {
			bp.SystemPrompt = *req.SystemPrompt
		}
		if req.ParametersSchema != nil {
			bp.ParametersSchema = req.ParametersSchema
		}
		if req.OutputSchema != nil {
			bp.OutputSchema = req.OutputSchema
		}
		if req.MCPServers != nil {
			bp.MCPServers = req.MCPServers
		}
		if req.Demands != nil {
			bp.Demands = *req.Demands
		}
		if req.Hooks != nil {
			bp.Hooks = req.Hooks
		}
		if req.Command != nil {
			bp.Command = *req.Command
		}
		if req.Status != nil {
			bp.Status = *req.Status
		}
	})
	if err != nil {
		writeError(c, err)
		return
	}

	bp, err := h.blueprints.Get(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}

// DeleteBlueprint handles DELETE /agents/{name}.
func (h *Handler) DeleteBlueprint(c *gin.Context) {
	alreadyAbsent, err := h.blueprints.Delete(c.Request.Context(), c.Param("name"))
	if err != nil {
		writeError(c, err)
		return
	}
	if alreadyAbsent {
		c.JSON(http.StatusOK, v1.AlreadyAbsentResponse{AlreadyAbsent: true})
		return
	}
	c.Status(http.StatusNoContent)
}
