package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/agentmesh/coordinator/pkg/api/v1"
)

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{Status: "ok"})
}
