package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/domain"
	v1 "github.com/agentmesh/coordinator/pkg/api/v1"
)

// ListSessions handles GET /sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.db.ListSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.SessionsResponse{Sessions: sessions})
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.db.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(c *gin.Context) {
	alreadyAbsent, err := h.db.DeleteSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if alreadyAbsent {
		c.JSON(http.StatusOK, v1.AlreadyAbsentResponse{AlreadyAbsent: true})
		return
	}
	h.bus.Publish(bufferedSessionDeleted(c.Param("id")))
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// GetSessionEvents handles GET /sessions/{id}/events.
func (h *Handler) GetSessionEvents(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.db.GetSession(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	events, err := h.db.ListEvents(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.EventsResponse{Events: events})
}

// GetSessionResult handles GET /sessions/{id}/result.
func (h *Handler) GetSessionResult(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.db.GetSession(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}
	ev, err := h.sessions.Result(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	result, resultData := decodeResultPayload(ev.Payload)
	c.JSON(http.StatusOK, v1.ResultResponse{Result: result, ResultData: resultData})
}

// StopSession handles POST /sessions/{id}/stop: a convenience that stops
// the session's current non-terminal run.
func (h *Handler) StopSession(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := h.db.GetSession(c.Request.Context(), sessionID); err != nil {
		writeError(c, err)
		return
	}

	runs, err := h.db.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		writeError(c, err)
		return
	}

	var active *domain.Run
	for _, run := range runs {
		if !run.IsTerminal() {
			active = run
			break
		}
	}
	if active == nil {
		writeError(c, apierr.Conflict("session %q has no active run to stop", sessionID))
		return
	}

	if err := h.queue.StopRun(c.Request.Context(), active.RunID); err != nil {
		writeError(c, err)
		return
	}
	updated, err := h.db.GetRun(c.Request.Context(), active.RunID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": updated.RunID, "status": updated.Status})
}

// decodeResultPayload splits a result event's payload (written by
// sessioncontroller.Completed as {"result_text":..., "result_data":...})
// back into its two wire fields.
func decodeResultPayload(payload domain.JSONValue) (*string, domain.JSONValue) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil, nil
	}
	var text *string
	if v, ok := m["result_text"]; ok && v != nil {
		if s, ok := v.(string); ok {
			text = &s
		}
	}
	return text, m["result_data"]
}
