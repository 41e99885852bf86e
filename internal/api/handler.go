// Package api implements the gin HTTP handlers for the Coordinator's
// external interface (spec.md §6): sessions, runs, the runner-facing
// register/heartbeat/dispatch/report protocol, blueprint CRUD, and the
// session event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/coordinator/internal/blueprint"
	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/common/logger"
	"github.com/agentmesh/coordinator/internal/domain"
	"github.com/agentmesh/coordinator/internal/eventbus"
	"github.com/agentmesh/coordinator/internal/queue"
	"github.com/agentmesh/coordinator/internal/registry"
	"github.com/agentmesh/coordinator/internal/sessioncontroller"
	v1 "github.com/agentmesh/coordinator/pkg/api/v1"
)

// dataStore is the subset of *store.Store the API reads directly (writes
// go through queue/registry/blueprint/sessioncontroller so each component
// keeps its own invariants).
type dataStore interface {
	ListSessions(ctx context.Context) ([]*domain.Session, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	DeleteSession(ctx context.Context, sessionID string) (alreadyAbsent bool, err error)
	ListEvents(ctx context.Context, sessionID string) ([]*domain.Event, error)
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListBySession(ctx context.Context, sessionID string) ([]*domain.Run, error)
}

// Handler wires the HTTP surface to the Coordinator's internal components.
type Handler struct {
	db        dataStore
	queue     *queue.Queue
	registry  *registry.Registry
	blueprints *blueprint.BlueprintStore
	sessions  *sessioncontroller.Controller
	bus       *eventbus.Bus
	log       *logger.Logger

	pollTimeout       time.Duration
	heartbeatInterval time.Duration
}

// New creates a Handler.
func New(
	db dataStore,
	q *queue.Queue,
	reg *registry.Registry,
	bps *blueprint.BlueprintStore,
	sessions *sessioncontroller.Controller,
	bus *eventbus.Bus,
	log *logger.Logger,
	pollTimeout, heartbeatInterval time.Duration,
) *Handler {
	return &Handler{
		db:                db,
		queue:             q,
		registry:          reg,
		blueprints:        bps,
		sessions:          sessions,
		bus:               bus,
		log:               log.WithFields(zap.String("component", "api")),
		pollTimeout:       pollTimeout,
		heartbeatInterval: heartbeatInterval,
	}
}

// writeError classifies an error per spec.md §7's taxonomy and writes the
// matching HTTP status and body. Internal errors are logged in full under a
// fresh correlation id, and only that id is returned to the caller.
func writeError(c *gin.Context, err error) {
	writeInternal := func() {
		id := uuid.NewString()
		logger.Default().Error("internal error", zap.String("correlation_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, v1.ErrorResponse{Error: "internal_error", CorrelationID: id})
	}
	apiErr, ok := apierr.As(err)
	if !ok {
		writeInternal()
		return
	}
	switch apiErr.Kind {
	case apierr.KindValidation:
		if len(apiErr.ValidationErrors) > 0 {
			c.JSON(http.StatusBadRequest, v1.ValidationErrorResponse{
				Error:            apiErr.Message,
				ValidationErrors: apiErr.ValidationErrors,
				ParametersSchema: apiErr.ParametersSchema,
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": apiErr.Message})
	case apierr.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": apiErr.Message})
	case apierr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": apiErr.Message})
	case apierr.KindDemandMismatch:
		c.JSON(http.StatusBadRequest, gin.H{"error": apiErr.Message})
	default:
		writeInternal()
	}
}
