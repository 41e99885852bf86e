// Package v1 defines the wire request/response shapes of the Coordinator's
// HTTP surface (spec.md §6). Entity payloads reuse internal/domain's types
// directly since their json tags already are the wire format; this package
// only adds the request envelopes and list/error wrappers gin binds to.
package v1

import (
	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/domain"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// SessionsResponse is the body of GET /sessions.
type SessionsResponse struct {
	Sessions []*domain.Session `json:"sessions"`
}

// EventsResponse is the body of GET /sessions/{id}/events.
type EventsResponse struct {
	Events []*domain.Event `json:"events"`
}

// ResultResponse is the body of GET /sessions/{id}/result.
type ResultResponse struct {
	Result     *string          `json:"result,omitempty"`
	ResultData domain.JSONValue `json:"result_data,omitempty"`
}

// AlreadyAbsentResponse is returned by idempotent deletes (spec.md §7) that
// found nothing to remove.
type AlreadyAbsentResponse struct {
	AlreadyAbsent bool `json:"already_absent"`
}

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Type            domain.RunType       `json:"type" binding:"required,oneof=start resume"`
	SessionID       string               `json:"session_id,omitempty"`
	ParentSessionID *string              `json:"parent_session_id,omitempty"`
	AgentName       string               `json:"agent_name" binding:"required"`
	Parameters      domain.JSONValue     `json:"parameters"`
	Scope           domain.JSONValue     `json:"scope,omitempty"`
	ExecutionMode   domain.ExecutionMode `json:"execution_mode,omitempty"`
	Demands         domain.Demands       `json:"demands,omitempty"`
	ProjectDir      string               `json:"project_dir,omitempty"`
	Hostname        string               `json:"hostname,omitempty"`
	ExecutorProfile string               `json:"executor_profile,omitempty"`
}

// CreateRunResponse is the 200 body of POST /runs.
type CreateRunResponse struct {
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Status    domain.RunStatus `json:"status"`
}

// RegisterRunnerRequest is the body of POST /runner/register.
type RegisterRunnerRequest struct {
	Hostname              string                   `json:"hostname" binding:"required"`
	ProjectDir            string                   `json:"project_dir" binding:"required"`
	ExecutorProfile       string                   `json:"executor_profile" binding:"required"`
	Capabilities          domain.Capabilities      `json:"capabilities"`
	ContributedBlueprints []CreateBlueprintRequest `json:"contributed_blueprints,omitempty"`
}

// DeregisterSelfRequest is the body of POST /runner/deregister.
type DeregisterSelfRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
}

// RegisterRunnerResponse is the 200 body of POST /runner/register.
type RegisterRunnerResponse struct {
	RunnerID                string `json:"runner_id"`
	PollTimeoutSeconds      int    `json:"poll_timeout_seconds"`
	HeartbeatIntervalSeconds int   `json:"heartbeat_interval_seconds"`
}

// HeartbeatRequest is the body of POST /runner/heartbeat.
type HeartbeatRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
}

// GetWorkResponse is the body of GET /runner/runs.
//
// Exactly one of Run, StopRuns, or Deregistered is populated, per
// spec.md §6; a request that times out with nothing to deliver returns
// an empty 204 instead of this body.
type GetWorkResponse struct {
	Run          *domain.Run `json:"run,omitempty"`
	StopRuns     []string    `json:"stop_runs,omitempty"`
	Deregistered bool        `json:"deregistered,omitempty"`
}

// StartedRequest is the body of POST /runner/runs/{id}/started.
type StartedRequest struct{}

// CompletedRequest is the body of POST /runner/runs/{id}/completed.
type CompletedRequest struct {
	ResultText *string          `json:"result_text,omitempty"`
	ResultData domain.JSONValue `json:"result_data,omitempty"`
}

// FailedRequest is the body of POST /runner/runs/{id}/failed.
type FailedRequest struct {
	Error string `json:"error" binding:"required"`
}

// StoppedRequest is the body of POST /runner/runs/{id}/stopped.
type StoppedRequest struct {
	Signal string `json:"signal,omitempty"`
}

// RunnersResponse is the body of GET /runners, with derived liveness
// attached per runner since domain.RunnerRegistration stores only the raw
// heartbeat timestamp.
type RunnersResponse struct {
	Runners []RunnerWithLiveness `json:"runners"`
}

// RunnerWithLiveness pairs a registration with its computed liveness.
type RunnerWithLiveness struct {
	*domain.RunnerRegistration
	Liveness domain.Liveness `json:"liveness"`
}

// CreateBlueprintRequest is the body of POST /agents.
type CreateBlueprintRequest struct {
	Name             string              `json:"name" binding:"required"`
	Description      string              `json:"description,omitempty"`
	Type             domain.BlueprintType `json:"type" binding:"required,oneof=autonomous procedural"`
	SystemPrompt     string              `json:"system_prompt,omitempty"`
	ParametersSchema domain.JSONValue    `json:"parameters_schema,omitempty"`
	OutputSchema     domain.JSONValue    `json:"output_schema,omitempty"`
	MCPServers       domain.JSONValue    `json:"mcp_servers,omitempty"`
	Demands          domain.Demands      `json:"demands,omitempty"`
	Hooks            domain.JSONValue    `json:"hooks,omitempty"`
	Command          string              `json:"command,omitempty"`
}

// UpdateBlueprintRequest is the body of PATCH /agents/{name}. Every field
// is optional; only non-nil fields are applied.
type UpdateBlueprintRequest struct {
	Description      *string              `json:"description,omitempty"`
	SystemPrompt     *string              `json:"system_prompt,omitempty"`
	ParametersSchema domain.JSONValue     `json:"parameters_schema,omitempty"`
	OutputSchema     domain.JSONValue     `json:"output_schema,omitempty"`
	MCPServers       domain.JSONValue     `json:"mcp_servers,omitempty"`
	Demands          *domain.Demands      `json:"demands,omitempty"`
	Hooks            domain.JSONValue     `json:"hooks,omitempty"`
	Command          *string              `json:"command,omitempty"`
	Status           *domain.BlueprintStatus `json:"status,omitempty"`
}

// BlueprintsResponse is the body of GET /agents.
type BlueprintsResponse struct {
	Agents []*domain.Blueprint `json:"agents"`
}

// ErrorResponse is the generic JSON error body for 4xx/5xx responses
// outside of the validation-specific shape below (spec.md §7).
type ErrorResponse struct {
	Error            string            `json:"error"`
	CorrelationID    string            `json:"correlation_id,omitempty"`
}

// ValidationErrorResponse is the structured 400 body for schema/parameter
// validation failures (spec.md §6's wire semantics).
type ValidationErrorResponse struct {
	Error            string                    `json:"error"`
	ValidationErrors []apierr.ValidationDetail `json:"validation_errors"`
	ParametersSchema domain.JSONValue          `json:"parameters_schema,omitempty"`
}
