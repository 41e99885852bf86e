// Package domain defines the core entities of the coordinator control
// plane — Session, Run, Event, RunnerRegistration, and Blueprint — along
// with the pure business rules that operate over them (demand matching,
// placeholder namespaces). Storage, transport, and wire representations
// all build on these types rather than duplicating them.
package domain

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionRunning  SessionStatus = "running"
	SessionStopping SessionStatus = "stopping"
	SessionFinished SessionStatus = "finished"
	SessionStopped  SessionStatus = "stopped"
	SessionFailed   SessionStatus = "failed"
)

// Session is a persistent, named conversational context.
type Session struct {
	SessionID        string        `db:"session_id" json:"session_id"`
	ParentSessionID   *string       `db:"parent_session_id" json:"parent_session_id,omitempty"`
	AgentName        string        `db:"agent_name" json:"agent_name"`
	Status           SessionStatus `db:"status" json:"status"`
	ProjectDir       string        `db:"project_dir" json:"project_dir"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	ModifiedAt       time.Time     `db:"modified_at" json:"modified_at"`
	ExecutorIdentity *string       `db:"executor_identity" json:"executor_identity,omitempty"`
	ExecutorProfile  string        `db:"executor_profile" json:"executor_profile"`
	Hostname         string        `db:"hostname" json:"hostname"`
}

// RunType distinguishes a first execution from a resume of an existing session.
type RunType string

const (
	RunStart  RunType = "start"
	RunResume RunType = "resume"
)

// ExecutionMode controls how the caller expects to learn the run's outcome.
type ExecutionMode string

const (
	ExecutionSync          ExecutionMode = "sync"
	ExecutionAsyncPoll     ExecutionMode = "async_poll"
	ExecutionAsyncCallback ExecutionMode = "async_callback"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunClaimed   RunStatus = "claimed"
	RunRunning   RunStatus = "running"
	RunStopping  RunStatus = "stopping"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Demands is the matching criteria attached to a Run: tags that must be a
// subset of a runner's capability tags, plus scalar properties that, if
// set, must equal the runner's corresponding property exactly.
type Demands struct {
	Tags            []string `json:"tags,omitempty"`
	Hostname        string   `json:"hostname,omitempty"`
	ProjectDir      string   `json:"project_dir,omitempty"`
	ExecutorProfile string   `json:"executor_profile,omitempty"`
}

// Run is one execution attempt of a Session.
type Run struct {
	RunID             string        `db:"run_id" json:"run_id"`
	Type              RunType       `db:"type" json:"type"`
	SessionID         string        `db:"session_id" json:"session_id"`
	AgentName         string        `db:"agent_name" json:"agent_name"`
	Parameters        JSONValue     `db:"parameters" json:"parameters"`
	Scope             JSONValue     `db:"scope" json:"scope"`
	ResolvedBlueprint JSONValue     `db:"resolved_blueprint" json:"resolved_blueprint"`
	Demands           Demands       `db:"-" json:"demands"`
	ExecutionMode     ExecutionMode `db:"execution_mode" json:"execution_mode"`
	Status            RunStatus     `db:"status" json:"status"`
	RunnerID          *string       `db:"runner_id" json:"runner_id,omitempty"`
	Error             *string       `db:"error" json:"error,omitempty"`
	ParentSessionID   *string       `db:"parent_session_id" json:"parent_session_id,omitempty"`
	CreatedAt         time.Time     `db:"created_at" json:"created_at"`
	ClaimedAt         *time.Time    `db:"claimed_at" json:"claimed_at,omitempty"`
	StartedAt         *time.Time    `db:"started_at" json:"started_at,omitempty"`
	CompletedAt       *time.Time    `db:"completed_at" json:"completed_at,omitempty"`
	TimeoutAt         *time.Time    `db:"timeout_at" json:"timeout_at,omitempty"`
}

// IsTerminal reports whether the run has reached a status it cannot leave.
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case RunCompleted, RunFailed, RunStopped:
		return true
	default:
		return false
	}
}

// EventKind enumerates the kinds of records appended to a session's event log.
type EventKind string

const (
	EventSessionStart EventKind = "session_start"
	EventSessionStop  EventKind = "session_stop"
	EventMessage      EventKind = "message"
	EventPreTool      EventKind = "pre_tool"
	EventPostTool     EventKind = "post_tool"
	EventResult       EventKind = "result"
)

// Event is an ordered, immutable record attached to a Session.
type Event struct {
	EventID   string    `db:"event_id" json:"event_id"`
	SessionID string    `db:"session_id" json:"session_id"`
	Sequence  int64     `db:"sequence" json:"sequence"`
	Kind      EventKind `db:"kind" json:"kind"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Payload   JSONValue `db:"payload" json:"payload"`
}

// Liveness is the derived health of a RunnerRegistration.
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessStale   Liveness = "stale"
	LivenessOffline Liveness = "offline"
)

// Capabilities is what a runner declares it can do: a tag set plus the
// scalar identity properties demands may pin to.
type Capabilities struct {
	Tags            []string `json:"tags,omitempty"`
	Hostname        string   `json:"hostname"`
	ProjectDir      string   `json:"project_dir"`
	ExecutorProfile string   `json:"executor_profile"`
}

// HasTag reports whether the capability set declares the given tag.
func (c Capabilities) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RunnerRegistration is a currently-known worker.
type RunnerRegistration struct {
	RunnerID                string       `db:"runner_id" json:"runner_id"`
	Hostname                string       `db:"hostname" json:"hostname"`
	ProjectDir              string       `db:"project_dir" json:"project_dir"`
	ExecutorProfile         string       `db:"executor_profile" json:"executor_profile"`
	Capabilities            Capabilities `db:"-" json:"capabilities"`
	RegisteredAt            time.Time    `db:"registered_at" json:"registered_at"`
	LastHeartbeat           time.Time    `db:"last_heartbeat" json:"last_heartbeat"`
	MarkedForDeregistration bool         `db:"marked_for_deregistration" json:"marked_for_deregistration"`
}

// Liveness derives the runner's liveness from the time since its last
// heartbeat against the two configured thresholds.
func (r *RunnerRegistration) Liveness(now time.Time, stale, offline time.Duration) Liveness {
	age := now.Sub(r.LastHeartbeat)
	switch {
	case age >= offline:
		return LivenessOffline
	case age >= stale:
		return LivenessStale
	default:
		return LivenessOnline
	}
}

// BlueprintType distinguishes a freeform conversational agent from a
// fixed-command one.
type BlueprintType string

const (
	BlueprintAutonomous BlueprintType = "autonomous"
	BlueprintProcedural BlueprintType = "procedural"
)

// BlueprintStatus controls whether a blueprint is eligible for new runs.
type BlueprintStatus string

const (
	BlueprintActive   BlueprintStatus = "active"
	BlueprintInactive BlueprintStatus = "inactive"
)

// Blueprint is an agent template: prompt, schemas, and MCP bindings.
type Blueprint struct {
	Name                string          `db:"name" json:"name"`
	Description         string          `db:"description" json:"description"`
	Type                BlueprintType   `db:"type" json:"type"`
	SystemPrompt        string          `db:"system_prompt" json:"system_prompt"`
	ParametersSchema    JSONValue       `db:"parameters_schema" json:"parameters_schema"`
	OutputSchema        JSONValue       `db:"output_schema" json:"output_schema"`
	MCPServers          JSONValue       `db:"mcp_servers" json:"mcp_servers"`
	CapabilitiesRequired []string       `db:"-" json:"capabilities_required"`
	Demands             Demands        `db:"-" json:"demands"`
	Hooks               JSONValue      `db:"hooks" json:"hooks"`
	Status              BlueprintStatus `db:"status" json:"status"`
	Command             string         `db:"command" json:"command,omitempty"`
	RunnerOwned         bool           `db:"runner_owned" json:"runner_owned"`
	OwnerRunnerID       *string        `db:"owner_runner_id" json:"owner_runner_id,omitempty"`
}

// CapabilitiesSatisfyDemands implements the matching rule from §4.4:
// every demanded tag must be present in the capability tag set, and every
// set scalar demand must equal the capability's corresponding property.
func CapabilitiesSatisfyDemands(caps Capabilities, demands Demands) bool {
	for _, tag := range demands.Tags {
		if !caps.HasTag(tag) {
			return false
		}
	}
	if demands.Hostname != "" && demands.Hostname != caps.Hostname {
		return false
	}
	if demands.ProjectDir != "" && demands.ProjectDir != caps.ProjectDir {
		return false
	}
	if demands.ExecutorProfile != "" && demands.ExecutorProfile != caps.ExecutorProfile {
		return false
	}
	return true
}

// MergeDemands implements the additive merge rule from §4.4 step 5: a
// caller may add tag criteria (set union) and may repeat a scalar the
// blueprint already pinned, but any other scalar value is a conflict.
func MergeDemands(blueprintDemands, callerDemands Demands) (Demands, error) {
	merged := Demands{Hostname: blueprintDemands.Hostname, ProjectDir: blueprintDemands.ProjectDir, ExecutorProfile: blueprintDemands.ExecutorProfile}

	tagSet := make(map[string]struct{}, len(blueprintDemands.Tags)+len(callerDemands.Tags))
	for _, t := range blueprintDemands.Tags {
		tagSet[t] = struct{}{}
	}
	for _, t := range callerDemands.Tags {
		tagSet[t] = struct{}{}
	}
	for t := range tagSet {
		merged.Tags = append(merged.Tags, t)
	}

	if err := mergeScalar(&merged.Hostname, blueprintDemands.Hostname, callerDemands.Hostname, "hostname"); err != nil {
		return Demands{}, err
	}
	if err := mergeScalar(&merged.ProjectDir, blueprintDemands.ProjectDir, callerDemands.ProjectDir, "project_dir"); err != nil {
		return Demands{}, err
	}
	if err := mergeScalar(&merged.ExecutorProfile, blueprintDemands.ExecutorProfile, callerDemands.ExecutorProfile, "executor_profile"); err != nil {
		return Demands{}, err
	}

	return merged, nil
}

func mergeScalar(dst *string, blueprintVal, callerVal, field string) error {
	if callerVal == "" {
		return nil
	}
	if blueprintVal == "" {
		*dst = callerVal
		return nil
	}
	if blueprintVal != callerVal {
		return &DemandConflictError{Field: field, Blueprint: blueprintVal, Caller: callerVal}
	}
	*dst = blueprintVal
	return nil
}

// DemandConflictError reports a caller-supplied scalar demand that
// contradicts the blueprint's own value for the same field.
type DemandConflictError struct {
	Field     string
	Blueprint string
	Caller    string
}

func (e *DemandConflictError) Error() string {
	return "demand conflict on " + e.Field + ": blueprint requires " + e.Blueprint + ", caller requested " + e.Caller
}
