// Package constants provides application-wide default durations.
package constants

import "time"

// Defaults for run scheduling and runner liveness, overridable via config.
const (
	// DefaultPollTimeout is the long-poll wait for a runner's GET /runner/runs.
	DefaultPollTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is the cadence a runner is expected to heartbeat at.
	DefaultHeartbeatInterval = 60 * time.Second

	// DefaultHeartbeatStale is the time since the last heartbeat after which a
	// runner is still claim-eligible but flagged stale.
	DefaultHeartbeatStale = 2 * time.Minute

	// DefaultHeartbeatTimeout is the time since the last heartbeat after which
	// a runner is offline and excluded from claim matching.
	DefaultHeartbeatTimeout = 5 * time.Minute

	// DefaultNoMatchTimeout is the grace period a pending run waits for a
	// matching runner before it fails with "no matching runner".
	DefaultNoMatchTimeout = 5 * time.Minute

	// DefaultSweepInterval is the tick of the timeout sweeper.
	DefaultSweepInterval = 10 * time.Second

	// DefaultShutdownTimeout bounds graceful HTTP server shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)
