package store

// schema is the embedded relational schema (spec.md §6's persisted state
// layout): sessions, runs, events, runners, blueprints, with the
// `(status, created_at)` index on runs that supports the FIFO pending scan.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id        TEXT PRIMARY KEY,
	parent_session_id TEXT,
	agent_name        TEXT NOT NULL,
	status            TEXT NOT NULL,
	project_dir       TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMP NOT NULL,
	modified_at       TIMESTAMP NOT NULL,
	executor_identity TEXT,
	executor_profile  TEXT NOT NULL DEFAULT '',
	hostname          TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS runs (
	run_id              TEXT PRIMARY KEY,
	type                TEXT NOT NULL,
	session_id          TEXT NOT NULL REFERENCES sessions(session_id),
	agent_name          TEXT NOT NULL,
	parameters          TEXT NOT NULL DEFAULT '{}',
	scope               TEXT NOT NULL DEFAULT '{}',
	resolved_blueprint  TEXT NOT NULL DEFAULT '{}',
	demands             TEXT NOT NULL DEFAULT '{}',
	execution_mode      TEXT NOT NULL,
	status              TEXT NOT NULL,
	runner_id           TEXT,
	error               TEXT,
	parent_session_id   TEXT,
	created_at          TIMESTAMP NOT NULL,
	claimed_at          TIMESTAMP,
	started_at          TIMESTAMP,
	completed_at        TIMESTAMP,
	timeout_at          TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status_created_at ON runs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_runs_runner_id ON runs(runner_id);

CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(session_id),
	sequence   INTEGER NOT NULL,
	kind       TEXT NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence);

CREATE TABLE IF NOT EXISTS runners (
	runner_id                 TEXT PRIMARY KEY,
	hostname                  TEXT NOT NULL,
	project_dir               TEXT NOT NULL,
	executor_profile          TEXT NOT NULL,
	capabilities              TEXT NOT NULL DEFAULT '{}',
	registered_at             TIMESTAMP NOT NULL,
	last_heartbeat            TIMESTAMP NOT NULL,
	marked_for_deregistration INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blueprints (
	name                  TEXT PRIMARY KEY,
	description           TEXT NOT NULL DEFAULT '',
	type                  TEXT NOT NULL,
	system_prompt         TEXT NOT NULL DEFAULT '',
	parameters_schema     TEXT NOT NULL DEFAULT '{}',
	output_schema         TEXT NOT NULL DEFAULT '{}',
	mcp_servers           TEXT NOT NULL DEFAULT '{}',
	capabilities_required TEXT NOT NULL DEFAULT '[]',
	demands               TEXT NOT NULL DEFAULT '{}',
	hooks                 TEXT NOT NULL DEFAULT '{}',
	status                TEXT NOT NULL,
	command               TEXT NOT NULL DEFAULT '',
	runner_owned          INTEGER NOT NULL DEFAULT 0,
	owner_runner_id       TEXT
);
`
