package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
// Time columns are unix nanoseconds so heartbeat age, stall detection, and
// lease expiry can be computed with integer arithmetic.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		required_skills TEXT,
		writes_files TEXT,
		assigned_agent TEXT,
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		progress INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		last_error TEXT,
		failure_type TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assigned_agent ON tasks(assigned_agent);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		skills TEXT,
		last_heartbeat INTEGER NOT NULL,
		current_task_id TEXT,
		current_task_started INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		total_runtime_ns INTEGER NOT NULL DEFAULT 0,
		registered_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

	CREATE TABLE IF NOT EXISTS leases (
		key TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		task_id TEXT,
		acquired_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		renewals INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_leases_expires_at ON leases(expires_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		payload TEXT,
		requires_ack INTEGER NOT NULL DEFAULT 0,
		acked_by TEXT,
		acked_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		delivered_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, delivered_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
