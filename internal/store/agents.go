package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentswarm/coordinator/internal/swarm"
)

const agentColumns = `id, name, type, status, skills, last_heartbeat,
	current_task_id, current_task_started, tasks_completed, tasks_failed,
	consecutive_failures, total_runtime_ns`

// RegisterAgent adds an agent to the registry in idle status with a fresh
// heartbeat. An empty ID gets a generated one.
func (s *Store) RegisterAgent(ctx context.Context, agent *swarm.Agent) (*swarm.Agent, error) {
	if agent.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, type, status, skills, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Name, agent.Type, string(swarm.AgentIdle),
		strings.Join(agent.Skills, ","), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}

	return s.GetAgent(ctx, agent.ID)
}

// DeregisterAgent removes an agent from the registry.
func (s *Store) DeregisterAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("failed to deregister agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, agentID string) error {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_heartbeat = ? WHERE id = ?
	`, now, agentID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

// SetCurrentTask marks an agent busy on a task, or idle when taskID is empty.
func (s *Store) SetCurrentTask(ctx context.Context, agentID, taskID string) error {
	now := time.Now().UTC().UnixNano()
	var res sql.Result
	var err error
	if taskID == "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = NULL,
				current_task_started = 0, last_heartbeat = ?
			WHERE id = ?
		`, string(swarm.AgentIdle), now, agentID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, current_task_id = ?,
				current_task_started = ?, last_heartbeat = ?
			WHERE id = ?
		`, string(swarm.AgentBusy), taskID, now, now, agentID)
	}
	if err != nil {
		return fmt.Errorf("failed to set current task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

// SetAgentStatus forces an agent's status. Used by the coordinator's health
// loop for crash/stall transitions.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status swarm.AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = ? WHERE id = ?`,
		string(status), agentID)
	if err != nil {
		return fmt.Errorf("failed to set agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

// RecordTaskResult updates an agent's lifetime counters after a task finishes.
// Successes reset the consecutive-failure streak; failures extend it.
func (s *Store) RecordTaskResult(ctx context.Context, agentID string, success bool, runtime time.Duration) error {
	var err error
	var res sql.Result
	if success {
		res, err = s.db.ExecContext(ctx, `
			UPDATE agents SET tasks_completed = tasks_completed + 1,
				consecutive_failures = 0, total_runtime_ns = total_runtime_ns + ?
			WHERE id = ?
		`, runtime.Nanoseconds(), agentID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE agents SET tasks_failed = tasks_failed + 1,
				consecutive_failures = consecutive_failures + 1,
				total_runtime_ns = total_runtime_ns + ?
			WHERE id = ?
		`, runtime.Nanoseconds(), agentID)
	}
	if err != nil {
		return fmt.Errorf("failed to record task result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*swarm.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all registered agents.
func (s *Store) ListAgents(ctx context.Context) ([]*swarm.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*swarm.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

func scanAgent(row rowScanner) (*swarm.Agent, error) {
	agent := &swarm.Agent{}
	var status, skills string
	var currentTask sql.NullString
	var heartbeat, taskStarted, runtimeNs int64

	err := row.Scan(&agent.ID, &agent.Name, &agent.Type, &status, &skills, &heartbeat,
		&currentTask, &taskStarted, &agent.TasksCompleted, &agent.TasksFailed,
		&agent.ConsecutiveFailures, &runtimeNs)
	if err != nil {
		return nil, err
	}

	agent.Status = swarm.AgentStatus(status)
	agent.Skills = splitList(skills)
	agent.LastHeartbeat = nsToTime(heartbeat)
	agent.CurrentTaskID = currentTask.String
	agent.CurrentTaskStarted = nsToTime(taskStarted)
	agent.TotalRuntime = time.Duration(runtimeNs)
	return agent, nil
}
