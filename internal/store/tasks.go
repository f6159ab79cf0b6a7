package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	"github.com/agentswarm/coordinator/internal/swarm"
)

// TaskInput describes a task to create. Dependencies must reference
// already-known task IDs.
type TaskInput struct {
	Title          string
	Description    string
	Priority       swarm.Priority
	DependsOn      []string
	RequiredSkills []string
	WritesFiles    []string
	MaxRetries     int
}

// priorityRankSQL orders tasks critical > high > medium > low in SQL,
// matching swarm.Priority.Rank.
const priorityRankSQL = `CASE priority
	WHEN 'critical' THEN 4
	WHEN 'high' THEN 3
	WHEN 'medium' THEN 2
	WHEN 'low' THEN 1
	ELSE 0 END`

const taskColumns = `id, title, description, status, priority, required_skills,
	writes_files, assigned_agent, retries, max_retries, progress, result,
	last_error, failure_type, created_at, updated_at, started_at, completed_at`

// CreateTask inserts a new task in pending status, validates that its
// dependencies exist and introduce no cycle, and promotes it to ready
// immediately if it has no unmet dependencies.
func (s *Store) CreateTask(ctx context.Context, in TaskInput) (*swarm.Task, error) {
	if in.Title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if in.Priority == "" {
		in.Priority = swarm.PriorityMedium
	}
	if in.Priority.Rank() == 0 {
		return nil, fmt.Errorf("unknown priority %q", in.Priority)
	}
	if in.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0")
	}

	id := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Verify dependencies exist before inserting the task.
	for _, depID := range in.DependsOn {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("dependency task %s does not exist", depID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to check dependency existence: %w", err)
		}
	}

	// Verify the graph stays acyclic with the new task added.
	if err := s.validateAcyclic(ctx, tx, id, in.DependsOn); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, required_skills,
			writes_files, retries, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
	`, id, in.Title, in.Description, string(swarm.TaskPending), string(in.Priority),
		strings.Join(in.RequiredSkills, ","), strings.Join(in.WritesFiles, ","),
		in.MaxRetries, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	for _, depID := range in.DependsOn {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)
		`, id, depID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert dependency %s -> %s: %w", id, depID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	// A task with no unmet dependencies is claimable right away.
	if _, err := s.PromoteReady(ctx); err != nil {
		return nil, err
	}

	return s.GetTask(ctx, id)
}

// validateAcyclic runs topological sort over the existing dependency graph
// plus the task being added. Returns an error if a cycle is detected.
func (s *Store) validateAcyclic(ctx context.Context, tx *sql.Tx, newID string, newDeps []string) error {
	rows, err := tx.QueryContext(ctx, `SELECT task_id, depends_on_id FROM task_dependencies`)
	if err != nil {
		return fmt.Errorf("failed to query dependency graph: %w", err)
	}
	defer rows.Close()

	var edges []toposort.Edge
	for rows.Next() {
		var taskID, depID string
		if err := rows.Scan(&taskID, &depID); err != nil {
			return fmt.Errorf("failed to scan dependency edge: %w", err)
		}
		// Edge (depID, taskID) means depID must come before taskID
		edges = append(edges, toposort.Edge{depID, taskID})
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependency edges: %w", err)
	}

	for _, depID := range newDeps {
		edges = append(edges, toposort.Edge{depID, newID})
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency graph contains cycle: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID, including its dependency list.
func (s *Store) GetTask(ctx context.Context, taskID string) (*swarm.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	if err := s.loadDependencies(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, ordered by priority then age.
func (s *Store) ListTasks(ctx context.Context, filter swarm.TaskFilter) ([]*swarm.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		conds = append(conds, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.AssignedAgent != "" {
		conds = append(conds, "assigned_agent = ?")
		args = append(args, filter.AssignedAgent)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + priorityRankSQL + " DESC, created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*swarm.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, task := range tasks {
		if err := s.loadDependencies(ctx, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// ReadyTasks returns all ready tasks in priority-then-age order.
func (s *Store) ReadyTasks(ctx context.Context) ([]*swarm.Task, error) {
	return s.ListTasks(ctx, swarm.TaskFilter{Status: swarm.TaskReady})
}

// ClaimTask atomically claims the highest-priority ready task whose required
// skills the agent covers (empty requirements match any agent). Racing
// callers are linearized by the conditional UPDATE: only the caller whose
// update finds status still 'ready' wins; everyone else moves to the next
// candidate or gets nil. Returns (nil, nil) when no eligible task exists --
// contention is normal control flow, not an error.
func (s *Store) ClaimTask(ctx context.Context, agentID string, agentSkills []string) (*swarm.Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, required_skills FROM tasks
		WHERE status = ?
		ORDER BY `+priorityRankSQL+` DESC, created_at ASC
	`, string(swarm.TaskReady))
	if err != nil {
		return nil, fmt.Errorf("failed to query ready tasks: %w", err)
	}

	type candidate struct {
		id       string
		required []string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var skills string
		if err := rows.Scan(&c.id, &skills); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.required = splitList(skills)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	rows.Close()

	now := time.Now().UTC().UnixNano()
	for _, c := range candidates {
		if ok, _ := swarm.SkillMatch(agentSkills, c.required); !ok {
			continue
		}

		// Conditional update: succeeds only if the task is still ready.
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_agent = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(swarm.TaskClaimed), agentID, now, c.id, string(swarm.TaskReady))
		if err != nil {
			return nil, fmt.Errorf("failed to claim task %s: %w", c.id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			continue // another agent got it first
		}
		return s.GetTask(ctx, c.id)
	}

	return nil, nil
}

// StartTask transitions a claimed task to in_progress. Only the claiming
// agent may start it.
func (s *Store) StartTask(ctx context.Context, taskID, agentID string) error {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND assigned_agent = ?
	`, string(swarm.TaskInProgress), now, now, taskID, string(swarm.TaskClaimed), agentID)
	if err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s is not claimed by agent %s", taskID, agentID)
	}
	return nil
}

// ReleaseTask returns a claimed or in-progress task to pending without
// consuming a retry. Used for voluntary releases (graceful agent stop,
// lease contention), not failures.
func (s *Store) ReleaseTask(ctx context.Context, taskID, reason string) error {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_agent = NULL, progress = 0,
			last_error = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(swarm.TaskPending), reason, now, taskID,
		string(swarm.TaskClaimed), string(swarm.TaskInProgress))
	if err != nil {
		return fmt.Errorf("failed to release task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s is not claimed or in progress", taskID)
	}

	// Released tasks may be immediately re-claimable.
	_, err = s.PromoteReady(ctx)
	return err
}

// UpdateProgress records heartbeat-reported progress (0-100) on a running task.
func (s *Store) UpdateProgress(ctx context.Context, taskID string, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("progress must be 0-100, got %d", progress)
	}
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET progress = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, progress, now, taskID, string(swarm.TaskClaimed), string(swarm.TaskInProgress))
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s is not active", taskID)
	}
	return nil
}

// CompleteTask marks a task completed and promotes any dependents whose
// dependencies are now all satisfied.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, progress = 100,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(swarm.TaskCompleted), result, now, now, taskID,
		string(swarm.TaskClaimed), string(swarm.TaskInProgress))
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %s is not active", taskID)
	}

	_, err = s.PromoteReady(ctx)
	return err
}

// FailureInfo describes a task failure.
type FailureInfo struct {
	Error string
	Type  swarm.FailureType
}

// FailTask records a failure. While the retry budget allows it the task goes
// back to pending (with retry count incremented) so it can become ready and
// be claimed again; once the budget is spent the task is terminally failed
// with the retry count capped at max_retries.
func (s *Store) FailTask(ctx context.Context, taskID string, info FailureInfo) (*swarm.Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var retries, maxRetries int
	var status string
	err = tx.QueryRowContext(ctx, `SELECT retries, max_retries, status FROM tasks WHERE id = ?`,
		taskID).Scan(&retries, &maxRetries, &status)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	if status != string(swarm.TaskClaimed) && status != string(swarm.TaskInProgress) {
		return nil, fmt.Errorf("task %s is not active (status: %s)", taskID, status)
	}

	now := time.Now().UTC().UnixNano()
	if retries < maxRetries {
		// Retry budget remains: requeue for another attempt.
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_agent = NULL, retries = ?,
				progress = 0, last_error = ?, failure_type = ?, updated_at = ?
			WHERE id = ?
		`, string(swarm.TaskPending), retries+1, info.Error, string(info.Type), now, taskID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, last_error = ?, failure_type = ?,
				completed_at = ?, updated_at = ?
			WHERE id = ?
		`, string(swarm.TaskFailed), info.Error, string(swarm.FailureRetryExhausted), now, now, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if _, err := s.PromoteReady(ctx); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// PromoteReady moves every pending or blocked task whose dependencies are all
// completed to ready. Invoked after each complete/fail/release so readiness is
// recomputed from durable status. Returns the number of tasks promoted.
func (s *Store) PromoteReady(ctx context.Context) (int, error) {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE status IN (?, ?)
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies d
			JOIN tasks dep ON dep.id = d.depends_on_id
			WHERE d.task_id = tasks.id AND dep.status != ?
		)
	`, string(swarm.TaskReady), now,
		string(swarm.TaskPending), string(swarm.TaskBlocked),
		string(swarm.TaskCompleted))
	if err != nil {
		return 0, fmt.Errorf("failed to promote ready tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// loadDependencies populates task.DependsOn from the join table.
func (s *Store) loadDependencies(ctx context.Context, task *swarm.Task) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ?
	`, task.ID)
	if err != nil {
		return fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	task.DependsOn = []string{}
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return fmt.Errorf("failed to scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, depID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating dependencies: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*swarm.Task, error) {
	task := &swarm.Task{}
	var status, priority string
	var skills, writesFiles sql.NullString
	var description, assignedAgent, result, lastError, failureType sql.NullString
	var created, updated, started, completed int64

	err := row.Scan(&task.ID, &task.Title, &description, &status, &priority, &skills,
		&writesFiles, &assignedAgent, &task.Retries, &task.MaxRetries, &task.Progress,
		&result, &lastError, &failureType, &created, &updated, &started, &completed)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.Status = swarm.TaskStatus(status)
	task.Priority = swarm.Priority(priority)
	task.RequiredSkills = splitList(skills.String)
	task.WritesFiles = splitList(writesFiles.String)
	task.AssignedAgent = assignedAgent.String
	task.Result = result.String
	task.LastError = lastError.String
	task.FailureType = swarm.FailureType(failureType.String)
	task.CreatedAt = nsToTime(created)
	task.UpdatedAt = nsToTime(updated)
	task.StartedAt = nsToTime(started)
	task.CompletedAt = nsToTime(completed)
	return task, nil
}

func splitList(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, ",")
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
