package swarm

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"     // Waiting for dependencies
	TaskReady      TaskStatus = "ready"       // All dependencies completed, claimable
	TaskClaimed    TaskStatus = "claimed"     // Atomically owned by one agent
	TaskInProgress TaskStatus = "in_progress" // Execution started
	TaskCompleted  TaskStatus = "completed"   // Finished successfully (terminal)
	TaskFailed     TaskStatus = "failed"      // Finished with error (terminal once retries exhausted)
	TaskBlocked    TaskStatus = "blocked"     // Explicitly held back from readiness
)

// Priority orders tasks for claiming and distribution.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric rank of a priority (critical highest).
// Unknown priorities rank below low so malformed rows sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// FailureType categorizes why a task failed, distinguishing recoverable
// coordinator-detected failures from adapter-reported ones.
type FailureType string

const (
	FailureAgentCrash     FailureType = "agent_crash"
	FailureAgentStalled   FailureType = "agent_stalled"
	FailureExecution      FailureType = "execution_error"
	FailureRetryExhausted FailureType = "retries_exhausted"
)

// Task is a unit of work with dependencies, required skills, and retry budget.
type Task struct {
	ID             string
	Title          string
	Description    string
	Status         TaskStatus
	Priority       Priority
	DependsOn      []string // Task IDs that must complete before this one is ready
	RequiredSkills []string // Empty means any agent qualifies
	WritesFiles    []string // Files the task will edit; leased before execution
	AssignedAgent  string   // Empty when unassigned
	Retries        int
	MaxRetries     int
	Progress       int    // 0-100, heartbeat-reported
	Result         string // Output after completion
	LastError      string
	FailureType    FailureType
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Terminal reports whether the task can no longer change state on its own.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// TaskFilter narrows ListTasks results. Zero values mean "no constraint".
type TaskFilter struct {
	Status        TaskStatus
	Priority      Priority
	AssignedAgent string
}

// CloneTask returns a deep copy so callers can't mutate store-held state.
func CloneTask(t *Task) *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.RequiredSkills != nil {
		cp.RequiredSkills = append([]string(nil), t.RequiredSkills...)
	}
	if t.WritesFiles != nil {
		cp.WritesFiles = append([]string(nil), t.WritesFiles...)
	}
	return &cp
}
