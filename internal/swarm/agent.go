package swarm

import "time"

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentError   AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// Agent is a registered worker with capabilities, health fields, and
// lifetime statistics. Mutated only by its own harness and by the
// coordinator's health loop.
type Agent struct {
	ID                  string
	Name                string
	Type                string // Capability class (e.g. "coder", "reviewer")
	Status              AgentStatus
	Skills              []string
	LastHeartbeat       time.Time
	CurrentTaskID       string // Empty when idle
	CurrentTaskStarted  time.Time
	TasksCompleted      int
	TasksFailed         int
	ConsecutiveFailures int // >= DegradedThreshold marks the agent degraded
	TotalRuntime        time.Duration
}

// DegradedThreshold is the consecutive-failure count at which an agent is
// considered degraded and deprioritized by claim strategies.
const DegradedThreshold = 3

// Degraded reports whether the agent has failed enough tasks in a row to be
// deprioritized. Degraded agents stay alive and keep working.
func (a *Agent) Degraded() bool {
	return a.ConsecutiveFailures >= DegradedThreshold
}

// SkillMatch scores how well an agent's skills cover a task's requirements.
// Returns (qualified, matched/required ratio). A task with no required skills
// qualifies every agent with ratio 1. These rules are shared by the store's
// atomic claim and the coordinator's distribution strategies so that
// distribution predictions match what agents can actually claim.
func SkillMatch(agentSkills, required []string) (bool, float64) {
	if len(required) == 0 {
		return true, 1
	}
	have := make(map[string]bool, len(agentSkills))
	for _, s := range agentSkills {
		have[s] = true
	}
	matched := 0
	for _, r := range required {
		if have[r] {
			matched++
		}
	}
	if matched == 0 {
		return false, 0
	}
	return true, float64(matched) / float64(len(required))
}

// CloneAgent returns a deep copy so callers can't mutate registry-held state.
func CloneAgent(a *Agent) *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Skills != nil {
		cp.Skills = append([]string(nil), a.Skills...)
	}
	return &cp
}
