package coordinator

import (
	"fmt"
	"sync"

	"github.com/agentswarm/coordinator/internal/swarm"
)

// Strategy selects an agent for a task during a distribution cycle. The
// candidate list holds idle, healthy agents not yet assigned this cycle;
// Select returns nil when no candidate qualifies. Strategies must apply the
// same skill-matching rules as the store's claim so that distribution
// reports are accurate predictions.
type Strategy interface {
	Name() string
	Select(task *swarm.Task, candidates []*swarm.Agent) *swarm.Agent
}

// NewStrategy returns the named strategy. best-fit is the default.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "", "best-fit":
		return &bestFit{}, nil
	case "first-fit":
		return &firstFit{}, nil
	case "round-robin":
		return &roundRobin{}, nil
	case "load-balanced":
		return &loadBalanced{}, nil
	}
	return nil, fmt.Errorf("unknown claim strategy %q", name)
}

// qualified filters candidates that can work the task, listing non-degraded
// agents before degraded ones so healthy agents are preferred.
func qualified(task *swarm.Task, candidates []*swarm.Agent) []*swarm.Agent {
	var healthy, degraded []*swarm.Agent
	for _, a := range candidates {
		if ok, _ := swarm.SkillMatch(a.Skills, task.RequiredSkills); !ok {
			continue
		}
		if a.Degraded() {
			degraded = append(degraded, a)
		} else {
			healthy = append(healthy, a)
		}
	}
	return append(healthy, degraded...)
}

// firstFit picks the first qualified agent.
type firstFit struct{}

func (firstFit) Name() string { return "first-fit" }

func (firstFit) Select(task *swarm.Task, candidates []*swarm.Agent) *swarm.Agent {
	q := qualified(task, candidates)
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// bestFit maximizes the matched/required skill ratio, first found on ties.
type bestFit struct{}

func (bestFit) Name() string { return "best-fit" }

func (bestFit) Select(task *swarm.Task, candidates []*swarm.Agent) *swarm.Agent {
	var best *swarm.Agent
	var bestScore float64
	for _, a := range qualified(task, candidates) {
		_, score := swarm.SkillMatch(a.Skills, task.RequiredSkills)
		if best == nil || score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

// roundRobin rotates through qualified agents with a monotonically advancing
// index, independent of load.
type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (*roundRobin) Name() string { return "round-robin" }

func (r *roundRobin) Select(task *swarm.Task, candidates []*swarm.Agent) *swarm.Agent {
	q := qualified(task, candidates)
	if len(q) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a := q[r.next%len(q)]
	r.next++
	return a
}

// loadBalanced picks the qualified agent with the fewest lifetime completions.
type loadBalanced struct{}

func (loadBalanced) Name() string { return "load-balanced" }

func (loadBalanced) Select(task *swarm.Task, candidates []*swarm.Agent) *swarm.Agent {
	var best *swarm.Agent
	for _, a := range qualified(task, candidates) {
		if best == nil || a.TasksCompleted < best.TasksCompleted {
			best = a
		}
	}
	return best
}
