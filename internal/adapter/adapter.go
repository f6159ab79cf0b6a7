// Package adapter defines the boundary to the external execution adapters
// that actually perform task work. Concrete adapters (shelling out to coding
// assistants) live outside the coordination core; the harness only depends
// on this contract.
package adapter

import (
	"context"

	"github.com/agentswarm/coordinator/internal/swarm"
)

// Request carries everything an adapter needs to execute one task.
type Request struct {
	Task         *swarm.Task
	SystemPrompt string
	TaskPrompt   string
	WorkDir      string
}

// Result is what an adapter reports back after execution.
type Result struct {
	Success       bool
	CreatedFiles  []string
	ModifiedFiles []string
	DeletedFiles  []string
	Learnings     string
	Error         string // Populated when Success is false
}

// ProgressFunc receives incremental progress (0-100) and a short status
// line during execution.
type ProgressFunc func(progress int, status string)

// Adapter executes tasks. Implementations own their subprocess lifecycle and
// must respect context cancellation.
type Adapter interface {
	// Run executes the task and returns the result. A non-nil error means
	// the adapter itself failed (transport, crash); a Result with
	// Success=false means the work was attempted and failed.
	Run(ctx context.Context, req Request, progress ProgressFunc) (Result, error)

	// Type identifies the adapter implementation for circuit-breaker
	// bucketing.
	Type() string
}
