package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message type constants, routed by the bus.
const (
	TypeTaskCreated   = "task.created"
	TypeTaskClaimed   = "task.claimed"
	TypeTaskStarted   = "task.started"
	TypeTaskProgress  = "task.progress"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskReleased  = "task.released"

	TypeAgentSpawned  = "agent.spawned"
	TypeAgentStopped  = "agent.stopped"
	TypeAgentCrashed  = "agent.crashed"
	TypeAgentStalled  = "agent.stalled"
	TypeAgentDegraded = "agent.degraded"

	TypeDistribution   = "coordinator.distribution"
	TypeCoordStarted   = "coordinator.started"
	TypeCoordStopped   = "coordinator.stopped"
	TypeMemorySeverity = "memory.severity"

	TypeDirect = "agent.direct"
)

// Message is the unit the bus routes: broadcast when Recipient is empty,
// direct delivery otherwise. Ack-required messages are not considered
// delivered until acknowledged by the recipient.
type Message struct {
	ID          string
	Type        string
	Sender      string
	Recipient   string // Empty means broadcast
	Payload     string // JSON-encoded payload struct for the Type
	RequiresAck bool
	AckedBy     string
	AckedAt     time.Time
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// TaskEvent is the payload for task.* messages.
type TaskEvent struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	Progress    int    `json:"progress,omitempty"`
	Status      string `json:"status,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	FailureType string `json:"failure_type,omitempty"`
}

// AgentEvent is the payload for agent.* lifecycle messages.
type AgentEvent struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
	TaskID  string `json:"task_id,omitempty"` // Task orphaned by a crash/stall
	Reason  string `json:"reason,omitempty"`
}

// DistributionEvent is the payload for a distribution cycle report.
type DistributionEvent struct {
	Distributed int               `json:"distributed"`
	Unmatched   []string          `json:"unmatched,omitempty"`
	Assignments map[string]string `json:"assignments,omitempty"` // taskID -> agentID
}

// SeverityEvent is the payload for memory severity transitions.
type SeverityEvent struct {
	From       string `json:"from"`
	To         string `json:"to"`
	HeapMB     uint64 `json:"heap_mb"`
	Escalating bool   `json:"escalating"`
}

// New builds a broadcast message of the given type with a JSON-encoded
// payload. Payloads are typed structs, never free-form maps, so every
// message type has a schema.
func New(msgType, sender string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Payload:   string(data),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// NewDirect builds a direct message to recipient.
func NewDirect(msgType, sender, recipient string, payload any, requiresAck bool) (*Message, error) {
	msg, err := New(msgType, sender, payload)
	if err != nil {
		return nil, err
	}
	msg.Recipient = recipient
	msg.RequiresAck = requiresAck
	return msg, nil
}

// Decode unmarshals the message payload into out.
func (m *Message) Decode(out any) error {
	if err := json.Unmarshal([]byte(m.Payload), out); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Type, err)
	}
	return nil
}

// Expired reports whether the message has an expiry in the past.
func (m *Message) Expired() bool {
	return !m.ExpiresAt.IsZero() && time.Now().After(m.ExpiresAt)
}
