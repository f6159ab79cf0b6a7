// Package agent runs the per-agent harness loop: register, heartbeat, poll
// for claimable work, lease the files the task touches, execute through the
// adapter, and report the outcome.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentswarm/coordinator/internal/adapter"
	"github.com/agentswarm/coordinator/internal/events"
	"github.com/agentswarm/coordinator/internal/limiter"
	"github.com/agentswarm/coordinator/internal/store"
	"github.com/agentswarm/coordinator/internal/swarm"
)

// Config configures one agent harness.
type Config struct {
	Name              string
	Type              string // Capability class, e.g. "coder"
	Skills            []string
	SystemPrompt      string
	WorkDir           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ClaimTimeout      time.Duration // Max wait for a task-execution permit
	LeaseTTL          time.Duration
	Retry             RetryConfig
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 500 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
}

// Harness is the runtime loop for one agent.
type Harness struct {
	cfg      Config
	store    *store.Store
	bus      *events.Bus
	limiter  *limiter.Limiter
	adapter  adapter.Adapter
	breakers *BreakerRegistry

	agentID string
	cancel  context.CancelFunc
	done    chan struct{}

	mu          sync.Mutex
	currentTask *swarm.Task
	heldLeases  []string
}

// New creates a harness. The breaker registry is shared across harnesses so
// all agents see the same per-adapter-type circuit state.
func New(cfg Config, st *store.Store, bus *events.Bus, lim *limiter.Limiter, a adapter.Adapter, breakers *BreakerRegistry) *Harness {
	cfg.applyDefaults()
	return &Harness{
		cfg:      cfg,
		store:    st,
		bus:      bus,
		limiter:  lim,
		adapter:  a,
		breakers: breakers,
		done:     make(chan struct{}),
	}
}

// AgentID returns the registry ID, valid after Start.
func (h *Harness) AgentID() string { return h.agentID }

// Start registers the agent and launches the heartbeat and poll loops.
func (h *Harness) Start(ctx context.Context) (string, error) {
	registered, err := h.store.RegisterAgent(ctx, &swarm.Agent{
		Name:   h.cfg.Name,
		Type:   h.cfg.Type,
		Skills: h.cfg.Skills,
	})
	if err != nil {
		return "", fmt.Errorf("failed to register agent: %w", err)
	}
	h.agentID = registered.ID

	if err := h.bus.Attach(ctx, h.agentID, h.onDirectMessage); err != nil {
		_ = h.store.DeregisterAgent(ctx, h.agentID)
		return "", err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.run(loopCtx)

	h.publish(events.TypeAgentSpawned, events.AgentEvent{AgentID: h.agentID, Name: h.cfg.Name})
	return h.agentID, nil
}

// run drives the heartbeat and poll loops until cancellation. The loops are
// separate goroutines: a task occupies the poll loop for its whole runtime,
// and the heartbeat must keep ticking through it or the health check would
// reap a live agent.
func (h *Harness) run(ctx context.Context) {
	defer close(h.done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		h.pollLoop(ctx)
	}()
	wg.Wait()
}

func (h *Harness) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.store.Heartbeat(ctx, h.agentID); err != nil && ctx.Err() == nil {
				slog.Error("heartbeat failed", "agent_id", h.agentID, "err", err)
			}
		}
	}
}

func (h *Harness) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Error isolation: a failing poll tick logs and continues.
			if err := h.poll(ctx); err != nil && ctx.Err() == nil {
				slog.Error("poll tick failed", "agent_id", h.agentID, "err", err)
			}
		}
	}
}

// poll attempts one claim-execute cycle. Contention at any stage (no permit,
// no eligible task, lease busy) is a normal outcome, not an error.
func (h *Harness) poll(ctx context.Context) error {
	h.mu.Lock()
	busy := h.currentTask != nil
	h.mu.Unlock()
	if busy {
		return nil
	}

	// Backpressure gate: the task semaphore bounds swarm-wide concurrency
	// and is squeezed by the resource monitor.
	if err := h.limiter.Tasks().Acquire(ctx, h.cfg.ClaimTimeout); err != nil {
		if errors.Is(err, limiter.ErrTimeout) {
			return nil
		}
		var cancelled *limiter.CancelledError
		if errors.As(err, &cancelled) || ctx.Err() != nil {
			return nil
		}
		return err
	}

	task, err := h.store.ClaimTask(ctx, h.agentID, h.cfg.Skills)
	if err != nil {
		h.limiter.Tasks().Release()
		return err
	}
	if task == nil {
		h.limiter.Tasks().Release()
		return nil
	}

	h.execute(ctx, task)
	return nil
}

// execute runs one claimed task through leasing, the adapter, and reporting.
// The task-execution permit is held for the whole attempt.
func (h *Harness) execute(ctx context.Context, task *swarm.Task) {
	defer h.limiter.Tasks().Release()

	h.mu.Lock()
	h.currentTask = task
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.currentTask = nil
		h.heldLeases = nil
		h.mu.Unlock()
	}()

	if err := h.store.SetCurrentTask(ctx, h.agentID, task.ID); err != nil {
		slog.Error("failed to mark agent busy", "agent_id", h.agentID, "err", err)
	}
	h.publish(events.TypeTaskClaimed, events.TaskEvent{TaskID: task.ID, Title: task.Title, AgentID: h.agentID})

	// File leases before execution; contention returns the task for another
	// agent without consuming a retry.
	if len(task.WritesFiles) > 0 {
		ok, err := h.store.AcquireLeases(ctx, task.WritesFiles, h.agentID, task.ID, h.cfg.LeaseTTL)
		if err != nil {
			slog.Error("lease acquisition failed", "agent_id", h.agentID, "task_id", task.ID, "err", err)
		}
		if !ok {
			if relErr := h.store.ReleaseTask(ctx, task.ID, "lease_contention"); relErr != nil {
				slog.Error("failed to release task after lease contention", "task_id", task.ID, "err", relErr)
			}
			_ = h.store.SetCurrentTask(ctx, h.agentID, "")
			h.publish(events.TypeTaskReleased, events.TaskEvent{TaskID: task.ID, AgentID: h.agentID, Error: "lease_contention"})
			return
		}
		h.mu.Lock()
		h.heldLeases = append([]string(nil), task.WritesFiles...)
		h.mu.Unlock()
	}
	defer h.releaseLeases(ctx)

	if err := h.store.StartTask(ctx, task.ID, h.agentID); err != nil {
		if ctx.Err() != nil {
			h.stopRelease(task)
			return
		}
		slog.Error("failed to start task", "task_id", task.ID, "err", err)
		return
	}
	h.publish(events.TypeTaskStarted, events.TaskEvent{TaskID: task.ID, AgentID: h.agentID})

	started := time.Now()
	progress := func(p int, status string) {
		if err := h.store.UpdateProgress(ctx, task.ID, p); err != nil {
			return
		}
		// Progress doubles as liveness for stall detection.
		_ = h.store.Heartbeat(ctx, h.agentID)
		h.publish(events.TypeTaskProgress, events.TaskEvent{TaskID: task.ID, AgentID: h.agentID, Progress: p, Status: status})
	}

	// The adapter gets a copy: external executors must not be able to
	// change the task the harness reports on.
	req := adapter.Request{
		Task:         swarm.CloneTask(task),
		SystemPrompt: h.cfg.SystemPrompt,
		TaskPrompt:   task.Description,
		WorkDir:      h.cfg.WorkDir,
	}
	result, err := runWithRetry(ctx, h.adapter, req, progress, h.breakers.Get(h.adapter.Type()), h.cfg.Retry)
	runtime := time.Since(started)

	switch {
	case ctx.Err() != nil:
		// Shutdown mid-task: voluntary release, no retry consumed.
		h.stopRelease(task)
		return
	case err != nil:
		h.reportFailure(ctx, task, fmt.Sprintf("adapter error: %v", err), runtime)
	case !result.Success:
		h.reportFailure(ctx, task, result.Error, runtime)
	default:
		h.reportSuccess(ctx, task, result, runtime)
	}

	if err := h.store.SetCurrentTask(ctx, h.agentID, ""); err != nil && ctx.Err() == nil {
		slog.Error("failed to mark agent idle", "agent_id", h.agentID, "err", err)
	}
}

func (h *Harness) reportSuccess(ctx context.Context, task *swarm.Task, result adapter.Result, runtime time.Duration) {
	if err := h.store.CompleteTask(ctx, task.ID, result.Learnings); err != nil {
		slog.Error("failed to complete task", "task_id", task.ID, "err", err)
		return
	}
	if err := h.store.RecordTaskResult(ctx, h.agentID, true, runtime); err != nil {
		slog.Error("failed to record task result", "agent_id", h.agentID, "err", err)
	}
	h.publish(events.TypeTaskCompleted, events.TaskEvent{TaskID: task.ID, AgentID: h.agentID, Result: result.Learnings})
}

func (h *Harness) reportFailure(ctx context.Context, task *swarm.Task, errMsg string, runtime time.Duration) {
	failed, err := h.store.FailTask(ctx, task.ID, store.FailureInfo{
		Error: errMsg,
		Type:  swarm.FailureExecution,
	})
	if err != nil {
		slog.Error("failed to record task failure", "task_id", task.ID, "err", err)
		return
	}
	if err := h.store.RecordTaskResult(ctx, h.agentID, false, runtime); err != nil {
		slog.Error("failed to record task result", "agent_id", h.agentID, "err", err)
	}
	h.publish(events.TypeTaskFailed, events.TaskEvent{
		TaskID:      task.ID,
		AgentID:     h.agentID,
		Error:       errMsg,
		FailureType: string(failed.FailureType),
	})
}

// stopRelease returns an interrupted task and its leases on shutdown. The
// loop context is already cancelled by then, so the store calls get their
// own deadline.
func (h *Harness) stopRelease(task *swarm.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.store.ReleaseTask(ctx, task.ID, "agent_stopped"); err != nil {
		slog.Warn("failed to release task on stop", "task_id", task.ID, "err", err)
	}
	h.releaseLeases(ctx)
	h.publish(events.TypeTaskReleased, events.TaskEvent{TaskID: task.ID, AgentID: h.agentID, Error: "agent_stopped"})
}

// Stop performs a graceful shutdown: the loops drain, the interrupted task
// (if any) goes back as a voluntary release inside the execute path, leases
// are dropped, and the agent is deregistered.
func (h *Harness) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
		<-h.done
	}

	h.releaseLeases(ctx)

	h.bus.Detach(h.agentID)
	if err := h.store.DeregisterAgent(ctx, h.agentID); err != nil {
		return fmt.Errorf("failed to deregister agent: %w", err)
	}
	h.publish(events.TypeAgentStopped, events.AgentEvent{AgentID: h.agentID, Name: h.cfg.Name, Reason: "graceful"})
	return nil
}

func (h *Harness) releaseLeases(ctx context.Context) {
	h.mu.Lock()
	held := h.heldLeases
	h.heldLeases = nil
	h.mu.Unlock()

	for _, key := range held {
		if _, err := h.store.ReleaseLease(ctx, key, h.agentID); err != nil {
			slog.Warn("failed to release lease", "key", key, "err", err)
		}
	}
}

// onDirectMessage handles direct messages addressed to this agent.
func (h *Harness) onDirectMessage(msg events.Message) {
	slog.Debug("direct message received", "agent_id", h.agentID, "type", msg.Type, "from", msg.Sender)
	if msg.RequiresAck {
		if _, err := h.bus.Acknowledge(context.Background(), msg.ID, h.agentID); err != nil {
			slog.Warn("failed to acknowledge message", "message_id", msg.ID, "err", err)
		}
	}
}

func (h *Harness) publish(msgType string, payload any) {
	msg, err := events.New(msgType, h.agentID, payload)
	if err != nil {
		slog.Error("failed to build event", "type", msgType, "err", err)
		return
	}
	h.bus.Publish(*msg)
}
