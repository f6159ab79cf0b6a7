// Package coordinator is the top-level swarm process: it spawns and stops
// agent harnesses, runs the periodic work-distribution and health-check
// loops, and reconciles tasks orphaned by dead or stalled agents.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentswarm/coordinator/internal/adapter"
	"github.com/agentswarm/coordinator/internal/agent"
	"github.com/agentswarm/coordinator/internal/events"
	"github.com/agentswarm/coordinator/internal/limiter"
	"github.com/agentswarm/coordinator/internal/store"
	"github.com/agentswarm/coordinator/internal/swarm"
)

// AdapterFactory creates an adapter for a spawned agent.
type AdapterFactory func(agentType string) (adapter.Adapter, error)

// Config configures the coordinator.
type Config struct {
	MaxAgents            int
	HeartbeatTimeout     time.Duration
	StalledTimeout       time.Duration
	DistributionInterval time.Duration
	HealthInterval       time.Duration // Defaults to half the heartbeat timeout
	LeaseSweepInterval   time.Duration
	SpawnTimeout         time.Duration // Max wait for a spawn permit
	Strategy             string
}

func (c *Config) applyDefaults() {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 8
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.StalledTimeout <= 0 {
		c.StalledTimeout = 5 * time.Minute
	}
	if c.DistributionInterval <= 0 {
		c.DistributionInterval = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = c.HeartbeatTimeout / 2
	}
	if c.LeaseSweepInterval <= 0 {
		c.LeaseSweepInterval = time.Minute
	}
	if c.SpawnTimeout <= 0 {
		c.SpawnTimeout = 5 * time.Second
	}
}

// Assignment is one predicted task-to-agent pairing from a distribution
// cycle. Advisory only: the agent's own poll loop performs the atomic claim,
// so another agent may win the task first.
type Assignment struct {
	TaskID  string
	AgentID string
}

// Distribution is the report of one distribution cycle.
type Distribution struct {
	Distributed int
	Unmatched   []string
	Assignments []Assignment
}

// Stats aggregates swarm state for the control surface.
type Stats struct {
	AgentsTotal    int
	AgentsIdle     int
	AgentsBusy     int
	AgentsDegraded int
	TasksByStatus  map[swarm.TaskStatus]int
	Completed      int
	Failed         int
	Uptime         time.Duration
}

// AgentHealth is a per-agent health snapshot.
type AgentHealth struct {
	AgentID             string
	Name                string
	Status              swarm.AgentStatus
	HeartbeatAge        time.Duration
	CurrentTaskID       string
	CurrentTaskRuntime  time.Duration
	ConsecutiveFailures int
	Degraded            bool
}

// Coordinator drives the swarm.
type Coordinator struct {
	cfg        Config
	store      *store.Store
	bus        *events.Bus
	limiter    *limiter.Limiter
	newAdapter AdapterFactory
	breakers   *agent.BreakerRegistry
	strategy   Strategy

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group
	agents    map[string]*agent.Harness
}

// New creates a coordinator.
func New(cfg Config, st *store.Store, bus *events.Bus, lim *limiter.Limiter, factory AdapterFactory) (*Coordinator, error) {
	cfg.applyDefaults()
	strategy, err := NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:        cfg,
		store:      st,
		bus:        bus,
		limiter:    lim,
		newAdapter: factory,
		breakers:   agent.NewBreakerRegistry(),
		strategy:   strategy,
		agents:     make(map[string]*agent.Harness),
	}, nil
}

// Start launches the distribution, health, and lease-sweep loops. Fails if
// already running.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("coordinator already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)

	g.Go(func() error {
		c.runLoop(gctx, c.cfg.DistributionInterval, "distribution", func() error {
			_, err := c.DistributeWork(gctx)
			return err
		})
		return nil
	})
	g.Go(func() error {
		c.runLoop(gctx, c.cfg.HealthInterval, "health", func() error {
			return c.CheckAgentHealth(gctx)
		})
		return nil
	})
	g.Go(func() error {
		c.store.RunLeaseSweeper(gctx, c.cfg.LeaseSweepInterval, func(err error) {
			slog.Error("lease sweep failed", "err", err)
		})
		return nil
	})

	c.running = true
	c.startedAt = time.Now()
	c.cancel = cancel
	c.group = g

	c.publish(events.TypeCoordStarted, events.AgentEvent{Reason: c.strategy.Name()})
	slog.Info("coordinator started", "strategy", c.strategy.Name(), "max_agents", c.cfg.MaxAgents)
	return nil
}

// runLoop ticks fn until cancellation. A failing tick logs and continues; it
// never stops the loop.
func (c *Coordinator) runLoop(ctx context.Context, interval time.Duration, name string, fn func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(); err != nil && ctx.Err() == nil {
				slog.Error("loop tick failed", "loop", name, "err", err)
			}
		}
	}
}

// Stop cancels the periodic loops first, then gracefully stops all agents in
// parallel. Idempotent on a stopped coordinator.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	group := c.group
	harnesses := make([]*agent.Harness, 0, len(c.agents))
	for _, h := range c.agents {
		harnesses = append(harnesses, h)
	}
	c.agents = make(map[string]*agent.Harness)
	c.mu.Unlock()

	cancel()
	_ = group.Wait()

	var g errgroup.Group
	for _, h := range harnesses {
		h := h
		g.Go(func() error {
			if err := h.Stop(ctx); err != nil {
				slog.Warn("agent stop failed", "agent_id", h.AgentID(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.limiter.Shutdown("coordinator stopped")
	c.publish(events.TypeCoordStopped, events.AgentEvent{})
	slog.Info("coordinator stopped")
	return nil
}

// SpawnAgent registers and starts a new agent harness. Rejects when the
// managed set is at MaxAgents; the spawn semaphore additionally bounds
// simultaneous spawn operations.
func (c *Coordinator) SpawnAgent(ctx context.Context, cfg agent.Config) (string, error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return "", fmt.Errorf("coordinator is not running")
	}
	if len(c.agents) >= c.cfg.MaxAgents {
		c.mu.Unlock()
		return "", fmt.Errorf("agent limit reached (%d)", c.cfg.MaxAgents)
	}
	c.mu.Unlock()

	if err := c.limiter.Spawns().Acquire(ctx, c.cfg.SpawnTimeout); err != nil {
		return "", fmt.Errorf("spawn limit: %w", err)
	}
	defer c.limiter.Spawns().Release()

	ad, err := c.newAdapter(cfg.Type)
	if err != nil {
		return "", fmt.Errorf("failed to create adapter: %w", err)
	}

	h := agent.New(cfg, c.store, c.bus, c.limiter, ad, c.breakers)
	agentID, err := h.Start(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	// Re-check the cap: a racing spawn may have filled the last slot.
	if len(c.agents) >= c.cfg.MaxAgents {
		c.mu.Unlock()
		_ = h.Stop(ctx)
		return "", fmt.Errorf("agent limit reached (%d)", c.cfg.MaxAgents)
	}
	c.agents[agentID] = h
	c.mu.Unlock()

	slog.Info("agent spawned", "agent_id", agentID, "name", cfg.Name, "skills", cfg.Skills)
	return agentID, nil
}

// SubmitTask creates a task and announces it on the bus. Agents claim it on
// their own poll cycle; submission never assigns.
func (c *Coordinator) SubmitTask(ctx context.Context, in store.TaskInput) (*swarm.Task, error) {
	task, err := c.store.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	c.publish(events.TypeTaskCreated, events.TaskEvent{TaskID: task.ID, Title: task.Title})
	return task, nil
}

// StopAgent gracefully stops one managed agent.
func (c *Coordinator) StopAgent(ctx context.Context, agentID string) error {
	c.mu.Lock()
	h, ok := c.agents[agentID]
	delete(c.agents, agentID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown agent: %s", agentID)
	}
	return h.Stop(ctx)
}

// DistributeWork computes advisory task-to-agent assignments: ready tasks in
// priority order against idle healthy agents, one assignment per agent per
// cycle. It never mutates task status -- claiming stays with the harness
// poll loops, which use the same skill rules, so the report is an accurate
// prediction rather than a commitment.
func (c *Coordinator) DistributeWork(ctx context.Context) (*Distribution, error) {
	tasks, err := c.store.ReadyTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tasks: %w", err)
	}

	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	// Strategies are pluggable; they get copies so a misbehaving Select
	// can't mutate registry state mid-cycle.
	pool := make([]*swarm.Agent, 0, len(agents))
	for _, a := range agents {
		if a.Status == swarm.AgentIdle {
			pool = append(pool, swarm.CloneAgent(a))
		}
	}

	dist := &Distribution{}
	for _, task := range tasks {
		selected := c.strategy.Select(task, pool)
		if selected == nil {
			dist.Unmatched = append(dist.Unmatched, task.ID)
			continue
		}
		dist.Distributed++
		dist.Assignments = append(dist.Assignments, Assignment{TaskID: task.ID, AgentID: selected.ID})

		// No double-assignment within a cycle.
		for i, a := range pool {
			if a.ID == selected.ID {
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
		}
	}

	if dist.Distributed > 0 || len(dist.Unmatched) > 0 {
		assignments := make(map[string]string, len(dist.Assignments))
		for _, a := range dist.Assignments {
			assignments[a.TaskID] = a.AgentID
		}
		c.publish(events.TypeDistribution, events.DistributionEvent{
			Distributed: dist.Distributed,
			Unmatched:   dist.Unmatched,
			Assignments: assignments,
		})
	}
	return dist, nil
}

// CheckAgentHealth scans the registry for dead, stalled, and degraded
// agents. Dead and stalled agents have their orphaned task requeued with an
// agent_crash/agent_stalled failure (same retry rules as any failure) and
// are removed from the managed set.
func (c *Coordinator) CheckAgentHealth(ctx context.Context) error {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agents: %w", err)
	}

	now := time.Now()
	for _, a := range agents {
		heartbeatAge := now.Sub(a.LastHeartbeat)

		if heartbeatAge > c.cfg.HeartbeatTimeout {
			c.reapAgent(ctx, a, swarm.FailureAgentCrash, events.TypeAgentCrashed,
				fmt.Sprintf("no heartbeat for %s", heartbeatAge.Round(time.Second)))
			continue
		}

		if a.Status == swarm.AgentBusy && !a.CurrentTaskStarted.IsZero() {
			taskRuntime := now.Sub(a.CurrentTaskStarted)
			if taskRuntime > c.cfg.StalledTimeout && heartbeatAge > c.cfg.StalledTimeout {
				c.reapAgent(ctx, a, swarm.FailureAgentStalled, events.TypeAgentStalled,
					fmt.Sprintf("task running for %s without progress", taskRuntime.Round(time.Second)))
				continue
			}
		}

		if a.Degraded() {
			c.publish(events.TypeAgentDegraded, events.AgentEvent{
				AgentID: a.ID,
				Name:    a.Name,
				Reason:  fmt.Sprintf("%d consecutive failures", a.ConsecutiveFailures),
			})
		}
	}
	return nil
}

// reapAgent handles one dead or stalled agent: requeue its orphaned task,
// release its leases, force-stop its harness, and deregister it.
func (c *Coordinator) reapAgent(ctx context.Context, a *swarm.Agent, failure swarm.FailureType, eventType, reason string) {
	slog.Warn("reaping agent", "agent_id", a.ID, "name", a.Name, "reason", reason)

	if a.CurrentTaskID != "" {
		if _, err := c.store.FailTask(ctx, a.CurrentTaskID, store.FailureInfo{
			Error: reason,
			Type:  failure,
		}); err != nil {
			slog.Error("failed to requeue orphaned task", "task_id", a.CurrentTaskID, "err", err)
		}
	}
	if err := c.store.ReleaseAgentLeases(ctx, a.ID); err != nil {
		slog.Error("failed to release agent leases", "agent_id", a.ID, "err", err)
	}

	c.mu.Lock()
	h, managed := c.agents[a.ID]
	delete(c.agents, a.ID)
	c.mu.Unlock()

	if managed {
		if err := h.Stop(ctx); err != nil {
			slog.Warn("force stop failed", "agent_id", a.ID, "err", err)
		}
	} else {
		// Unmanaged (externally registered) agent: clean up the registry row.
		c.bus.Detach(a.ID)
		if err := c.store.DeregisterAgent(ctx, a.ID); err != nil {
			slog.Warn("failed to deregister dead agent", "agent_id", a.ID, "err", err)
		}
	}

	c.publish(eventType, events.AgentEvent{
		AgentID: a.ID,
		Name:    a.Name,
		TaskID:  a.CurrentTaskID,
		Reason:  reason,
	})
}

// GetStats returns aggregate swarm counts.
func (c *Coordinator) GetStats(ctx context.Context) (*Stats, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	tasks, err := c.store.ListTasks(ctx, swarm.TaskFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}

	c.mu.Lock()
	startedAt := c.startedAt
	c.mu.Unlock()

	stats := &Stats{TasksByStatus: make(map[swarm.TaskStatus]int)}
	stats.AgentsTotal = len(agents)
	for _, a := range agents {
		switch a.Status {
		case swarm.AgentIdle:
			stats.AgentsIdle++
		case swarm.AgentBusy:
			stats.AgentsBusy++
		}
		if a.Degraded() {
			stats.AgentsDegraded++
		}
	}
	for _, t := range tasks {
		stats.TasksByStatus[t.Status]++
	}
	stats.Completed = stats.TasksByStatus[swarm.TaskCompleted]
	stats.Failed = stats.TasksByStatus[swarm.TaskFailed]
	if !startedAt.IsZero() {
		stats.Uptime = time.Since(startedAt)
	}
	return stats, nil
}

// GetAgentHealth returns a health snapshot per registered agent.
func (c *Coordinator) GetAgentHealth(ctx context.Context) ([]AgentHealth, error) {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	now := time.Now()
	snapshots := make([]AgentHealth, 0, len(agents))
	for _, a := range agents {
		snap := AgentHealth{
			AgentID:             a.ID,
			Name:                a.Name,
			Status:              a.Status,
			HeartbeatAge:        now.Sub(a.LastHeartbeat),
			CurrentTaskID:       a.CurrentTaskID,
			ConsecutiveFailures: a.ConsecutiveFailures,
			Degraded:            a.Degraded(),
		}
		if !a.CurrentTaskStarted.IsZero() {
			snap.CurrentTaskRuntime = now.Sub(a.CurrentTaskStarted)
		}
		snapshots = append(snapshots, snap)
	}
	return snapshots, nil
}

// Running reports whether the coordinator loops are active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Coordinator) publish(msgType string, payload any) {
	msg, err := events.New(msgType, "coordinator", payload)
	if err != nil {
		slog.Error("failed to build event", "type", msgType, "err", err)
		return
	}
	c.bus.Publish(*msg)
}
