package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/agentswarm/coordinator/internal/adapter"
	"github.com/agentswarm/coordinator/internal/agent"
	"github.com/agentswarm/coordinator/internal/events"
	"github.com/agentswarm/coordinator/internal/limiter"
	"github.com/agentswarm/coordinator/internal/store"
	"github.com/agentswarm/coordinator/internal/swarm"
)

func testFactory(string) (adapter.Adapter, error) {
	return &adapter.Stub{}, nil
}

// testCoordinator wires a coordinator against an in-memory store with long
// loop intervals so tests drive cycles manually.
func testCoordinator(t *testing.T, cfg Config) (*Coordinator, *store.Store, *events.Bus) {
	t.Helper()
	st, err := store.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus(st)
	t.Cleanup(bus.Close)

	if cfg.DistributionInterval == 0 {
		cfg.DistributionInterval = time.Hour
	}
	if cfg.HealthInterval == 0 {
		cfg.HealthInterval = time.Hour
	}
	if cfg.LeaseSweepInterval == 0 {
		cfg.LeaseSweepInterval = time.Hour
	}

	c, err := New(cfg, st, bus, limiter.New(4, 2), testFactory)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return c, st, bus
}

func TestStartRejectsDoubleStart(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop(ctx)

	if err := c.Start(ctx); err == nil {
		t.Error("second start should be rejected")
	}
	if !c.Running() {
		t.Error("coordinator should report running")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
	if c.Running() {
		t.Error("coordinator should not report running")
	}
}

func TestSpawnAgentEnforcesCap(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{MaxAgents: 1})
	ctx := context.Background()

	if err := c.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer c.Stop(ctx)

	id, err := c.SpawnAgent(ctx, agent.Config{Name: "worker-1", Type: "stub"})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if id == "" {
		t.Fatal("spawn should return the agent ID")
	}

	if _, err := c.SpawnAgent(ctx, agent.Config{Name: "worker-2", Type: "stub"}); err == nil {
		t.Error("spawn above the cap should be rejected")
	}

	// Stopping an agent frees a slot.
	if err := c.StopAgent(ctx, id); err != nil {
		t.Fatalf("stop agent failed: %v", err)
	}
	if _, err := c.SpawnAgent(ctx, agent.Config{Name: "worker-3", Type: "stub"}); err != nil {
		t.Errorf("spawn after a stop should succeed: %v", err)
	}
}

func TestSpawnRequiresRunningCoordinator(t *testing.T) {
	c, _, _ := testCoordinator(t, Config{})

	if _, err := c.SpawnAgent(context.Background(), agent.Config{Name: "w", Type: "stub"}); err == nil {
		t.Error("spawn on a stopped coordinator should be rejected")
	}
}

func TestDistributeWorkMatchesSkills(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	// Tasks: two typescript, one rust. Agents: one typescript, one python.
	tsTask1, err := st.CreateTask(ctx, store.TaskInput{Title: "ts-1", RequiredSkills: []string{"typescript"}, Priority: swarm.PriorityHigh})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := st.CreateTask(ctx, store.TaskInput{Title: "ts-2", RequiredSkills: []string{"typescript"}}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	rustTask, err := st.CreateTask(ctx, store.TaskInput{Title: "rust-1", RequiredSkills: []string{"rust"}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	tsAgent, err := st.RegisterAgent(ctx, &swarm.Agent{Name: "ts-worker", Type: "stub", Skills: []string{"typescript"}})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := st.RegisterAgent(ctx, &swarm.Agent{Name: "py-worker", Type: "stub", Skills: []string{"python"}}); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	dist, err := c.DistributeWork(ctx)
	if err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	if dist.Distributed != 1 {
		t.Errorf("expected 1 assignment, got %d", dist.Distributed)
	}
	if len(dist.Assignments) != 1 || dist.Assignments[0].TaskID != tsTask1.ID || dist.Assignments[0].AgentID != tsAgent.ID {
		t.Errorf("expected high-priority typescript task on the typescript agent, got %+v", dist.Assignments)
	}
	// ts-2 lost its only candidate this cycle, rust-1 never had one.
	if len(dist.Unmatched) != 2 {
		t.Errorf("expected 2 unmatched tasks, got %v", dist.Unmatched)
	}
	var rustUnmatched bool
	for _, id := range dist.Unmatched {
		if id == rustTask.ID {
			rustUnmatched = true
		}
	}
	if !rustUnmatched {
		t.Error("the rust task should be reported unmatched")
	}

	// Advisory only: no task status changed.
	got, err := st.GetTask(ctx, tsTask1.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != swarm.TaskReady {
		t.Errorf("distribution must not claim tasks, got %s", got.Status)
	}
}

func TestDistributeWorkSkipsBusyAgents(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, store.TaskInput{Title: "work"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	busy, err := st.RegisterAgent(ctx, &swarm.Agent{Name: "busy", Type: "stub"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := st.SetCurrentTask(ctx, busy.ID, "elsewhere"); err != nil {
		t.Fatalf("set busy failed: %v", err)
	}

	dist, err := c.DistributeWork(ctx)
	if err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	if dist.Distributed != 0 {
		t.Errorf("busy agents must not receive assignments, got %d", dist.Distributed)
	}
	if len(dist.Unmatched) != 1 {
		t.Errorf("the task should be unmatched, got %v", dist.Unmatched)
	}
}

func TestCheckAgentHealthReapsDeadAgent(t *testing.T) {
	c, st, bus := testCoordinator(t, Config{HeartbeatTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	var crashes []events.Message
	bus.Subscribe(events.TypeAgentCrashed, func(m events.Message) { crashes = append(crashes, m) })

	task, err := st.CreateTask(ctx, store.TaskInput{Title: "orphaned", MaxRetries: 2})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	dead, err := st.RegisterAgent(ctx, &swarm.Agent{Name: "doomed", Type: "stub"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, dead.ID, nil); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := st.SetCurrentTask(ctx, dead.ID, task.ID); err != nil {
		t.Fatalf("set busy failed: %v", err)
	}
	if ok, err := st.AcquireLease(ctx, "src/main.go", dead.ID, task.ID, time.Minute); err != nil || !ok {
		t.Fatalf("lease failed: ok=%v err=%v", ok, err)
	}

	// Let the heartbeat go stale past the timeout.
	time.Sleep(20 * time.Millisecond)

	if err := c.CheckAgentHealth(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// The orphaned task is requeued with an agent_crash failure.
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != swarm.TaskReady {
		t.Errorf("orphaned task should be requeued, got %s", got.Status)
	}
	if got.FailureType != swarm.FailureAgentCrash {
		t.Errorf("expected agent_crash failure type, got %s", got.FailureType)
	}
	if got.Retries != 1 {
		t.Errorf("crash requeue consumes a retry, got %d", got.Retries)
	}

	// Leases are released and the agent is gone from the registry.
	lease, err := st.LeaseStatus(ctx, "src/main.go")
	if err != nil {
		t.Fatalf("lease status failed: %v", err)
	}
	if lease != nil {
		t.Error("dead agent's leases should be released")
	}
	if _, err := st.GetAgent(ctx, dead.ID); err == nil {
		t.Error("dead agent should be deregistered")
	}

	if len(crashes) != 1 {
		t.Fatalf("expected 1 crash event, got %d", len(crashes))
	}
	var ev events.AgentEvent
	if err := crashes[0].Decode(&ev); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.AgentID != dead.ID || ev.TaskID != task.ID {
		t.Errorf("crash event should name the agent and orphaned task: %+v", ev)
	}
}

func TestCheckAgentHealthLeavesHealthyAgentsAlone(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{HeartbeatTimeout: time.Minute})
	ctx := context.Background()

	a, err := st.RegisterAgent(ctx, &swarm.Agent{Name: "fine", Type: "stub"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if err := c.CheckAgentHealth(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if _, err := st.GetAgent(ctx, a.ID); err != nil {
		t.Errorf("healthy agent must survive the health check: %v", err)
	}
}

func TestSubmitTaskAnnounces(t *testing.T) {
	c, st, bus := testCoordinator(t, Config{})
	ctx := context.Background()

	var created []events.Message
	bus.Subscribe(events.TypeTaskCreated, func(m events.Message) { created = append(created, m) })

	task, err := c.SubmitTask(ctx, store.TaskInput{Title: "announced"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 created event, got %d", len(created))
	}
	var ev events.TaskEvent
	if err := created[0].Decode(&ev); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ev.TaskID != task.ID {
		t.Errorf("event should name the task, got %s", ev.TaskID)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != swarm.TaskReady {
		t.Errorf("submitted task should be claimable, got %s", got.Status)
	}
}

func TestGetStatsAggregates(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, store.TaskInput{Title: "a"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := st.CreateTask(ctx, store.TaskInput{Title: "b"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	a, err := st.RegisterAgent(ctx, &swarm.Agent{Name: "w", Type: "stub"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if _, err := st.ClaimTask(ctx, a.ID, nil); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := st.SetCurrentTask(ctx, a.ID, "whatever"); err != nil {
		t.Fatalf("set busy failed: %v", err)
	}

	stats, err := c.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.AgentsTotal != 1 || stats.AgentsBusy != 1 || stats.AgentsIdle != 0 {
		t.Errorf("agent counts wrong: %+v", stats)
	}
	if stats.TasksByStatus[swarm.TaskReady] != 1 || stats.TasksByStatus[swarm.TaskClaimed] != 1 {
		t.Errorf("task counts wrong: %v", stats.TasksByStatus)
	}
}

func TestGetAgentHealthSnapshots(t *testing.T) {
	c, st, _ := testCoordinator(t, Config{})
	ctx := context.Background()

	a, err := st.RegisterAgent(ctx, &swarm.Agent{Name: "w", Type: "stub"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	for i := 0; i < swarm.DegradedThreshold; i++ {
		if err := st.RecordTaskResult(ctx, a.ID, false, time.Second); err != nil {
			t.Fatalf("record failed: %v", err)
		}
	}

	health, err := c.GetAgentHealth(ctx)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if len(health) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(health))
	}
	if !health[0].Degraded {
		t.Error("snapshot should report the agent degraded")
	}
	if health[0].ConsecutiveFailures != swarm.DegradedThreshold {
		t.Errorf("expected %d consecutive failures, got %d", swarm.DegradedThreshold, health[0].ConsecutiveFailures)
	}
}
