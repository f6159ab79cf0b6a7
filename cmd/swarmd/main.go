package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentswarm/coordinator/internal/adapter"
	"github.com/agentswarm/coordinator/internal/agent"
	"github.com/agentswarm/coordinator/internal/config"
	"github.com/agentswarm/coordinator/internal/coordinator"
	"github.com/agentswarm/coordinator/internal/events"
	"github.com/agentswarm/coordinator/internal/limiter"
	"github.com/agentswarm/coordinator/internal/memmon"
	"github.com/agentswarm/coordinator/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(st)
	defer bus.Close()

	lim := limiter.New(cfg.Limits.MaxConcurrentTasks, cfg.Limits.MaxConcurrentSpawn)

	// Memory monitor drives the limiter under heap pressure. An emergency
	// that persists takes the whole swarm down via the signal context.
	monitor, err := memmon.New(memmon.Config{
		Thresholds: memmon.Thresholds{
			WarningMB:   cfg.Memory.WarningMB,
			ElevatedMB:  cfg.Memory.ElevatedMB,
			CriticalMB:  cfg.Memory.CriticalMB,
			EmergencyMB: cfg.Memory.EmergencyMB,
		},
		SampleInterval: ms(cfg.Memory.SampleIntervalMs),
		SnapshotDir:    cfg.Memory.SnapshotDir,
		OnTransition: func(tr memmon.Transition) {
			msg, err := events.New(events.TypeMemorySeverity, "memmon", events.SeverityEvent{
				From:       tr.From.String(),
				To:         tr.To.String(),
				HeapMB:     tr.HeapMB,
				Escalating: tr.Escalating,
			})
			if err == nil {
				bus.Publish(*msg)
			}
		},
		OnEmergency: func() {
			slog.Error("memory emergency, shutting down")
			stop()
		},
	}, lim, cfg.Limits.ThrottleFactor)
	if err != nil {
		return fmt.Errorf("configuring memory monitor: %w", err)
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("starting memory monitor: %w", err)
	}
	defer monitor.Stop()

	coord, err := coordinator.New(coordinator.Config{
		MaxAgents:            cfg.Limits.MaxAgents,
		HeartbeatTimeout:     ms(cfg.Timing.HeartbeatTimeoutMs),
		StalledTimeout:       ms(cfg.Timing.StalledTimeoutMs),
		DistributionInterval: ms(cfg.Timing.DistributionIntervalMs),
		LeaseSweepInterval:   ms(cfg.Timing.LeaseSweepIntervalMs),
		Strategy:             cfg.ClaimStrategy,
	}, st, bus, lim, newAdapter)
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("starting coordinator: %w", err)
	}

	// Spawn the configured agent roster.
	for name, def := range cfg.Agents {
		count := def.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			agentCfg := agent.Config{
				Name:              fmt.Sprintf("%s-%d", name, i+1),
				Type:              def.Type,
				Skills:            def.Skills,
				SystemPrompt:      def.SystemPrompt,
				HeartbeatInterval: ms(cfg.Timing.HeartbeatIntervalMs),
				PollInterval:      ms(cfg.Timing.PollIntervalMs),
				ClaimTimeout:      ms(cfg.Timing.ClaimTimeoutMs),
				LeaseTTL:          ms(cfg.Timing.LeaseTTLMs),
			}
			if _, err := coord.SpawnAgent(ctx, agentCfg); err != nil {
				slog.Error("failed to spawn agent", "name", agentCfg.Name, "err", err)
			}
		}
	}

	<-ctx.Done()
	stop() // Restore default signal handling: double Ctrl+C = force exit

	slog.Info("shutdown signal received, stopping swarm")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return coord.Stop(shutdownCtx)
}

// newAdapter maps a configured agent type to an execution adapter. Real
// backends plug in here; the stub completes tasks immediately.
func newAdapter(agentType string) (adapter.Adapter, error) {
	switch agentType {
	case "stub", "subprocess":
		// TODO: replace the subprocess mapping with an exec-based adapter
		// once the worker CLI contract is settled.
		return &adapter.Stub{}, nil
	default:
		return nil, fmt.Errorf("unknown adapter type: %s", agentType)
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
