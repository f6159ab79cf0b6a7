package config

// DefaultConfig returns the default configuration with a built-in generalist
// agent and conservative limits.
func DefaultConfig() *SwarmConfig {
	return &SwarmConfig{
		DBPath:        ".swarm/swarm.db",
		ClaimStrategy: "best-fit",
		Agents: map[string]AgentDef{
			"worker": {
				Type:         "subprocess",
				SystemPrompt: "You pick up tasks from the queue and complete them.",
				Count:        2,
			},
		},
		Limits: LimitsConfig{
			MaxAgents:          8,
			MaxConcurrentTasks: 4,
			MaxConcurrentSpawn: 2,
			ThrottleFactor:     0.5,
		},
		Timing: TimingConfig{
			HeartbeatIntervalMs:    5000,
			HeartbeatTimeoutMs:     30000,
			StalledTimeoutMs:       300000,
			PollIntervalMs:         2000,
			DistributionIntervalMs: 5000,
			ClaimTimeoutMs:         500,
			LeaseTTLMs:             300000,
			LeaseSweepIntervalMs:   60000,
		},
		Memory: MemoryConfig{
			WarningMB:        512,
			ElevatedMB:       1024,
			CriticalMB:       2048,
			EmergencyMB:      3072,
			SampleIntervalMs: 10000,
			SnapshotDir:      ".swarm/snapshots",
		},
	}
}
