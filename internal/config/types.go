package config

// AgentDef defines an agent role the coordinator can spawn. Multiple agents
// can be spawned from one definition.
type AgentDef struct {
	Type         string   `json:"type"`                    // Adapter type, e.g. "subprocess", "stub"
	Skills       []string `json:"skills,omitempty"`        // Capabilities advertised when claiming tasks
	SystemPrompt string   `json:"system_prompt,omitempty"` // Role-specific system prompt
	Count        int      `json:"count,omitempty"`         // Instances to spawn at startup (default 1)
}

// LimitsConfig bounds swarm-wide concurrency.
type LimitsConfig struct {
	MaxAgents          int     `json:"max_agents,omitempty"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks,omitempty"`
	MaxConcurrentSpawn int     `json:"max_concurrent_spawn,omitempty"`
	ThrottleFactor     float64 `json:"throttle_factor,omitempty"` // Permit multiplier under memory pressure
}

// TimingConfig holds the interval and timeout knobs, all in milliseconds.
type TimingConfig struct {
	HeartbeatIntervalMs    int `json:"heartbeat_interval_ms,omitempty"`
	HeartbeatTimeoutMs     int `json:"heartbeat_timeout_ms,omitempty"`
	StalledTimeoutMs       int `json:"stalled_timeout_ms,omitempty"`
	PollIntervalMs         int `json:"poll_interval_ms,omitempty"`
	DistributionIntervalMs int `json:"distribution_interval_ms,omitempty"`
	ClaimTimeoutMs         int `json:"claim_timeout_ms,omitempty"`
	LeaseTTLMs             int `json:"lease_ttl_ms,omitempty"`
	LeaseSweepIntervalMs   int `json:"lease_sweep_interval_ms,omitempty"`
}

// MemoryConfig sets the heap severity thresholds in MB.
type MemoryConfig struct {
	WarningMB        uint64 `json:"warning_mb,omitempty"`
	ElevatedMB       uint64 `json:"elevated_mb,omitempty"`
	CriticalMB       uint64 `json:"critical_mb,omitempty"`
	EmergencyMB      uint64 `json:"emergency_mb,omitempty"`
	SampleIntervalMs int    `json:"sample_interval_ms,omitempty"`
	SnapshotDir      string `json:"snapshot_dir,omitempty"`
}

// SwarmConfig is the top-level configuration.
type SwarmConfig struct {
	DBPath        string              `json:"db_path,omitempty"`
	ClaimStrategy string              `json:"claim_strategy,omitempty"` // first-fit, best-fit, round-robin, load-balanced
	Agents        map[string]AgentDef `json:"agents"`
	Limits        LimitsConfig        `json:"limits"`
	Timing        TimingConfig        `json:"timing"`
	Memory        MemoryConfig        `json:"memory"`
}
