package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*SwarmConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.swarm/config.json
// Project: .swarm/config.json (relative to cwd)
func LoadDefault() (*SwarmConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".swarm", "config.json")
	projectPath := filepath.Join(".swarm", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *SwarmConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Missing file is not an error
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded SwarmConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.ClaimStrategy != "" {
		base.ClaimStrategy = loaded.ClaimStrategy
	}

	// Agent definitions merge by key; a loaded definition replaces the base
	// one wholesale.
	for key, def := range loaded.Agents {
		if base.Agents == nil {
			base.Agents = make(map[string]AgentDef)
		}
		base.Agents[key] = def
	}

	mergeLimits(&base.Limits, loaded.Limits)
	mergeTiming(&base.Timing, loaded.Timing)
	mergeMemory(&base.Memory, loaded.Memory)

	return nil
}

// Scalar fields merge individually: a zero value means "not set" and keeps
// the base value.

func mergeLimits(base *LimitsConfig, loaded LimitsConfig) {
	if loaded.MaxAgents > 0 {
		base.MaxAgents = loaded.MaxAgents
	}
	if loaded.MaxConcurrentTasks > 0 {
		base.MaxConcurrentTasks = loaded.MaxConcurrentTasks
	}
	if loaded.MaxConcurrentSpawn > 0 {
		base.MaxConcurrentSpawn = loaded.MaxConcurrentSpawn
	}
	if loaded.ThrottleFactor > 0 {
		base.ThrottleFactor = loaded.ThrottleFactor
	}
}

func mergeTiming(base *TimingConfig, loaded TimingConfig) {
	if loaded.HeartbeatIntervalMs > 0 {
		base.HeartbeatIntervalMs = loaded.HeartbeatIntervalMs
	}
	if loaded.HeartbeatTimeoutMs > 0 {
		base.HeartbeatTimeoutMs = loaded.HeartbeatTimeoutMs
	}
	if loaded.StalledTimeoutMs > 0 {
		base.StalledTimeoutMs = loaded.StalledTimeoutMs
	}
	if loaded.PollIntervalMs > 0 {
		base.PollIntervalMs = loaded.PollIntervalMs
	}
	if loaded.DistributionIntervalMs > 0 {
		base.DistributionIntervalMs = loaded.DistributionIntervalMs
	}
	if loaded.ClaimTimeoutMs > 0 {
		base.ClaimTimeoutMs = loaded.ClaimTimeoutMs
	}
	if loaded.LeaseTTLMs > 0 {
		base.LeaseTTLMs = loaded.LeaseTTLMs
	}
	if loaded.LeaseSweepIntervalMs > 0 {
		base.LeaseSweepIntervalMs = loaded.LeaseSweepIntervalMs
	}
}

func mergeMemory(base *MemoryConfig, loaded MemoryConfig) {
	if loaded.WarningMB > 0 {
		base.WarningMB = loaded.WarningMB
	}
	if loaded.ElevatedMB > 0 {
		base.ElevatedMB = loaded.ElevatedMB
	}
	if loaded.CriticalMB > 0 {
		base.CriticalMB = loaded.CriticalMB
	}
	if loaded.EmergencyMB > 0 {
		base.EmergencyMB = loaded.EmergencyMB
	}
	if loaded.SampleIntervalMs > 0 {
		base.SampleIntervalMs = loaded.SampleIntervalMs
	}
	if loaded.SnapshotDir != "" {
		base.SnapshotDir = loaded.SnapshotDir
	}
}
