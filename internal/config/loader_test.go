package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ClaimStrategy != "best-fit" {
		t.Errorf("expected default strategy best-fit, got %s", cfg.ClaimStrategy)
	}
	if cfg.Limits.MaxAgents != 8 {
		t.Errorf("expected default max agents 8, got %d", cfg.Limits.MaxAgents)
	}
	if _, ok := cfg.Agents["worker"]; !ok {
		t.Error("default config should define the worker agent")
	}
}

func TestLoadMissingFilesAreNotErrors(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("missing files should not error: %v", err)
	}
	if cfg.Limits.MaxAgents != 8 {
		t.Errorf("defaults should survive missing files, got %d", cfg.Limits.MaxAgents)
	}
}

func TestLoadMalformedJSONErrors(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.json", `{not json`)

	if _, err := Load(path, ""); err == nil {
		t.Fatal("malformed JSON should error")
	}
}

func TestLoadMergePrecedence(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeConfigFile(t, dir, "global.json", `{
		"claim_strategy": "round-robin",
		"limits": {"max_agents": 16, "max_concurrent_tasks": 10}
	}`)
	projectPath := writeConfigFile(t, dir, "project.json", `{
		"limits": {"max_agents": 4}
	}`)

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// Project wins over global; global wins over defaults; untouched fields
	// keep their defaults.
	if cfg.Limits.MaxAgents != 4 {
		t.Errorf("project should override global max_agents, got %d", cfg.Limits.MaxAgents)
	}
	if cfg.Limits.MaxConcurrentTasks != 10 {
		t.Errorf("global should override default max_concurrent_tasks, got %d", cfg.Limits.MaxConcurrentTasks)
	}
	if cfg.ClaimStrategy != "round-robin" {
		t.Errorf("global strategy should survive the project merge, got %s", cfg.ClaimStrategy)
	}
	if cfg.Timing.HeartbeatIntervalMs != 5000 {
		t.Errorf("untouched timing should keep defaults, got %d", cfg.Timing.HeartbeatIntervalMs)
	}
}

func TestLoadMergesAgentDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.json", `{
		"agents": {
			"reviewer": {"type": "stub", "skills": ["review"], "count": 1}
		}
	}`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, ok := cfg.Agents["worker"]; !ok {
		t.Error("default agent definitions should survive the merge")
	}
	reviewer, ok := cfg.Agents["reviewer"]
	if !ok {
		t.Fatal("loaded agent definition missing")
	}
	if len(reviewer.Skills) != 1 || reviewer.Skills[0] != "review" {
		t.Errorf("agent definition not loaded: %+v", reviewer)
	}
}

func TestLoadMemoryThresholds(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, "config.json", `{
		"memory": {"warning_mb": 256, "emergency_mb": 4096}
	}`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Memory.WarningMB != 256 {
		t.Errorf("warning threshold not merged, got %d", cfg.Memory.WarningMB)
	}
	if cfg.Memory.EmergencyMB != 4096 {
		t.Errorf("emergency threshold not merged, got %d", cfg.Memory.EmergencyMB)
	}
	if cfg.Memory.ElevatedMB != 1024 {
		t.Errorf("unset thresholds should keep defaults, got %d", cfg.Memory.ElevatedMB)
	}
}
