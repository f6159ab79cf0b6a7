package config

import (
	"path/filepath"
	"testing"
)

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.ClaimStrategy = "load-balanced"
	cfg.Limits.MaxAgents = 3
	cfg.Agents["tester"] = AgentDef{Type: "stub", Skills: []string{"testing"}, Count: 2}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.ClaimStrategy != "load-balanced" {
		t.Errorf("strategy not round-tripped, got %s", loaded.ClaimStrategy)
	}
	if loaded.Limits.MaxAgents != 3 {
		t.Errorf("limits not round-tripped, got %d", loaded.Limits.MaxAgents)
	}
	tester, ok := loaded.Agents["tester"]
	if !ok {
		t.Fatal("agent definition not round-tripped")
	}
	if tester.Count != 2 || len(tester.Skills) != 1 {
		t.Errorf("agent definition fields lost: %+v", tester)
	}
}

func TestSaveCreatesParentDirectories(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "b", "c", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("save should create parent directories: %v", err)
	}
	if _, err := Load(path, ""); err != nil {
		t.Fatalf("saved file should load: %v", err)
	}
}
