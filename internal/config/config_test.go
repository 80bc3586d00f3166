package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "state/kotori.db" {
		t.Errorf("Unexpected default db path: %q", cfg.DBPath)
	}
	if cfg.Chat.Name != "kotori" || cfg.HTTP.Listen != ":8420" {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
	if cfg.Consolidation.Interval.Std() != 6*time.Hour || cfg.Consolidation.PruneFloor != 3 {
		t.Errorf("Unexpected consolidation defaults: %+v", cfg.Consolidation)
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	if _, err := Load("/nonexistent/kotori.yaml"); err != nil {
		t.Errorf("Missing config file should not error: %v", err)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "kotori.yaml")
	yaml := `
db_path: /data/bot.db
chat:
  name: tori
consolidation:
  interval: 1h
  prune_floor: 4
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("KOTORI_NAME", "tori2")
	t.Setenv("KOTORI_PRUNE_FLOOR", "6")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DBPath != "/data/bot.db" {
		t.Errorf("YAML value not applied: %q", cfg.DBPath)
	}
	// Environment beats the file.
	if cfg.Chat.Name != "tori2" {
		t.Errorf("Env override not applied: %q", cfg.Chat.Name)
	}
	if cfg.Consolidation.PruneFloor != 6 {
		t.Errorf("Env int override not applied: %d", cfg.Consolidation.PruneFloor)
	}
	if cfg.Consolidation.Interval.Std() != time.Hour {
		t.Errorf("YAML duration not applied: %v", cfg.Consolidation.Interval)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(path, []byte("db_path: [unclosed"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}
