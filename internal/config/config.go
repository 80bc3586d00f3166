// Package config loads bot configuration from an optional YAML file with
// environment variable overrides. Environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML can carry values like "6h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds everything the bot needs to start.
type Config struct {
	DBPath string `yaml:"db_path"`

	Chat struct {
		URL      string `yaml:"url"`
		RoomID   string `yaml:"room_id"`
		Name     string `yaml:"name"`
		TripCode string `yaml:"trip_code"`
	} `yaml:"chat"`

	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`

	LLM struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
	} `yaml:"llm"`

	Embedding struct {
		URL   string `yaml:"url"`
		Model string `yaml:"model"`
	} `yaml:"embedding"`

	Consolidation struct {
		Interval      Duration `yaml:"interval"`
		MinImportance int      `yaml:"min_importance"`
		MaxPerUser    int      `yaml:"max_per_user"`
		PruneFloor    int      `yaml:"prune_floor"`
	} `yaml:"consolidation"`
}

// Load reads the YAML file at path (skipped when path is empty or the file
// is missing), then applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	overrideStr(&cfg.DBPath, "KOTORI_DB_PATH")
	overrideStr(&cfg.Chat.URL, "KOTORI_CHAT_URL")
	overrideStr(&cfg.Chat.RoomID, "KOTORI_ROOM_ID")
	overrideStr(&cfg.Chat.Name, "KOTORI_NAME")
	overrideStr(&cfg.Chat.TripCode, "KOTORI_TRIP_CODE")
	overrideStr(&cfg.HTTP.Listen, "KOTORI_HTTP_LISTEN")
	overrideStr(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	overrideStr(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	overrideStr(&cfg.LLM.Model, "KOTORI_LLM_MODEL")
	overrideStr(&cfg.Embedding.URL, "OLLAMA_URL")
	overrideStr(&cfg.Embedding.Model, "KOTORI_EMBED_MODEL")
	overrideDuration(&cfg.Consolidation.Interval, "KOTORI_CONSOLIDATE_INTERVAL")
	overrideInt(&cfg.Consolidation.PruneFloor, "KOTORI_PRUNE_FLOOR")

	if cfg.DBPath == "" {
		cfg.DBPath = "state/kotori.db"
	}
	if cfg.Chat.Name == "" {
		cfg.Chat.Name = "kotori"
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8420"
	}
	if cfg.Consolidation.Interval <= 0 {
		cfg.Consolidation.Interval = Duration(6 * time.Hour)
	}
	if cfg.Consolidation.MinImportance <= 0 {
		cfg.Consolidation.MinImportance = 1
	}
	if cfg.Consolidation.MaxPerUser <= 0 {
		cfg.Consolidation.MaxPerUser = 50
	}
	if cfg.Consolidation.PruneFloor <= 0 {
		cfg.Consolidation.PruneFloor = 3
	}
	return cfg, nil
}

func overrideStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
