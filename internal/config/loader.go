package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON is.
func Load(globalPath, projectPath string) (*EngineConfig, error) {
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
// Global: ~/.taskflow/config.json
// Project: .taskflow/config.json (relative to cwd)
func LoadDefault() (*EngineConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".taskflow", "config.json")
	projectPath := filepath.Join(".taskflow", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped.
func mergeConfigFile(base *EngineConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded EngineConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	// Scalars override only when set in the loaded file.
	if loaded.DBPath != "" {
		base.DBPath = loaded.DBPath
	}
	if loaded.NATSURL != "" {
		base.NATSURL = loaded.NATSURL
	}
	if loaded.MetricsAddr != "" {
		base.MetricsAddr = loaded.MetricsAddr
	}
	if loaded.MaxParallelWorkers > 0 {
		base.MaxParallelWorkers = loaded.MaxParallelWorkers
	}
	if loaded.RetryBudget > 0 {
		base.RetryBudget = loaded.RetryBudget
	}
	if loaded.LogTailWindow > 0 {
		base.LogTailWindow = loaded.LogTailWindow
	}
	if loaded.HeartbeatInterval > 0 {
		base.HeartbeatInterval = loaded.HeartbeatInterval
	}
	if loaded.MaxMissedHeartbeats > 0 {
		base.MaxMissedHeartbeats = loaded.MaxMissedHeartbeats
	}
	if loaded.TaskTimeout > 0 {
		base.TaskTimeout = loaded.TaskTimeout
	}

	// Agents merge by kind.
	for kind, agent := range loaded.Agents {
		base.Agents[kind] = agent
	}

	return nil
}
