package config

import "time"

// DefaultConfig returns the built-in defaults. Every field can be overridden
// by the global or project config file.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		DBPath:              ".taskflow/engine.db",
		MaxParallelWorkers:  4,
		RetryBudget:         3,
		LogTailWindow:       500,
		HeartbeatInterval:   Duration(5 * time.Second),
		MaxMissedHeartbeats: 3,
		TaskTimeout:         Duration(10 * time.Minute),
		Agents: map[string]AgentConfig{
			// The default kind runs whatever the plan file names; real
			// deployments override this per agent kind.
			"default": {
				Command: "taskflow-agent",
			},
		},
	}
}
