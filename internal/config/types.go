// Package config loads engine configuration from JSON files with a
// defaults -> global -> project precedence chain.
package config

import (
	"strconv"
	"time"
)

// AgentConfig defines one agent kind: the command the engine executes per
// task assigned to that kind.
type AgentConfig struct {
	Command string   `json:"command"`            // Binary to execute
	Args    []string `json:"args,omitempty"`     // Args appended to every invocation
	WorkDir string   `json:"work_dir,omitempty"` // Working directory, empty inherits
}

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	// DBPath is the SQLite database location.
	DBPath string `json:"db_path,omitempty"`

	// NATSURL enables event forwarding when non-empty.
	NATSURL string `json:"nats_url,omitempty"`

	// MetricsAddr serves Prometheus metrics when non-empty (e.g. ":9090").
	MetricsAddr string `json:"metrics_addr,omitempty"`

	// MaxParallelWorkers caps concurrent workers when a list sets no limit.
	MaxParallelWorkers int `json:"max_parallel_workers,omitempty"`

	// RetryBudget is the attempts per task per run.
	RetryBudget int `json:"retry_budget,omitempty"`

	// LogTailWindow is the entry count handed to a replacement worker.
	LogTailWindow int `json:"log_tail_window,omitempty"`

	// HeartbeatInterval is the expected worker heartbeat cadence.
	HeartbeatInterval Duration `json:"heartbeat_interval,omitempty"`

	// MaxMissedHeartbeats is the consecutive misses before a worker is stuck.
	MaxMissedHeartbeats int `json:"max_missed_heartbeats,omitempty"`

	// TaskTimeout is the wall-clock budget per attempt.
	TaskTimeout Duration `json:"task_timeout,omitempty"`

	// Agents maps agent kind to its command configuration.
	Agents map[string]AgentConfig `json:"agents"`
}

// Duration is a time.Duration that marshals as a string like "5s".
type Duration time.Duration

// MarshalJSON renders the duration in time.Duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON accepts both "5s" strings and raw nanosecond numbers.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		parsed, err := time.ParseDuration(string(data[1 : len(data)-1]))
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	ns, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*d = Duration(ns)
	return nil
}

// Std returns the config duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
