// Package worker manages the lifecycle of dispatched worker instances: one
// spawned agent per task per wave, heartbeat tracking, stuck detection, and
// append-only execution logging.
package worker

import (
	"context"
	"time"

	"github.com/taskflow/engine/internal/scheduler"
)

// Status is the lifecycle state of a worker instance.
type Status int

const (
	StatusSpawning Status = iota
	StatusIdle
	StatusRunning
	StatusCompleting
	StatusTerminated
)

// String returns the status name used in persistence.
func (s Status) String() string {
	switch s {
	case StatusSpawning:
		return "spawning"
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleting:
		return "completing"
	case StatusTerminated:
		return "terminated"
	}
	return "unknown"
}

// Instance is one spawned worker bound 1:1 to a task within one wave of one
// run. The 1:1 binding keeps failure isolation simple: a dead worker takes
// down exactly one task attempt.
type Instance struct {
	ID     string
	RunID  string
	Wave   int
	TaskID string
	Status Status

	LastHeartbeat    time.Time
	MissedHeartbeats int
	Progress         float64
	Step             string

	Attempt    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// ResultState classifies a worker's terminal result.
type ResultState int

const (
	ResultSuccess ResultState = iota
	ResultFailure
	ResultCancelled
)

// String returns the result name used in persistence and events.
func (s ResultState) String() string {
	switch s {
	case ResultSuccess:
		return "success"
	case ResultFailure:
		return "failure"
	case ResultCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Failure reasons reported back to the coordinator.
const (
	ReasonError   = "error"
	ReasonTimeout = "timeout"
)

// Result is the terminal outcome a worker reports to the coordinator.
type Result struct {
	WorkerID      string
	State         ResultState
	Reason        string // ReasonError or ReasonTimeout when State == ResultFailure
	LastError     string
	FilesModified []string
	Checkpoints   int // Commit/checkpoint markers recorded during the attempt
}

// Assignment is the typed dispatch command sent to a worker: the task plus
// the resumption context reconstructed from a prior attempt's log tail.
type Assignment struct {
	RunID   string
	Wave    int
	Task    *scheduler.Task
	Attempt int

	// ResumeLog is the bounded tail of the previous worker's log for this
	// task. Empty on a first attempt.
	ResumeLog []LogEntry
}

// Outcome is what an agent reports on its own completion. The supervisor
// combines it with timeout/cancellation state into a Result.
type Outcome struct {
	Summary       string
	FilesModified []string
	Checkpoints   int
}

// Agent is the opaque build agent the engine dispatches. Its only contract:
// accept an assignment plus resumption context, emit heartbeats and log
// entries through the Reporter, and return one terminal outcome.
type Agent interface {
	Execute(ctx context.Context, asg Assignment, rep Reporter) (Outcome, error)
}

// Factory creates an agent for a task's declared agent kind.
type Factory func(kind string) (Agent, error)

// Reporter is the agent's side of the supervision contract.
type Reporter interface {
	// Heartbeat signals liveness with current progress and step description.
	Heartbeat(progress float64, step string)

	// Log appends one entry to the run-scoped execution log.
	Log(kind EntryKind, message string)
}
