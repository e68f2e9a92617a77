// Package events carries the engine's structured status-change events.
// The engine publishes; notification and remediation collaborators
// subscribe. Nothing here formats human-facing messages.
package events

import "time"

// Event is the base interface for all engine events.
type Event interface {
	EventType() string
	RunID() string
}

// Topic constants.
const (
	TopicRun    = "run"
	TopicWave   = "wave"
	TopicTask   = "task"
	TopicWorker = "worker"
)

// Event type constants.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeRunCancelled  = "run.cancelled"
	EventTypeWaveReady     = "wave.ready"
	EventTypeWaveCompleted = "wave.completed"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskBlocked   = "task.blocked"
	EventTypeTaskEscalated = "task.escalated"
	EventTypeWorkerStuck   = "worker.stuck"
)

// RunStartedEvent is published when a run begins executing its first wave.
type RunStartedEvent struct {
	Run       string    `json:"run"`
	ListID    string    `json:"list_id"`
	RunNumber int       `json:"run_number"`
	Waves     int       `json:"waves"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) RunID() string     { return e.Run }

// RunCompletedEvent is published when every wave finished with zero
// unresolved failures.
type RunCompletedEvent struct {
	Run       string        `json:"run"`
	ListID    string        `json:"list_id"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e RunCompletedEvent) EventType() string { return EventTypeRunCompleted }
func (e RunCompletedEvent) RunID() string     { return e.Run }

// RunFailedEvent carries the structured failure summary of a failed run.
type RunFailedEvent struct {
	Run            string    `json:"run"`
	ListID         string    `json:"list_id"`
	WavesCompleted int       `json:"waves_completed"`
	FailedTasks    []string  `json:"failed_tasks"`
	BlockedTasks   []string  `json:"blocked_tasks"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e RunFailedEvent) EventType() string { return EventTypeRunFailed }
func (e RunFailedEvent) RunID() string     { return e.Run }

// RunCancelledEvent is published when a run is cancelled by external signal.
type RunCancelledEvent struct {
	Run       string    `json:"run"`
	ListID    string    `json:"list_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (e RunCancelledEvent) EventType() string { return EventTypeRunCancelled }
func (e RunCancelledEvent) RunID() string     { return e.Run }

// WaveReadyEvent is published when a wave's workers are about to dispatch.
type WaveReadyEvent struct {
	Run       string    `json:"run"`
	Wave      int       `json:"wave"`
	TaskIDs   []string  `json:"task_ids"`
	Timestamp time.Time `json:"timestamp"`
}

func (e WaveReadyEvent) EventType() string { return EventTypeWaveReady }
func (e WaveReadyEvent) RunID() string     { return e.Run }

// WaveCompletedEvent is published when every worker in a wave reached a
// terminal state.
type WaveCompletedEvent struct {
	Run       string    `json:"run"`
	Wave      int       `json:"wave"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Timestamp time.Time `json:"timestamp"`
}

func (e WaveCompletedEvent) EventType() string { return EventTypeWaveCompleted }
func (e WaveCompletedEvent) RunID() string     { return e.Run }

// TaskStartedEvent is published when a worker instance picks up a task.
type TaskStartedEvent struct {
	Run       string    `json:"run"`
	Task      string    `json:"task"`
	WorkerID  string    `json:"worker_id"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) RunID() string     { return e.Run }

// TaskCompletedEvent is published on task success.
type TaskCompletedEvent struct {
	Run       string        `json:"run"`
	Task      string        `json:"task"`
	WorkerID  string        `json:"worker_id"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) RunID() string     { return e.Run }

// TaskFailedEvent is published when a task exhausts its retry budget.
type TaskFailedEvent struct {
	Run       string    `json:"run"`
	Task      string    `json:"task"`
	Reason    string    `json:"reason"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) RunID() string     { return e.Run }

// TaskBlockedEvent is published when a task is blocked by a failed
// dependency and will not be attempted.
type TaskBlockedEvent struct {
	Run       string    `json:"run"`
	Task      string    `json:"task"`
	BlockedBy string    `json:"blocked_by"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskBlockedEvent) EventType() string { return EventTypeTaskBlocked }
func (e TaskBlockedEvent) RunID() string     { return e.Run }

// TaskEscalatedEvent carries the analyzer's findings for the remediation
// collaborator. The engine does not propose fixes itself.
type TaskEscalatedEvent struct {
	Run       string    `json:"run"`
	Task      string    `json:"task"`
	Analysis  string    `json:"analysis"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskEscalatedEvent) EventType() string { return EventTypeTaskEscalated }
func (e TaskEscalatedEvent) RunID() string     { return e.Run }

// WorkerStuckEvent is published when the supervisor terminates a worker for
// missed heartbeats or wall-clock timeout.
type WorkerStuckEvent struct {
	Run              string    `json:"run"`
	Task             string    `json:"task"`
	WorkerID         string    `json:"worker_id"`
	MissedHeartbeats int       `json:"missed_heartbeats"`
	Timestamp        time.Time `json:"timestamp"`
}

func (e WorkerStuckEvent) EventType() string { return EventTypeWorkerStuck }
func (e WorkerStuckEvent) RunID() string     { return e.Run }
