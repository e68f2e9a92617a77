package worker

import (
	"context"
	"time"
)

// EntryKind is the closed set of execution log entry kinds.
type EntryKind string

const (
	EntryStarted     EntryKind = "started"     // Worker picked up the task
	EntryAction      EntryKind = "action"      // One action the worker took
	EntryOutput      EntryKind = "output"      // Raw output line from the agent
	EntryCheckpoint  EntryKind = "checkpoint"  // Commit/checkpoint marker
	EntryError       EntryKind = "error"       // Error the worker observed
	EntryInterrupted EntryKind = "interrupted" // Supervisor terminated the worker
	EntryHandoff     EntryKind = "handoff"     // Replacement worker resumed from log tail
)

// LogEntry is one append-only, timestamped line of the execution log,
// scoped to a run. Entries are never mutated once written.
type LogEntry struct {
	RunID    string
	TaskID   string
	WorkerID string
	Kind     EntryKind
	Message  string
	At       time.Time
}

// LogSink receives appended log entries. The persistence layer implements
// this; tests use in-memory sinks.
type LogSink interface {
	AppendLog(ctx context.Context, entry LogEntry) error
}

// InstanceSink receives worker instance snapshots on every state change so
// run progress stays reconstructable from persisted records.
type InstanceSink interface {
	SaveWorker(ctx context.Context, inst *Instance) error
}
