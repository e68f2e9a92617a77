package scheduler

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Waiting for dependencies
	TaskReady                        // All dependencies resolved, eligible for dispatch
	TaskInProgress                   // A worker instance is executing it
	TaskValidating                   // Worker finished, result being verified
	TaskCompleted                    // Finished successfully
	TaskFailed                       // Finished with error, retry budget exhausted
	TaskBlocked                      // A dependency failed permanently or a cycle was detected
	TaskCancelled                    // Interrupted mid-flight, eligible for clean retry
	TaskSuperseded                   // Replaced by a newer version of the task
)

// String returns the status name used in persistence and events.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskReady:
		return "ready"
	case TaskInProgress:
		return "in_progress"
	case TaskValidating:
		return "validating"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskBlocked:
		return "blocked"
	case TaskCancelled:
		return "cancelled"
	case TaskSuperseded:
		return "superseded"
	}
	return "unknown"
}

// Terminal reports whether the status admits no further transitions within a run.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskBlocked, TaskCancelled, TaskSuperseded:
		return true
	}
	return false
}

// FileOpKind classifies a declared file operation.
type FileOpKind int

const (
	OpCreate FileOpKind = iota
	OpUpdate
	OpDelete
	OpRead
)

// String returns the operation name used in persistence.
func (k FileOpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	}
	return "unknown"
}

// ParseFileOpKind maps a stored operation name back to its kind.
func ParseFileOpKind(s string) (FileOpKind, bool) {
	switch s {
	case "create":
		return OpCreate, true
	case "update":
		return OpUpdate, true
	case "delete":
		return OpDelete, true
	case "read":
		return OpRead, true
	}
	return 0, false
}

// FileOp is one declared file impact: the path a task will touch and how.
type FileOp struct {
	Path string
	Kind FileOpKind
}

// EffortBucket is a coarse sizing estimate supplied by the planning collaborator.
type EffortBucket int

const (
	EffortUnknown EffortBucket = iota
	EffortSmall
	EffortMedium
	EffortLarge
)

// Task represents a unit of work to hand to a worker instance.
type Task struct {
	ID          string
	Title       string
	Description string
	AgentKind   string // Key into the agent registry (which build agent runs this)
	Status      TaskStatus

	DependsOn     []string // Hard ordering constraints (task IDs)
	ConflictsWith []string // Mutual exclusion even without a file overlap
	FileOps       []FileOp

	QuickWin bool
	Deadline *time.Time
	Effort   EffortBucket

	AssignedWorker string // Worker instance ID, empty when unassigned
	LastError      string // Most recent failure, empty on success
}

// Clone returns a deep copy so callers cannot mutate graph-held state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.ConflictsWith != nil {
		cp.ConflictsWith = append([]string(nil), t.ConflictsWith...)
	}
	if t.FileOps != nil {
		cp.FileOps = append([]FileOp(nil), t.FileOps...)
	}
	if t.Deadline != nil {
		d := *t.Deadline
		cp.Deadline = &d
	}
	return &cp
}
