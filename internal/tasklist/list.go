// Package tasklist holds the task list model: the top-level object clients
// observe. Lists are created and approved by the planning collaborator; the
// run coordinator mutates their status as runs progress.
package tasklist

import (
	"errors"
	"fmt"
	"time"

	"github.com/taskflow/engine/internal/scheduler"
)

// Status is the lifecycle state of a task list.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// ErrNotReady is returned when a run is requested for a list that has not
// passed readiness validation.
var ErrNotReady = errors.New("task list is not ready")

// transitions enumerates the legal status moves.
var transitions = map[Status][]Status{
	StatusDraft:      {StatusReady, StatusArchived},
	StatusReady:      {StatusInProgress, StatusDraft, StatusArchived},
	StatusInProgress: {StatusPaused, StatusCompleted, StatusFailed},
	StatusPaused:     {StatusInProgress, StatusFailed, StatusArchived},
	StatusCompleted:  {StatusArchived},
	StatusFailed:     {StatusReady, StatusArchived}, // Retry re-approves the list
	StatusArchived:   {},
}

// List is an approved, position-ordered collection of tasks handed to the
// engine as one unit of work.
type List struct {
	ID                 string
	Name               string
	Status             Status
	Approved           bool
	MaxParallelWorkers int
	TaskIDs            []string // Position-ordered membership

	// Aggregate progress, maintained by the coordinator.
	TasksTotal     int
	TasksCompleted int
	TasksFailed    int
	TasksBlocked   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transition moves the list to a new status, rejecting illegal moves.
func (l *List) Transition(to Status) error {
	for _, allowed := range transitions[l.Status] {
		if allowed == to {
			l.Status = to
			l.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("invalid task list transition %s -> %s", l.Status, to)
}

// ValidateReadiness checks that every member task can be executed: all
// dependency edges point at tasks inside the list and the graph is acyclic.
// A list transitions to ready only when this passes.
func (l *List) ValidateReadiness(tasks []*scheduler.Task) error {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: list %s has no tasks", ErrNotReady, l.ID)
	}

	member := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		member[t.ID] = true
	}

	g := scheduler.NewGraph()
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !member[dep] {
				return fmt.Errorf("%w: task %s depends on %s which is not in the list", ErrNotReady, t.ID, dep)
			}
		}
		if err := g.AddTask(t.Clone()); err != nil {
			return fmt.Errorf("%w: %v", ErrNotReady, err)
		}
	}

	if _, err := g.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	return nil
}

// Progress returns completed count over total as a fraction in [0, 1].
func (l *List) Progress() float64 {
	if l.TasksTotal == 0 {
		return 0
	}
	return float64(l.TasksCompleted) / float64(l.TasksTotal)
}
