package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/taskflow/engine/internal/scheduler"
	"github.com/taskflow/engine/internal/tasklist"
)

// planFile is the JSON shape of a task list declaration.
type planFile struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	MaxParallelWorkers int        `json:"max_parallel_workers,omitempty"`
	Tasks              []planTask `json:"tasks"`
}

type planTask struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description,omitempty"`
	AgentKind     string       `json:"agent_kind,omitempty"`
	DependsOn     []string     `json:"depends_on,omitempty"`
	ConflictsWith []string     `json:"conflicts_with,omitempty"`
	FileOps       []planFileOp `json:"file_ops,omitempty"`
	QuickWin      bool         `json:"quick_win,omitempty"`
	Deadline      string       `json:"deadline,omitempty"` // RFC 3339
	Effort        string       `json:"effort,omitempty"`   // small, medium, large
}

type planFileOp struct {
	Path string `json:"path"`
	Op   string `json:"op"` // create, update, delete, read
}

// loadPlanFile parses a plan file into a task list and its tasks.
func loadPlanFile(path string) (*tasklist.List, []*scheduler.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading plan file: %w", err)
	}

	var plan planFile
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, nil, fmt.Errorf("parsing plan file %s: %w", path, err)
	}
	if plan.ID == "" {
		return nil, nil, fmt.Errorf("plan file %s: missing list id", path)
	}
	if len(plan.Tasks) == 0 {
		return nil, nil, fmt.Errorf("plan file %s: no tasks", path)
	}

	list := &tasklist.List{
		ID:                 plan.ID,
		Name:               plan.Name,
		Status:             tasklist.StatusDraft,
		MaxParallelWorkers: plan.MaxParallelWorkers,
	}
	if list.Name == "" {
		list.Name = list.ID
	}

	tasks := make([]*scheduler.Task, 0, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		task, err := pt.toTask()
		if err != nil {
			return nil, nil, fmt.Errorf("plan file %s: %w", path, err)
		}
		list.TaskIDs = append(list.TaskIDs, task.ID)
		tasks = append(tasks, task)
	}
	list.TasksTotal = len(tasks)

	return list, tasks, nil
}

func (pt planTask) toTask() (*scheduler.Task, error) {
	if pt.ID == "" {
		return nil, fmt.Errorf("task with empty id")
	}

	task := &scheduler.Task{
		ID:            pt.ID,
		Title:         pt.Title,
		Description:   pt.Description,
		AgentKind:     pt.AgentKind,
		Status:        scheduler.TaskPending,
		DependsOn:     pt.DependsOn,
		ConflictsWith: pt.ConflictsWith,
		QuickWin:      pt.QuickWin,
	}
	if task.Title == "" {
		task.Title = task.ID
	}

	for _, op := range pt.FileOps {
		kind, ok := scheduler.ParseFileOpKind(op.Op)
		if !ok {
			return nil, fmt.Errorf("task %s: unknown file op %q", pt.ID, op.Op)
		}
		task.FileOps = append(task.FileOps, scheduler.FileOp{Path: op.Path, Kind: kind})
	}

	if pt.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, pt.Deadline)
		if err != nil {
			return nil, fmt.Errorf("task %s: invalid deadline: %w", pt.ID, err)
		}
		task.Deadline = &deadline
	}

	switch pt.Effort {
	case "":
		task.Effort = scheduler.EffortUnknown
	case "small":
		task.Effort = scheduler.EffortSmall
	case "medium":
		task.Effort = scheduler.EffortMedium
	case "large":
		task.Effort = scheduler.EffortLarge
	default:
		return nil, fmt.Errorf("task %s: unknown effort %q", pt.ID, pt.Effort)
	}

	return task, nil
}
