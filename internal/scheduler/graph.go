package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// ErrCycleDetected indicates the dependency graph contains a cycle and the
// task set can never be executed as declared.
var ErrCycleDetected = errors.New("dependency cycle detected")

// Graph holds the dependency structure of a task set.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> tasks that depend on it
}

// NewGraph creates an empty dependency graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// AddTask adds a task to the graph. Returns an error if the ID already exists.
func (g *Graph) AddTask(task *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	g.tasks[task.ID] = task

	for _, depID := range task.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], task.ID)
	}

	return nil
}

// Validate checks that every dependency exists and that the graph is acyclic.
// Returns a topological order of task IDs on success. A cycle is reported,
// never executed: callers surface it as a validation failure before any run
// starts.
func (g *Graph) Validate() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for taskID, task := range g.tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %q depends on non-existent task %q", taskID, depID)
			}
		}
	}

	var edges []toposort.Edge
	for taskID, task := range g.tasks {
		if len(task.DependsOn) == 0 {
			// No dependencies - edge from nil ensures the node is included
			edges = append(edges, toposort.Edge{nil, taskID})
		} else {
			for _, depID := range task.DependsOn {
				// Edge (depID, taskID): depID must come before taskID
				edges = append(edges, toposort.Edge{depID, taskID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(g.tasks) {
		var missing []string
		found := make(map[string]bool)
		for _, id := range order {
			found[id] = true
		}
		for taskID := range g.tasks {
			if !found[taskID] {
				missing = append(missing, taskID)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d tasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}

// Resolution partitions a task set by dependency readiness.
type Resolution struct {
	Ready   []*Task // Every dependency completed
	Blocked []*Task // At least one dependency not yet in a success state
}

// Resolve partitions all pending tasks into ready and blocked sets.
// A dependency counts as satisfied only when it reached TaskCompleted;
// failed, blocked and cancelled dependencies keep their dependents blocked.
func (g *Graph) Resolve() Resolution {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var res Resolution
	for _, task := range g.tasks {
		if task.Status != TaskPending && task.Status != TaskReady {
			continue
		}

		satisfied := true
		for _, depID := range task.DependsOn {
			dep, exists := g.tasks[depID]
			if !exists || dep.Status != TaskCompleted {
				satisfied = false
				break
			}
		}

		if satisfied {
			res.Ready = append(res.Ready, task.Clone())
		} else {
			res.Blocked = append(res.Blocked, task.Clone())
		}
	}

	sortByID(res.Ready)
	sortByID(res.Blocked)
	return res
}

// TransitiveDependents returns the number of tasks that directly or
// transitively depend on the given task. Used by priority scoring.
func (g *Graph) TransitiveDependents(taskID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.dependents[id]...)
	}
	return len(seen)
}

// Dependents returns the IDs of tasks that directly or transitively depend
// on the given task, in stable order.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	stack := append([]string(nil), g.dependents[taskID]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.dependents[id]...)
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SetStatus updates a task's status in place.
func (g *Graph) SetStatus(taskID string, status TaskStatus) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}
	task.Status = status
	return nil
}

// Get returns a copy of the task by ID.
func (g *Graph) Get(taskID string) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of all tasks in stable ID order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, task.Clone())
	}
	sortByID(tasks)
	return tasks
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

func sortByID(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
}
