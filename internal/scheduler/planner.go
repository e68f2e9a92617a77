package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrConflictUnresolvable indicates the planner could not make progress:
// ready tasks exist but none can be placed in a wave. With the pairwise
// conflict rules this cannot happen for well-formed inputs, so it is
// surfaced as a planning error rather than ignored.
var ErrConflictUnresolvable = errors.New("conflicting tasks cannot be separated into waves")

// PlannedWave is one ordered stage of an execution plan. All tasks in a wave
// have their dependencies satisfied by earlier waves and are mutually
// conflict-free, so they may run concurrently.
type PlannedWave struct {
	Number int // 1-based, strictly increasing
	Tasks  []*Task
}

// TaskIDs returns the IDs of the wave's tasks in placement order.
func (w PlannedWave) TaskIDs() []string {
	ids := make([]string, len(w.Tasks))
	for i, t := range w.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// Plan partitions the graph's tasks into ordered waves.
//
// Each iteration takes the tasks whose dependencies are covered by earlier
// waves, orders them by descending priority score (ties broken by ascending
// task ID), and greedily places them, deferring any task that conflicts with
// one already placed. Deferred tasks stay ready and lead the next wave, so
// every iteration places at least one task and planning terminates in at
// most N waves for N tasks.
//
// The graph must already have passed Validate; a cycle found here is
// returned as ErrCycleDetected.
func Plan(g *Graph, now time.Time) ([]PlannedWave, error) {
	if _, err := g.Validate(); err != nil {
		return nil, err
	}

	all := g.Tasks()
	assigned := make(map[string]bool, len(all))

	var waves []PlannedWave
	for len(assigned) < len(all) {
		ready := readyAgainst(all, assigned)
		if len(ready) == 0 {
			// Unreachable after Validate, kept as a guard against deadlock.
			return nil, fmt.Errorf("%w: %d tasks cannot be scheduled", ErrCycleDetected, len(all)-len(assigned))
		}

		sortByScore(g, ready, now)

		var wave []*Task
		for _, candidate := range ready {
			if conflictsWithAny(candidate, wave) {
				continue // Stays ready, starts the next wave
			}
			wave = append(wave, candidate)
		}

		if len(wave) == 0 {
			return nil, fmt.Errorf("%w: %d ready tasks, none placeable", ErrConflictUnresolvable, len(ready))
		}

		for _, t := range wave {
			assigned[t.ID] = true
		}
		waves = append(waves, PlannedWave{Number: len(waves) + 1, Tasks: wave})
	}

	return waves, nil
}

// readyAgainst returns unassigned tasks whose every dependency is already
// assigned to an earlier wave.
func readyAgainst(all []*Task, assigned map[string]bool) []*Task {
	var ready []*Task
	for _, task := range all {
		if assigned[task.ID] {
			continue
		}
		ok := true
		for _, depID := range task.DependsOn {
			if !assigned[depID] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, task)
		}
	}
	return ready
}

// sortByScore orders tasks by descending priority, ties by ascending ID so
// the plan is deterministic for identical inputs.
func sortByScore(g *Graph, tasks []*Task, now time.Time) {
	scores := make(map[string]int, len(tasks))
	for _, t := range tasks {
		scores[t.ID] = Score(g, t, now)
	}
	sort.Slice(tasks, func(i, j int) bool {
		si, sj := scores[tasks[i].ID], scores[tasks[j].ID]
		if si != sj {
			return si > sj
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func conflictsWithAny(candidate *Task, placed []*Task) bool {
	for _, t := range placed {
		if Conflicts(candidate, t) {
			return true
		}
	}
	return false
}
