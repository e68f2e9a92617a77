package scheduler

import "time"

// Scoring weights. The score is advisory: waves are correct regardless of
// dispatch order, but higher-impact tasks go first for throughput.
const (
	blockedWeight    = 20
	quickWinBonus    = 15
	deadlineBonus    = 30
	deadlineHorizon  = 72 * time.Hour
)

// Score computes the deterministic priority of a task within its graph.
// Tasks that unblock more downstream work score higher; quick wins and
// near-deadline tasks get fixed bonuses.
func Score(g *Graph, task *Task, now time.Time) int {
	score := g.TransitiveDependents(task.ID) * blockedWeight
	if task.QuickWin {
		score += quickWinBonus
	}
	if task.Deadline != nil && task.Deadline.Sub(now) <= deadlineHorizon {
		score += deadlineBonus
	}
	return score
}
