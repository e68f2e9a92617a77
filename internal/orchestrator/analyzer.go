package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/taskflow/engine/internal/persistence"
	"github.com/taskflow/engine/internal/worker"
)

// escalationThreshold is the number of consecutive failed attempts before
// the analyzer is consulted.
const escalationThreshold = 3

// Verdict is the analyzer's decision for a repeatedly failing task.
type Verdict struct {
	ShouldRetry    bool
	ShouldEscalate bool
	Analysis       string
}

// AttemptSource provides per-task attempt history. The persistence store
// implements it.
type AttemptSource interface {
	ListAttempts(ctx context.Context, taskID string) ([]*persistence.Attempt, error)
}

// Analyzer distinguishes a worker making slow headway from one stuck in a
// loop. It never proposes fixes itself; an escalation hands the task to an
// external remediation collaborator.
type Analyzer struct {
	attempts AttemptSource
}

// NewAnalyzer creates an analyzer backed by the given attempt history.
func NewAnalyzer(attempts AttemptSource) *Analyzer {
	return &Analyzer{attempts: attempts}
}

// Analyze inspects a task's attempt history, across runs. Progress is
// absent only when the two most recent failed attempts show the identical
// last error, the identical files-modified set, and no new checkpoint
// markers. Absent progress escalates; present progress permits retry.
func (a *Analyzer) Analyze(ctx context.Context, taskID string) (Verdict, error) {
	history, err := a.attempts.ListAttempts(ctx, taskID)
	if err != nil {
		return Verdict{}, fmt.Errorf("loading attempt history for %s: %w", taskID, err)
	}

	failures := trailingFailures(history)
	if len(failures) < escalationThreshold {
		return Verdict{
			ShouldRetry: true,
			Analysis:    fmt.Sprintf("%d consecutive failures, below escalation threshold", len(failures)),
		}, nil
	}

	prev := failures[len(failures)-2]
	last := failures[len(failures)-1]

	sameError := prev.LastError == last.LastError
	sameFiles := sameFileSet(prev.FilesModified, last.FilesModified)
	noNewCheckpoints := last.Checkpoints <= prev.Checkpoints

	if sameError && sameFiles && noNewCheckpoints {
		return Verdict{
			ShouldEscalate: true,
			Analysis: fmt.Sprintf(
				"no progress across attempts %d and %d: identical error %q, identical file set, no new checkpoints",
				prev.Number, last.Number, last.LastError),
		}, nil
	}

	var evidence string
	switch {
	case !sameError:
		evidence = fmt.Sprintf("error changed from %q to %q", prev.LastError, last.LastError)
	case !sameFiles:
		evidence = "files-modified set changed"
	default:
		evidence = fmt.Sprintf("checkpoints advanced from %d to %d", prev.Checkpoints, last.Checkpoints)
	}
	return Verdict{
		ShouldRetry: true,
		Analysis:    fmt.Sprintf("progress detected despite %d failures: %s", len(failures), evidence),
	}, nil
}

// trailingFailures returns the run of consecutive failed attempts at the
// end of the history. Any other result resets the count: a success is
// progress, and a cancelled attempt is eligible for clean retry rather
// than evidence against the task.
func trailingFailures(history []*persistence.Attempt) []*persistence.Attempt {
	cut := len(history)
	for cut > 0 && history[cut-1].Result == worker.ResultFailure.String() {
		cut--
	}
	return history[cut:]
}

func sameFileSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
