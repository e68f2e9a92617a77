package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskflow/engine/internal/events"
	"github.com/taskflow/engine/internal/persistence"
	"github.com/taskflow/engine/internal/scheduler"
	"github.com/taskflow/engine/internal/tasklist"
	"github.com/taskflow/engine/internal/worker"
)

// agentFn adapts a function to the worker.Agent interface.
type agentFn func(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error)

func (f agentFn) Execute(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
	return f(ctx, asg, rep)
}

func singleAgent(a worker.Agent) worker.Factory {
	return func(kind string) (worker.Agent, error) { return a, nil }
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         2 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0.1,
	}
}

type env struct {
	store *persistence.SQLiteStore
	bus   *events.Bus
	coord *Coordinator
}

func newEnv(t *testing.T, factory worker.Factory) *env {
	t.Helper()
	store, err := persistence.NewMemoryStore(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	sup := worker.NewSupervisor(worker.Config{
		HeartbeatInterval:   20 * time.Millisecond,
		MaxMissedHeartbeats: 5,
		TaskTimeout:         5 * time.Second,
	}, store, store, bus, nil)

	coord := New(Config{Retry: fastRetry()}, store, sup, factory, bus, nil, nil)
	return &env{store: store, bus: bus, coord: coord}
}

// saveReadyList persists an approved ready list with the given tasks.
func (e *env) saveReadyList(t *testing.T, listID string, maxParallel int, tasks ...*scheduler.Task) {
	t.Helper()
	ctx := context.Background()

	list := &tasklist.List{
		ID:                 listID,
		Name:               listID,
		Status:             tasklist.StatusReady,
		Approved:           true,
		MaxParallelWorkers: maxParallel,
	}
	require.NoError(t, e.store.SaveList(ctx, list))
	for i, task := range tasks {
		require.NoError(t, e.store.SaveTask(ctx, task, listID, i))
	}
}

func TestStartRunHappyPath(t *testing.T) {
	agent := agentFn(func(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
		rep.Log(worker.EntryAction, "working on "+asg.Task.ID)
		rep.Log(worker.EntryCheckpoint, "done")
		return worker.Outcome{
			Summary:       "ok",
			FilesModified: []string{"/out/" + asg.Task.ID},
		}, nil
	})
	e := newEnv(t, singleAgent(agent))

	e.saveReadyList(t, "list-1", 4,
		&scheduler.Task{ID: "schema", Title: "schema", Status: scheduler.TaskPending,
			FileOps: []scheduler.FileOp{{Path: "/db/schema.sql", Kind: scheduler.OpCreate}}},
		&scheduler.Task{ID: "api", Title: "api", Status: scheduler.TaskPending,
			DependsOn: []string{"schema"}},
		&scheduler.Task{ID: "ui", Title: "ui", Status: scheduler.TaskPending,
			DependsOn: []string{"api"}},
	)

	report, err := e.coord.StartRun(context.Background(), "list-1")
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, report.Status)
	require.Len(t, report.Completed, 3)
	require.Empty(t, report.Failures)
	require.Empty(t, report.Blocked)
	require.Equal(t, 3, report.WavesTotal)
	require.Equal(t, 3, report.WavesCompleted)
	require.Equal(t, 1, report.RunNumber)

	ctx := context.Background()
	run, err := e.store.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, run.Status)
	require.Equal(t, 3, run.TasksCompleted)
	require.False(t, run.FinishedAt.IsZero())

	list, err := e.store.GetList(ctx, "list-1")
	require.NoError(t, err)
	require.Equal(t, tasklist.StatusCompleted, list.Status)
	require.Equal(t, 3, list.TasksCompleted)

	waves, err := e.store.ListWaves(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	for _, w := range waves {
		require.Equal(t, persistence.WaveCompleted, w.Status)
	}

	for _, id := range []string{"schema", "api", "ui"} {
		task, err := e.store.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, scheduler.TaskCompleted, task.Status)

		attempts, err := e.store.ListAttempts(ctx, id)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		require.Equal(t, "success", attempts[0].Result)
		require.Equal(t, 1, attempts[0].Checkpoints)
	}
}

func TestStartRunRejectsUnreadyList(t *testing.T) {
	e := newEnv(t, singleAgent(agentFn(nil)))
	ctx := context.Background()

	list := &tasklist.List{ID: "list-1", Name: "n", Status: tasklist.StatusDraft}
	require.NoError(t, e.store.SaveList(ctx, list))

	_, err := e.coord.StartRun(ctx, "list-1")
	require.ErrorIs(t, err, tasklist.ErrNotReady)
}

func TestStartRunRejectsSecondConcurrentRun(t *testing.T) {
	e := newEnv(t, singleAgent(agentFn(nil)))
	ctx := context.Background()

	e.saveReadyList(t, "list-1", 4,
		&scheduler.Task{ID: "a", Title: "a", Status: scheduler.TaskPending})

	// Simulate another coordinator's run still in flight.
	active := &persistence.Run{ID: "run-x", ListID: "list-1",
		Status: persistence.RunRunning, StartedAt: time.Now()}
	require.NoError(t, e.store.CreateRun(ctx, active))

	_, err := e.coord.StartRun(ctx, "list-1")
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestFailedTaskBlocksTransitiveDependents(t *testing.T) {
	// A fails every attempt identically, so the analyzer escalates; B and C
	// are blocked and the run still reaches a terminal state.
	agent := agentFn(func(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
		if asg.Task.ID == "a" {
			return worker.Outcome{}, errors.New("segfault in generator")
		}
		return worker.Outcome{}, nil
	})
	e := newEnv(t, singleAgent(agent))

	e.saveReadyList(t, "list-1", 4,
		&scheduler.Task{ID: "a", Title: "a", Status: scheduler.TaskPending},
		&scheduler.Task{ID: "b", Title: "b", Status: scheduler.TaskPending, DependsOn: []string{"a"}},
		&scheduler.Task{ID: "c", Title: "c", Status: scheduler.TaskPending, DependsOn: []string{"b"}},
	)

	report, err := e.coord.StartRun(context.Background(), "list-1")
	require.ErrorIs(t, err, ErrRunAborted)
	require.Equal(t, persistence.RunFailed, report.Status)
	require.Len(t, report.Failures, 1)
	require.Equal(t, "a", report.Failures[0].TaskID)
	require.True(t, report.Failures[0].Escalated)
	require.Equal(t, "a", report.Blocked["b"])
	require.Equal(t, "a", report.Blocked["c"])

	ctx := context.Background()
	for _, id := range []string{"b", "c"} {
		task, err := e.store.GetTask(ctx, id)
		require.NoError(t, err)
		require.Equal(t, scheduler.TaskBlocked, task.Status)
	}

	attempts, err := e.store.ListAttempts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, attempts, 3)

	list, err := e.store.GetList(ctx, "list-1")
	require.NoError(t, err)
	require.Equal(t, tasklist.StatusFailed, list.Status)
}

func TestRetryWithLogHandoff(t *testing.T) {
	var calls atomic.Int32
	var resumeLens []int
	agent := agentFn(func(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
		resumeLens = append(resumeLens, len(asg.ResumeLog))
		rep.Log(worker.EntryAction, fmt.Sprintf("attempt %d", asg.Attempt))
		n := calls.Add(1)
		if n < 3 {
			// Distinct errors keep the analyzer from seeing a loop.
			return worker.Outcome{}, fmt.Errorf("transient failure %d", n)
		}
		rep.Log(worker.EntryCheckpoint, "finally")
		return worker.Outcome{}, nil
	})
	e := newEnv(t, singleAgent(agent))

	e.saveReadyList(t, "list-1", 1,
		&scheduler.Task{ID: "flaky", Title: "flaky", Status: scheduler.TaskPending})

	report, err := e.coord.StartRun(context.Background(), "list-1")
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, report.Status)

	require.Len(t, resumeLens, 3)
	require.Zero(t, resumeLens[0], "first attempt gets no resume context")
	require.Positive(t, resumeLens[1], "replacement worker should receive the log tail")
	require.Positive(t, resumeLens[2])

	attempts, err := e.store.ListAttempts(context.Background(), "flaky")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	require.Equal(t, "failure", attempts[0].Result)
	require.Equal(t, "failure", attempts[1].Result)
	require.Equal(t, "success", attempts[2].Result)
	for i, att := range attempts {
		require.Equal(t, i+1, att.Number)
	}
}

func TestMaxParallelWorkersRespected(t *testing.T) {
	var current, peak atomic.Int32
	agent := agentFn(func(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return worker.Outcome{}, nil
	})
	e := newEnv(t, singleAgent(agent))

	tasks := make([]*scheduler.Task, 5)
	for i := range tasks {
		tasks[i] = &scheduler.Task{
			ID:     fmt.Sprintf("t%d", i),
			Title:  fmt.Sprintf("t%d", i),
			Status: scheduler.TaskPending,
		}
	}
	e.saveReadyList(t, "list-1", 2, tasks...)

	report, err := e.coord.StartRun(context.Background(), "list-1")
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, report.Status)
	require.Len(t, report.Completed, 5)
	require.Equal(t, 1, report.WavesTotal, "independent tasks share one wave")
	require.LessOrEqual(t, peak.Load(), int32(2))
	require.LessOrEqual(t, report.PeakWorkers, 2)
}

func TestCancellationMidRun(t *testing.T) {
	started := make(chan struct{})
	agent := agentFn(func(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
		close(started)
		<-ctx.Done()
		return worker.Outcome{}, ctx.Err()
	})
	e := newEnv(t, singleAgent(agent))

	e.saveReadyList(t, "list-1", 4,
		&scheduler.Task{ID: "slow", Title: "slow", Status: scheduler.TaskPending})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	report, err := e.coord.StartRun(ctx, "list-1")
	require.NoError(t, err)
	require.Equal(t, persistence.RunCancelled, report.Status)
	require.Contains(t, report.Cancelled, "slow")
	require.Empty(t, report.Failures)

	bg := context.Background()
	task, err := e.store.GetTask(bg, "slow")
	require.NoError(t, err)
	require.Equal(t, scheduler.TaskCancelled, task.Status)

	run, err := e.store.GetRun(bg, report.RunID)
	require.NoError(t, err)
	require.Equal(t, persistence.RunCancelled, run.Status)

	waves, err := e.store.ListWaves(bg, report.RunID)
	require.NoError(t, err)
	require.Len(t, waves, 1)
	require.Equal(t, persistence.WaveCancelled, waves[0].Status,
		"an interrupted wave must not read as completed")

	list, err := e.store.GetList(bg, "list-1")
	require.NoError(t, err)
	require.Equal(t, tasklist.StatusPaused, list.Status)
}

func TestRetryCreatesNewRunPreservingHistory(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	agent := agentFn(func(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
		if fail.Load() {
			rep.Log(worker.EntryAction, "try "+fmt.Sprint(asg.Attempt))
			return worker.Outcome{FilesModified: []string{"/x.go"}},
				fmt.Errorf("flaky error %d", asg.Attempt)
		}
		return worker.Outcome{}, nil
	})
	e := newEnv(t, singleAgent(agent))

	e.saveReadyList(t, "list-1", 4,
		&scheduler.Task{ID: "a", Title: "a", Status: scheduler.TaskPending})

	first, err := e.coord.StartRun(context.Background(), "list-1")
	require.NoError(t, err)
	require.Equal(t, persistence.RunFailed, first.Status)

	// The failed list is re-approved for another go.
	ctx := context.Background()
	list, err := e.store.GetList(ctx, "list-1")
	require.NoError(t, err)
	require.NoError(t, list.Transition(tasklist.StatusReady))
	require.NoError(t, e.store.SaveList(ctx, list))

	fail.Store(false)
	second, err := e.coord.StartRun(ctx, "list-1")
	require.NoError(t, err)
	require.Equal(t, persistence.RunCompleted, second.Status)
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, 2, second.RunNumber)

	// Both runs survive; attempt numbering spans them.
	runs, err := e.store.ListRuns(ctx, "list-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	attempts, err := e.store.ListAttempts(ctx, "a")
	require.NoError(t, err)
	require.Len(t, attempts, 4)
	require.Equal(t, 4, attempts[3].Number)
	require.Equal(t, "success", attempts[3].Result)
}
