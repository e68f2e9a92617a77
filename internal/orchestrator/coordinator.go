// Package orchestrator drives execution runs: wave-by-wave dispatch of an
// approved task list through supervised workers, with retry budgets,
// blocked-dependent propagation and escalation analysis.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/taskflow/engine/internal/events"
	"github.com/taskflow/engine/internal/metrics"
	"github.com/taskflow/engine/internal/persistence"
	"github.com/taskflow/engine/internal/scheduler"
	"github.com/taskflow/engine/internal/tasklist"
	"github.com/taskflow/engine/internal/worker"
)

// ErrAlreadyRunning is returned when a run is requested for a list that
// already has a running run.
var ErrAlreadyRunning = errors.New("task list already has a running run")

// ErrRunAborted is returned when every remaining task is blocked behind a
// permanent failure and the run cannot make further progress.
var ErrRunAborted = errors.New("run aborted: all remaining tasks blocked")

// Config tunes coordinator behavior.
type Config struct {
	RetryBudget   int // Attempts per task per run (default 3)
	LogTailWindow int // Log entries handed to a replacement worker (default 500)
	MaxParallel   int // Fallback worker cap when the list sets none (default 4)
	Retry         RetryConfig
}

func (c Config) withDefaults() Config {
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.LogTailWindow <= 0 {
		c.LogTailWindow = 500
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.Retry == (RetryConfig{}) {
		c.Retry = DefaultRetryConfig()
	}
	return c
}

// TaskFailure describes one task that ended a run in failed or blocked
// state.
type TaskFailure struct {
	TaskID    string
	Reason    string
	LastError string
	Attempts  int
	Escalated bool
}

// Report is the structured summary of a finished run.
type Report struct {
	RunID     string
	ListID    string
	RunNumber int
	Status    persistence.RunStatus

	WavesTotal     int
	WavesCompleted int

	Completed []string
	Cancelled []string
	Failures  []TaskFailure
	Blocked   map[string]string // task ID -> the failed task that blocks it

	PeakWorkers int
	Duration    time.Duration
}

// Coordinator owns execution runs. It is stateless across runs: everything
// it decides is derived from and written back to the store, so a crashed
// coordinator loses nothing but in-flight workers.
type Coordinator struct {
	cfg      Config
	store    persistence.Store
	sup      *worker.Supervisor
	agents   worker.Factory
	bus      *events.Bus
	breakers *BreakerRegistry
	analyzer *Analyzer
	mets     *metrics.Metrics // nil disables
	log      *slog.Logger
}

// New creates a coordinator. bus and mets may be nil.
func New(cfg Config, store persistence.Store, sup *worker.Supervisor, agents worker.Factory, bus *events.Bus, mets *metrics.Metrics, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		store:    store,
		sup:      sup,
		agents:   agents,
		bus:      bus,
		breakers: NewBreakerRegistry(log),
		analyzer: NewAnalyzer(store),
		mets:     mets,
		log:      log.With("component", "coordinator"),
	}
}

// runState is the in-memory view of one run in flight. The store holds the
// durable copy; this exists so concurrent task goroutines share counters
// without re-reading rows.
type runState struct {
	run   *persistence.Run
	list  *tasklist.List
	graph *scheduler.Graph
	waves []scheduler.PlannedWave

	// saveCtx survives run cancellation so terminal state still persists.
	saveCtx context.Context

	mu        sync.Mutex
	status    map[string]scheduler.TaskStatus
	blockedBy map[string]string
	failures  []TaskFailure
	current   int
	peak      int
}

func (rs *runState) setStatus(taskID string, st scheduler.TaskStatus) {
	rs.mu.Lock()
	rs.status[taskID] = st
	rs.mu.Unlock()
}

func (rs *runState) statusOf(taskID string) scheduler.TaskStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.status[taskID]
}

func (rs *runState) workerStarted() {
	rs.mu.Lock()
	rs.current++
	if rs.current > rs.peak {
		rs.peak = rs.current
	}
	rs.mu.Unlock()
}

func (rs *runState) workerFinished() {
	rs.mu.Lock()
	rs.current--
	rs.mu.Unlock()
}

func (rs *runState) addFailure(f TaskFailure) {
	rs.mu.Lock()
	rs.failures = append(rs.failures, f)
	rs.mu.Unlock()
}

// StartRun validates the list, plans its waves once, and executes them in
// order until the run reaches a terminal state. The returned report is
// always populated when a run was created; the error is non-nil only for
// pre-run rejections (ErrNotReady, ErrAlreadyRunning, planning errors) and
// for ErrRunAborted.
func (c *Coordinator) StartRun(ctx context.Context, listID string) (*Report, error) {
	list, err := c.store.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if list.Status != tasklist.StatusReady || !list.Approved {
		return nil, fmt.Errorf("%w: list %s is %s (approved=%v)",
			tasklist.ErrNotReady, listID, list.Status, list.Approved)
	}

	tasks, err := c.store.ListTasks(ctx, listID)
	if err != nil {
		return nil, err
	}
	if err := list.ValidateReadiness(tasks); err != nil {
		return nil, err
	}

	g := scheduler.NewGraph()
	for _, t := range tasks {
		if err := g.AddTask(t.Clone()); err != nil {
			return nil, err
		}
	}
	waves, err := scheduler.Plan(g, time.Now())
	if err != nil {
		return nil, err
	}

	run := &persistence.Run{
		ID:         "run-" + uuid.New().String(),
		ListID:     listID,
		Status:     persistence.RunRunning,
		TasksTotal: len(tasks),
		WavesTotal: len(waves),
		StartedAt:  time.Now(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, persistence.ErrActiveRun) {
			return nil, fmt.Errorf("%w: list %s", ErrAlreadyRunning, listID)
		}
		return nil, err
	}

	// Wave membership is fixed at plan time; a fresh run re-plans.
	for _, w := range waves {
		rec := &persistence.Wave{
			RunID:   run.ID,
			Number:  w.Number,
			Status:  persistence.WavePending,
			TaskIDs: w.TaskIDs(),
		}
		if err := c.store.SaveWave(ctx, rec); err != nil {
			return nil, err
		}
	}

	if err := list.Transition(tasklist.StatusInProgress); err != nil {
		return nil, err
	}
	if err := c.store.SaveList(ctx, list); err != nil {
		return nil, err
	}

	c.publish(events.TopicRun, events.RunStartedEvent{
		Run:       run.ID,
		ListID:    listID,
		RunNumber: run.Number,
		Waves:     len(waves),
		Timestamp: time.Now(),
	})
	c.log.Info("run started", "run", run.ID, "list", listID,
		"number", run.Number, "tasks", len(tasks), "waves", len(waves))

	rs := &runState{
		run:       run,
		list:      list,
		graph:     g,
		waves:     waves,
		saveCtx:   context.WithoutCancel(ctx),
		status:    make(map[string]scheduler.TaskStatus, len(tasks)),
		blockedBy: make(map[string]string),
	}
	for _, t := range tasks {
		rs.status[t.ID] = scheduler.TaskPending
	}

	aborted := c.execute(ctx, rs)
	report := c.finish(ctx, rs)
	if aborted {
		return report, fmt.Errorf("%w: run %s", ErrRunAborted, run.ID)
	}
	return report, nil
}

// execute drives the planned waves in strict order. Returns true when the
// run aborted early because every remaining task was blocked.
func (c *Coordinator) execute(ctx context.Context, rs *runState) bool {
	maxParallel := rs.list.MaxParallelWorkers
	if maxParallel <= 0 {
		maxParallel = c.cfg.MaxParallel
	}

	for i, wave := range rs.waves {
		if ctx.Err() != nil {
			return false
		}

		var runnable []*scheduler.Task
		skipped := 0
		for _, t := range wave.Tasks {
			if rs.statusOf(t.ID) == scheduler.TaskBlocked {
				skipped++
				continue
			}
			runnable = append(runnable, t)
		}

		rec := &persistence.Wave{
			RunID:   rs.run.ID,
			Number:  wave.Number,
			Status:  persistence.WaveRunning,
			TaskIDs: wave.TaskIDs(),
			Skipped: skipped,
		}
		c.save(rs, rec)

		c.publish(events.TopicWave, events.WaveReadyEvent{
			Run:       rs.run.ID,
			Wave:      wave.Number,
			TaskIDs:   taskIDsOf(runnable),
			Timestamp: time.Now(),
		})

		waveStart := time.Now()
		eg := new(errgroup.Group)
		eg.SetLimit(maxParallel)
		for _, task := range runnable {
			t := task
			eg.Go(func() error {
				c.runTask(ctx, rs, wave.Number, t)
				return nil
			})
		}
		eg.Wait()

		completed, failed := 0, 0
		for _, t := range wave.Tasks {
			switch rs.statusOf(t.ID) {
			case scheduler.TaskCompleted:
				completed++
			case scheduler.TaskFailed, scheduler.TaskBlocked:
				failed++
			}
		}
		switch {
		case ctx.Err() != nil:
			rec.Status = persistence.WaveCancelled
		case failed > 0:
			rec.Status = persistence.WaveFailed
		default:
			rec.Status = persistence.WaveCompleted
			rs.run.WavesCompleted++
		}
		rec.Completed = completed
		rec.Failed = failed
		c.save(rs, rec)

		c.publish(events.TopicWave, events.WaveCompletedEvent{
			Run:       rs.run.ID,
			Wave:      wave.Number,
			Completed: completed,
			Failed:    failed,
			Skipped:   skipped,
			Timestamp: time.Now(),
		})
		if c.mets != nil {
			c.mets.WaveDuration.Observe(time.Since(waveStart).Seconds())
		}

		if ctx.Err() != nil {
			return false
		}

		// A fully blocked remainder cannot make progress; stop here rather
		// than walking empty waves.
		if i < len(rs.waves)-1 && c.remainingAllBlocked(rs, rs.waves[i+1:]) {
			c.log.Warn("aborting run, all remaining tasks blocked", "run", rs.run.ID)
			return true
		}
	}
	return false
}

func (c *Coordinator) remainingAllBlocked(rs *runState, waves []scheduler.PlannedWave) bool {
	for _, w := range waves {
		for _, t := range w.Tasks {
			if rs.statusOf(t.ID) != scheduler.TaskBlocked {
				return false
			}
		}
	}
	return true
}

// runTask runs one task's attempt loop to a terminal status.
func (c *Coordinator) runTask(ctx context.Context, rs *runState, waveNum int, task *scheduler.Task) {
	agent, err := c.agents(task.AgentKind)
	if err != nil {
		c.markFailed(rs, task, TaskFailure{
			TaskID:    task.ID,
			Reason:    worker.ReasonError,
			LastError: err.Error(),
		})
		return
	}

	history, err := c.store.ListAttempts(rs.saveCtx, task.ID)
	if err != nil {
		c.log.Error("loading attempt history", "task", task.ID, "error", err)
	}
	priorAttempts := len(history)

	cb := c.breakers.Get(task.AgentKind)
	policy := newBackoffPolicy(c.cfg.Retry)
	taskStart := time.Now()

	var last worker.Result
	for attempt := 1; attempt <= c.cfg.RetryBudget; attempt++ {
		if ctx.Err() != nil {
			c.markCancelled(rs, task, last.LastError)
			return
		}
		if attempt > 1 {
			if err := pause(ctx, policy); err != nil {
				c.markCancelled(rs, task, last.LastError)
				return
			}
		}

		// A replacement worker resumes from the log tail of the prior one.
		var resume []worker.LogEntry
		if attempt > 1 || priorAttempts > 0 {
			resume, err = c.store.TailLog(rs.saveCtx, rs.run.ID, task.ID, c.cfg.LogTailWindow)
			if err != nil {
				c.log.Error("loading log tail", "task", task.ID, "error", err)
			}
		}

		rs.setStatus(task.ID, scheduler.TaskInProgress)
		c.updateStatus(rs, task.ID, scheduler.TaskInProgress, last.LastError)

		asg := worker.Assignment{
			RunID:     rs.run.ID,
			Wave:      waveNum,
			Task:      task.Clone(),
			Attempt:   attempt,
			ResumeLog: resume,
		}

		res := c.dispatch(ctx, rs, cb, asg, agent)

		att := &persistence.Attempt{
			TaskID:        task.ID,
			RunID:         rs.run.ID,
			WorkerID:      res.WorkerID,
			Number:        priorAttempts + attempt,
			Result:        res.State.String(),
			Reason:        res.Reason,
			LastError:     res.LastError,
			FilesModified: res.FilesModified,
			Checkpoints:   res.Checkpoints,
			At:            time.Now(),
		}
		if err := c.store.SaveAttempt(rs.saveCtx, att); err != nil {
			c.log.Error("saving attempt", "task", task.ID, "error", err)
		}
		if c.mets != nil {
			c.mets.AttemptsTotal.WithLabelValues(res.State.String()).Inc()
		}

		switch res.State {
		case worker.ResultSuccess:
			rs.setStatus(task.ID, scheduler.TaskCompleted)
			c.updateStatus(rs, task.ID, scheduler.TaskCompleted, "")
			c.publish(events.TopicTask, events.TaskCompletedEvent{
				Run:       rs.run.ID,
				Task:      task.ID,
				WorkerID:  res.WorkerID,
				Duration:  time.Since(taskStart),
				Timestamp: time.Now(),
			})
			if c.mets != nil {
				c.mets.TasksTotal.WithLabelValues(scheduler.TaskCompleted.String()).Inc()
				c.mets.TaskDuration.Observe(time.Since(taskStart).Seconds())
			}
			return

		case worker.ResultCancelled:
			c.markCancelled(rs, task, res.LastError)
			return
		}

		// Timeout and error failures both retry with a fresh worker.
		last = res
		c.log.Warn("task attempt failed", "task", task.ID,
			"attempt", attempt, "reason", res.Reason, "error", res.LastError)
	}

	verdict, err := c.analyzer.Analyze(rs.saveCtx, task.ID)
	if err != nil {
		c.log.Error("analyzing failed task", "task", task.ID, "error", err)
	}

	failure := TaskFailure{
		TaskID:    task.ID,
		Reason:    last.Reason,
		LastError: last.LastError,
		Attempts:  c.cfg.RetryBudget,
		Escalated: verdict.ShouldEscalate,
	}

	if verdict.ShouldEscalate {
		// Stuck in a loop: block it pending external remediation.
		rs.setStatus(task.ID, scheduler.TaskBlocked)
		c.updateStatus(rs, task.ID, scheduler.TaskBlocked, last.LastError)
		rs.addFailure(failure)
		c.publish(events.TopicTask, events.TaskEscalatedEvent{
			Run:       rs.run.ID,
			Task:      task.ID,
			Analysis:  verdict.Analysis,
			Timestamp: time.Now(),
		})
		if c.mets != nil {
			c.mets.TasksTotal.WithLabelValues(scheduler.TaskBlocked.String()).Inc()
		}
		c.blockDependents(rs, task.ID)
		return
	}

	c.markFailed(rs, task, failure)
}

// dispatch spawns one supervised worker through the agent kind's circuit
// breaker and waits for its terminal result.
func (c *Coordinator) dispatch(ctx context.Context, rs *runState, cb *gobreaker.CircuitBreaker, asg worker.Assignment, agent worker.Agent) worker.Result {
	rs.workerStarted()
	if c.mets != nil {
		c.mets.ActiveWorkers.Inc()
	}
	defer func() {
		rs.workerFinished()
		if c.mets != nil {
			c.mets.ActiveWorkers.Dec()
		}
	}()

	out, err := cb.Execute(func() (any, error) {
		h := c.sup.Spawn(ctx, asg, agent)
		c.publish(events.TopicTask, events.TaskStartedEvent{
			Run:       rs.run.ID,
			Task:      asg.Task.ID,
			WorkerID:  h.ID(),
			Attempt:   asg.Attempt,
			Timestamp: time.Now(),
		})
		res := h.Wait()
		switch res.State {
		case worker.ResultFailure:
			// Feed the breaker; the result still reaches the caller.
			return res, errors.New(res.LastError)
		case worker.ResultCancelled:
			return res, context.Canceled
		}
		return res, nil
	})

	if res, ok := out.(worker.Result); ok {
		return res
	}
	// Breaker open: no worker was spawned.
	return worker.Result{
		State:     worker.ResultFailure,
		Reason:    worker.ReasonError,
		LastError: err.Error(),
	}
}

func (c *Coordinator) markFailed(rs *runState, task *scheduler.Task, failure TaskFailure) {
	rs.setStatus(task.ID, scheduler.TaskFailed)
	c.updateStatus(rs, task.ID, scheduler.TaskFailed, failure.LastError)
	rs.addFailure(failure)
	c.publish(events.TopicTask, events.TaskFailedEvent{
		Run:       rs.run.ID,
		Task:      task.ID,
		Reason:    failure.Reason,
		LastError: failure.LastError,
		Attempts:  failure.Attempts,
		Timestamp: time.Now(),
	})
	if c.mets != nil {
		c.mets.TasksTotal.WithLabelValues(scheduler.TaskFailed.String()).Inc()
	}
	c.blockDependents(rs, task.ID)
}

func (c *Coordinator) markCancelled(rs *runState, task *scheduler.Task, lastError string) {
	rs.setStatus(task.ID, scheduler.TaskCancelled)
	c.updateStatus(rs, task.ID, scheduler.TaskCancelled, lastError)
	if c.mets != nil {
		c.mets.TasksTotal.WithLabelValues(scheduler.TaskCancelled.String()).Inc()
	}
}

// blockDependents marks every transitive dependent of a permanently failed
// task as blocked. Blocked tasks are never attempted within this run.
func (c *Coordinator) blockDependents(rs *runState, failedID string) {
	queue := []string{failedID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range rs.graph.Dependents(id) {
			if rs.statusOf(depID).Terminal() {
				continue
			}
			rs.setStatus(depID, scheduler.TaskBlocked)
			rs.mu.Lock()
			rs.blockedBy[depID] = failedID
			rs.mu.Unlock()
			c.updateStatus(rs, depID, scheduler.TaskBlocked, "blocked by "+failedID)
			c.publish(events.TopicTask, events.TaskBlockedEvent{
				Run:       rs.run.ID,
				Task:      depID,
				BlockedBy: failedID,
				Timestamp: time.Now(),
			})
			if c.mets != nil {
				c.mets.TasksTotal.WithLabelValues(scheduler.TaskBlocked.String()).Inc()
			}
			queue = append(queue, depID)
		}
	}
}

// finish settles run and list records and builds the report.
func (c *Coordinator) finish(ctx context.Context, rs *runState) *Report {
	report := &Report{
		RunID:      rs.run.ID,
		ListID:     rs.list.ID,
		RunNumber:  rs.run.Number,
		WavesTotal: rs.run.WavesTotal,
		Blocked:    make(map[string]string),
		Duration:   time.Since(rs.run.StartedAt),
	}

	rs.mu.Lock()
	for id, st := range rs.status {
		switch st {
		case scheduler.TaskCompleted:
			report.Completed = append(report.Completed, id)
		case scheduler.TaskCancelled:
			report.Cancelled = append(report.Cancelled, id)
		case scheduler.TaskBlocked:
			report.Blocked[id] = rs.blockedBy[id]
		}
	}
	report.Failures = append(report.Failures, rs.failures...)
	report.PeakWorkers = rs.peak
	rs.mu.Unlock()
	report.WavesCompleted = rs.run.WavesCompleted

	failedIDs := make([]string, 0, len(report.Failures))
	for _, f := range report.Failures {
		if !f.Escalated {
			failedIDs = append(failedIDs, f.TaskID)
		}
	}
	blockedIDs := make([]string, 0, len(report.Blocked))
	for id := range report.Blocked {
		blockedIDs = append(blockedIDs, id)
	}

	now := time.Now()
	switch {
	case ctx.Err() != nil:
		report.Status = persistence.RunCancelled
		c.transitionList(rs, tasklist.StatusPaused)
		c.publish(events.TopicRun, events.RunCancelledEvent{
			Run: rs.run.ID, ListID: rs.list.ID, Timestamp: now,
		})
	case len(report.Failures) > 0 || len(report.Blocked) > 0:
		report.Status = persistence.RunFailed
		c.transitionList(rs, tasklist.StatusFailed)
		c.publish(events.TopicRun, events.RunFailedEvent{
			Run:            rs.run.ID,
			ListID:         rs.list.ID,
			WavesCompleted: report.WavesCompleted,
			FailedTasks:    failedIDs,
			BlockedTasks:   blockedIDs,
			Timestamp:      now,
		})
	default:
		report.Status = persistence.RunCompleted
		c.transitionList(rs, tasklist.StatusCompleted)
		c.publish(events.TopicRun, events.RunCompletedEvent{
			Run: rs.run.ID, ListID: rs.list.ID, Duration: report.Duration, Timestamp: now,
		})
	}

	rs.run.Status = report.Status
	rs.run.TasksCompleted = len(report.Completed)
	rs.run.TasksFailed = len(failedIDs)
	rs.run.TasksBlocked = len(blockedIDs)
	rs.run.PeakWorkers = report.PeakWorkers
	rs.run.FinishedAt = now
	if err := c.store.SaveRun(rs.saveCtx, rs.run); err != nil {
		c.log.Error("saving run", "run", rs.run.ID, "error", err)
	}

	rs.list.TasksTotal = rs.run.TasksTotal
	rs.list.TasksCompleted = rs.run.TasksCompleted
	rs.list.TasksFailed = rs.run.TasksFailed
	rs.list.TasksBlocked = rs.run.TasksBlocked
	if err := c.store.SaveList(rs.saveCtx, rs.list); err != nil {
		c.log.Error("saving list", "list", rs.list.ID, "error", err)
	}

	if c.mets != nil {
		c.mets.RunsTotal.WithLabelValues(string(report.Status)).Inc()
	}
	c.log.Info("run finished", "run", rs.run.ID, "status", report.Status,
		"completed", len(report.Completed), "failed", len(failedIDs),
		"blocked", len(blockedIDs), "duration", report.Duration)

	return report
}

func (c *Coordinator) transitionList(rs *runState, to tasklist.Status) {
	if err := rs.list.Transition(to); err != nil {
		c.log.Error("list transition", "list", rs.list.ID, "to", to, "error", err)
	}
}

func (c *Coordinator) updateStatus(rs *runState, taskID string, st scheduler.TaskStatus, lastError string) {
	if err := c.store.UpdateTaskStatus(rs.saveCtx, taskID, st, lastError); err != nil {
		c.log.Error("updating task status", "task", taskID, "error", err)
	}
}

func (c *Coordinator) save(rs *runState, rec *persistence.Wave) {
	if err := c.store.SaveWave(rs.saveCtx, rec); err != nil {
		c.log.Error("saving wave", "run", rec.RunID, "wave", rec.Number, "error", err)
	}
}

func (c *Coordinator) publish(topic string, ev events.Event) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(topic, ev)
}

func taskIDsOf(tasks []*scheduler.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
