package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskflow/engine/internal/events"
	"github.com/taskflow/engine/internal/scheduler"
)

// errStuck is the cancellation cause when the monitor kills a worker.
var errStuck = errors.New("worker stuck: heartbeats stopped")

// Config tunes supervision behavior.
type Config struct {
	HeartbeatInterval   time.Duration // Expected heartbeat cadence (default 5s)
	MaxMissedHeartbeats int           // Consecutive misses before a worker is stuck (default 3)
	TaskTimeout         time.Duration // Wall-clock budget per attempt (default 10m)
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
	return c
}

// Supervisor spawns worker instances and watches their heartbeats. A worker
// that stops heartbeating or exceeds its wall-clock budget is terminated and
// reported as a timeout failure, leaving the coordinator free to retry with
// a fresh instance under the same run.
type Supervisor struct {
	cfg     Config
	sink    LogSink
	records InstanceSink // nil disables snapshots
	bus     *events.Bus  // nil disables events
	locks   *scheduler.PathLocks
	log     *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
	active    int
}

// NewSupervisor creates a supervisor. sink is required; records and bus may
// be nil.
func NewSupervisor(cfg Config, sink LogSink, records InstanceSink, bus *events.Bus, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		sink:      sink,
		records:   records,
		bus:       bus,
		locks:     scheduler.NewPathLocks(),
		log:       log.With("component", "supervisor"),
		instances: make(map[string]*Instance),
	}
}

// Handle tracks one spawned worker until it reaches a terminal state.
type Handle struct {
	id     string
	done   chan struct{}
	result Result
}

// ID returns the worker instance identifier.
func (h *Handle) ID() string { return h.id }

// Wait blocks until the worker terminates and returns its result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Spawn creates a worker instance bound to the assignment's task and starts
// the agent under heartbeat supervision. Returns immediately; the caller
// collects the terminal result via the handle.
func (s *Supervisor) Spawn(ctx context.Context, asg Assignment, agent Agent) *Handle {
	inst := &Instance{
		ID:            "wrk-" + uuid.New().String(),
		RunID:         asg.RunID,
		Wave:          asg.Wave,
		TaskID:        asg.Task.ID,
		Status:        StatusSpawning,
		Attempt:       asg.Attempt,
		LastHeartbeat: time.Now(),
		StartedAt:     time.Now(),
	}

	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.active++
	s.mu.Unlock()
	s.snapshot(ctx, inst)

	h := &Handle{id: inst.ID, done: make(chan struct{})}
	go s.run(ctx, inst, asg, agent, h)
	return h
}

// ActiveCount returns the number of workers not yet terminated.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Supervisor) run(ctx context.Context, inst *Instance, asg Assignment, agent Agent, h *Handle) {
	defer close(h.done)

	// Log appends must survive the worker's own cancellation.
	logCtx := context.WithoutCancel(ctx)

	rep := &reporter{sup: s, inst: inst, ctx: logCtx}
	rep.Log(EntryStarted, fmt.Sprintf("worker %s starting attempt %d for task %s", inst.ID, asg.Attempt, asg.Task.ID))
	if n := len(asg.ResumeLog); n > 0 {
		rep.Log(EntryHandoff, fmt.Sprintf("resuming from %d log entries of prior attempt", n))
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	deadlineCtx, cancelDeadline := context.WithTimeout(execCtx, s.cfg.TaskTimeout)
	defer cancelDeadline()
	defer cancel(nil)

	monitorDone := make(chan struct{})
	go s.monitor(deadlineCtx, inst, cancel, monitorDone)

	// Idle until the path guard admits the worker; wave planning already
	// keeps declared write sets disjoint, so the wait is normally zero.
	s.setStatus(logCtx, inst, StatusIdle)
	paths := scheduler.WritePaths(asg.Task)
	s.locks.LockAll(paths)

	s.setStatus(logCtx, inst, StatusRunning)
	outcome, execErr := agent.Execute(deadlineCtx, asg, rep)
	s.locks.UnlockAll(paths)

	// Stop the monitor; context causes are sticky, so a deadline or stuck
	// cancellation recorded earlier survives this cancel.
	cancelDeadline()
	<-monitorDone
	s.setStatus(logCtx, inst, StatusCompleting)

	res := s.classify(logCtx, inst, rep, outcome, execErr, ctx, deadlineCtx)
	res.WorkerID = inst.ID

	s.mu.Lock()
	inst.Status = StatusTerminated
	inst.FinishedAt = time.Now()
	s.active--
	s.mu.Unlock()
	s.snapshot(logCtx, inst)

	h.result = res
}

// classify turns agent outcome plus cancellation state into a terminal Result.
func (s *Supervisor) classify(logCtx context.Context, inst *Instance, rep *reporter, outcome Outcome, execErr error, parent, execCtx context.Context) Result {
	res := Result{
		State:         ResultSuccess,
		FilesModified: outcome.FilesModified,
		Checkpoints:   outcome.Checkpoints,
	}
	if cp := rep.checkpointCount(); cp > res.Checkpoints {
		res.Checkpoints = cp
	}
	if execErr == nil {
		return res
	}

	switch {
	case parent.Err() != nil:
		// External cancellation: clean retry later, not a failure.
		res.State = ResultCancelled
		res.LastError = execErr.Error()
		rep.Log(EntryInterrupted, "worker cancelled by external signal")

	case errors.Is(context.Cause(execCtx), errStuck):
		res.State = ResultFailure
		res.Reason = ReasonTimeout
		res.LastError = errStuck.Error()
		rep.Log(EntryInterrupted, fmt.Sprintf("worker terminated after %d missed heartbeats", inst.MissedHeartbeats))
		s.publishStuck(inst)

	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		res.State = ResultFailure
		res.Reason = ReasonTimeout
		res.LastError = fmt.Sprintf("wall-clock budget %s exceeded", s.cfg.TaskTimeout)
		rep.Log(EntryInterrupted, res.LastError)
		s.publishStuck(inst)

	default:
		res.State = ResultFailure
		res.Reason = ReasonError
		res.LastError = execErr.Error()
		rep.Log(EntryError, execErr.Error())
	}
	return res
}

// monitor flags the worker stuck after consecutive missed heartbeats.
func (s *Supervisor) monitor(ctx context.Context, inst *Instance, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			missed := int(time.Since(inst.LastHeartbeat) / s.cfg.HeartbeatInterval)
			inst.MissedHeartbeats = missed
			s.mu.Unlock()

			if missed >= s.cfg.MaxMissedHeartbeats {
				s.log.Warn("worker stuck, terminating",
					"worker", inst.ID, "task", inst.TaskID, "missed", missed)
				cancel(errStuck)
				return
			}
		}
	}
}

func (s *Supervisor) publishStuck(inst *Instance) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicWorker, events.WorkerStuckEvent{
		Run:              inst.RunID,
		Task:             inst.TaskID,
		WorkerID:         inst.ID,
		MissedHeartbeats: inst.MissedHeartbeats,
		Timestamp:        time.Now(),
	})
}

func (s *Supervisor) setStatus(ctx context.Context, inst *Instance, status Status) {
	s.mu.Lock()
	inst.Status = status
	s.mu.Unlock()
	s.snapshot(ctx, inst)
}

func (s *Supervisor) snapshot(ctx context.Context, inst *Instance) {
	if s.records == nil {
		return
	}
	s.mu.Lock()
	cp := *inst
	s.mu.Unlock()
	if err := s.records.SaveWorker(ctx, &cp); err != nil {
		s.log.Error("save worker snapshot", "worker", inst.ID, "error", err)
	}
}

// reporter is the supervisor's Reporter implementation handed to agents.
type reporter struct {
	sup  *Supervisor
	inst *Instance
	ctx  context.Context

	mu          sync.Mutex
	checkpoints int
}

func (r *reporter) Heartbeat(progress float64, step string) {
	r.sup.mu.Lock()
	r.inst.LastHeartbeat = time.Now()
	r.inst.MissedHeartbeats = 0
	r.inst.Progress = progress
	r.inst.Step = step
	r.sup.mu.Unlock()
}

func (r *reporter) Log(kind EntryKind, message string) {
	// Any log write counts as liveness.
	r.sup.mu.Lock()
	r.inst.LastHeartbeat = time.Now()
	r.inst.MissedHeartbeats = 0
	r.sup.mu.Unlock()

	if kind == EntryCheckpoint {
		r.mu.Lock()
		r.checkpoints++
		r.mu.Unlock()
	}

	entry := LogEntry{
		RunID:    r.inst.RunID,
		TaskID:   r.inst.TaskID,
		WorkerID: r.inst.ID,
		Kind:     kind,
		Message:  message,
		At:       time.Now(),
	}
	if err := r.sup.sink.AppendLog(r.ctx, entry); err != nil {
		r.sup.log.Error("append log entry", "worker", r.inst.ID, "error", err)
	}
}

func (r *reporter) checkpointCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkpoints
}
