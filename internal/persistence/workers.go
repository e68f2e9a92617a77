package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/taskflow/engine/internal/worker"
)

// Attempt is one recorded execution attempt of a task: who ran it, how it
// ended, and the evidence the analyzer compares across attempts.
type Attempt struct {
	ID       int64
	TaskID   string
	RunID    string
	WorkerID string
	Number   int

	Result    string // worker.ResultState name
	Reason    string
	LastError string

	FilesModified []string
	Checkpoints   int
	At            time.Time
}

// SaveWorker upserts a worker instance snapshot.
func (s *SQLiteStore) SaveWorker(ctx context.Context, inst *worker.Instance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, run_id, wave, task_id, status, last_heartbeat,
			missed_heartbeats, progress, step, attempt, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			missed_heartbeats = excluded.missed_heartbeats,
			progress = excluded.progress,
			step = excluded.step,
			finished_at = excluded.finished_at
	`, inst.ID, inst.RunID, inst.Wave, inst.TaskID, inst.Status.String(),
		inst.LastHeartbeat.UTC(), inst.MissedHeartbeats, inst.Progress, inst.Step,
		inst.Attempt, inst.StartedAt.UTC(), nullTime(inst.FinishedAt))
	if err != nil {
		return fmt.Errorf("upserting worker: %w", err)
	}
	return nil
}

// ListWorkers returns all worker instances of a run, oldest first.
func (s *SQLiteStore) ListWorkers(ctx context.Context, runID string) ([]*worker.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, wave, task_id, status, last_heartbeat,
			missed_heartbeats, progress, step, attempt, started_at, finished_at
		FROM workers WHERE run_id = ? ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()

	var workers []*worker.Instance
	for rows.Next() {
		inst := &worker.Instance{}
		var status string
		var finished sql.NullTime
		err := rows.Scan(&inst.ID, &inst.RunID, &inst.Wave, &inst.TaskID, &status,
			&inst.LastHeartbeat, &inst.MissedHeartbeats, &inst.Progress, &inst.Step,
			&inst.Attempt, &inst.StartedAt, &finished)
		if err != nil {
			return nil, fmt.Errorf("scanning worker: %w", err)
		}
		inst.Status = parseWorkerStatus(status)
		if finished.Valid {
			inst.FinishedAt = finished.Time
		}
		workers = append(workers, inst)
	}
	return workers, rows.Err()
}

// SaveAttempt appends one attempt record. Attempt history is append-only;
// the analyzer compares the two most recent records per task.
func (s *SQLiteStore) SaveAttempt(ctx context.Context, att *Attempt) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (task_id, run_id, worker_id, number, result, reason,
			last_error, files_modified, checkpoints, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, att.TaskID, att.RunID, att.WorkerID, att.Number, att.Result, att.Reason,
		att.LastError, strings.Join(att.FilesModified, "\n"), att.Checkpoints,
		att.At.UTC())
	if err != nil {
		return fmt.Errorf("inserting attempt: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		att.ID = id
	}
	return nil
}

// ListAttempts returns a task's attempts oldest first, across all runs.
func (s *SQLiteStore) ListAttempts(ctx context.Context, taskID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_id, worker_id, number, result, reason,
			last_error, files_modified, checkpoints, at
		FROM attempts WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		att := &Attempt{}
		var files string
		err := rows.Scan(&att.ID, &att.TaskID, &att.RunID, &att.WorkerID, &att.Number,
			&att.Result, &att.Reason, &att.LastError, &files, &att.Checkpoints, &att.At)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		if files != "" {
			att.FilesModified = strings.Split(files, "\n")
		}
		attempts = append(attempts, att)
	}
	return attempts, rows.Err()
}

func parseWorkerStatus(s string) worker.Status {
	for st := worker.StatusSpawning; st <= worker.StatusTerminated; st++ {
		if st.String() == s {
			return st
		}
	}
	return worker.StatusTerminated
}
