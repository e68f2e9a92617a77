package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one attempt to execute a task list end to end. The run ID is the
// isolation lane: every wave, worker and log entry is scoped to it.
type Run struct {
	ID     string
	ListID string
	Number int // Monotonic per list, assigned by CreateRun
	Status RunStatus

	TasksTotal     int
	TasksCompleted int
	TasksFailed    int
	TasksBlocked   int
	WavesTotal     int
	WavesCompleted int
	PeakWorkers    int

	StartedAt  time.Time
	FinishedAt time.Time // Zero until the run reaches a terminal state
}

// WaveStatus is the lifecycle state of a wave within a run.
type WaveStatus string

const (
	WavePending   WaveStatus = "pending"
	WaveRunning   WaveStatus = "running"
	WaveCompleted WaveStatus = "completed"
	WaveFailed    WaveStatus = "failed"
	WaveCancelled WaveStatus = "cancelled"
)

// Wave is one persisted stage of a run's plan.
type Wave struct {
	RunID     string
	Number    int
	Status    WaveStatus
	TaskIDs   []string
	Completed int
	Failed    int
	Skipped   int
}

// CreateRun inserts a new run, assigning the next run number for the list
// and enforcing that at most one run per list is running at a time.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE list_id = ? AND status = ?`,
		run.ListID, RunRunning).Scan(&active)
	if err != nil {
		return fmt.Errorf("checking active runs: %w", err)
	}
	if active > 0 {
		return ErrActiveRun
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM runs WHERE list_id = ?`,
		run.ListID).Scan(&run.Number)
	if err != nil {
		return fmt.Errorf("assigning run number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, list_id, number, status, tasks_total, tasks_completed,
			tasks_failed, tasks_blocked, waves_total, waves_completed, peak_workers,
			started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ListID, run.Number, run.Status, run.TasksTotal, run.TasksCompleted,
		run.TasksFailed, run.TasksBlocked, run.WavesTotal, run.WavesCompleted,
		run.PeakWorkers, run.StartedAt.UTC(), nullTime(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	return tx.Commit()
}

// SaveRun updates a run's status and counters.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, tasks_total = ?, tasks_completed = ?,
			tasks_failed = ?, tasks_blocked = ?, waves_total = ?, waves_completed = ?,
			peak_workers = ?, finished_at = ?
		WHERE id = ?
	`, run.Status, run.TasksTotal, run.TasksCompleted, run.TasksFailed,
		run.TasksBlocked, run.WavesTotal, run.WavesCompleted, run.PeakWorkers,
		nullTime(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, run.ID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, list_id, number, status, tasks_total, tasks_completed,
			tasks_failed, tasks_blocked, waves_total, waves_completed, peak_workers,
			started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// ListRuns returns a list's runs ordered by run number.
func (s *SQLiteStore) ListRuns(ctx context.Context, listID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, list_id, number, status, tasks_total, tasks_completed,
			tasks_failed, tasks_blocked, waves_total, waves_completed, peak_workers,
			started_at, finished_at
		FROM runs WHERE list_id = ? ORDER BY number
	`, listID)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var finished sql.NullTime
	err := row.Scan(&run.ID, &run.ListID, &run.Number, &run.Status,
		&run.TasksTotal, &run.TasksCompleted, &run.TasksFailed, &run.TasksBlocked,
		&run.WavesTotal, &run.WavesCompleted, &run.PeakWorkers,
		&run.StartedAt, &finished)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return run, nil
}

// SaveWave upserts a wave and its task membership.
func (s *SQLiteStore) SaveWave(ctx context.Context, wave *Wave) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO waves (run_id, number, status, completed, failed, skipped)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, number) DO UPDATE SET
			status = excluded.status,
			completed = excluded.completed,
			failed = excluded.failed,
			skipped = excluded.skipped
	`, wave.RunID, wave.Number, wave.Status, wave.Completed, wave.Failed, wave.Skipped)
	if err != nil {
		return fmt.Errorf("upserting wave: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM wave_tasks WHERE run_id = ? AND wave_number = ?`,
		wave.RunID, wave.Number)
	if err != nil {
		return fmt.Errorf("clearing wave tasks: %w", err)
	}
	for i, taskID := range wave.TaskIDs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wave_tasks (run_id, wave_number, task_id, position)
			VALUES (?, ?, ?, ?)
		`, wave.RunID, wave.Number, taskID, i)
		if err != nil {
			return fmt.Errorf("inserting wave task %s: %w", taskID, err)
		}
	}

	return tx.Commit()
}

// ListWaves returns a run's waves in order, with task membership.
func (s *SQLiteStore) ListWaves(ctx context.Context, runID string) ([]*Wave, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, status, completed, failed, skipped
		FROM waves WHERE run_id = ? ORDER BY number
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying waves: %w", err)
	}
	defer rows.Close()

	var waves []*Wave
	for rows.Next() {
		wave := &Wave{RunID: runID}
		if err := rows.Scan(&wave.Number, &wave.Status, &wave.Completed, &wave.Failed, &wave.Skipped); err != nil {
			return nil, fmt.Errorf("scanning wave: %w", err)
		}
		waves = append(waves, wave)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, wave := range waves {
		taskRows, err := s.db.QueryContext(ctx, `
			SELECT task_id FROM wave_tasks
			WHERE run_id = ? AND wave_number = ? ORDER BY position
		`, runID, wave.Number)
		if err != nil {
			return nil, fmt.Errorf("querying wave tasks: %w", err)
		}
		for taskRows.Next() {
			var taskID string
			if err := taskRows.Scan(&taskID); err != nil {
				taskRows.Close()
				return nil, fmt.Errorf("scanning wave task: %w", err)
			}
			wave.TaskIDs = append(wave.TaskIDs, taskID)
		}
		taskRows.Close()
		if err := taskRows.Err(); err != nil {
			return nil, err
		}
	}

	return waves, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
