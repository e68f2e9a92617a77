package persistence

import (
	"context"
	"fmt"

	"github.com/taskflow/engine/internal/worker"
)

// AppendLog appends one entry to the execution log. Entries are never
// updated or deleted; the log is the durable record a replacement worker
// resumes from.
func (s *SQLiteStore) AppendLog(ctx context.Context, entry worker.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO log_entries (run_id, task_id, worker_id, kind, message, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.RunID, entry.TaskID, entry.WorkerID, string(entry.Kind),
		entry.Message, entry.At.UTC())
	if err != nil {
		return fmt.Errorf("appending log entry: %w", err)
	}
	return nil
}

// TailLog returns the most recent entries for a task within a run, oldest
// first, bounded by limit. This is the handoff context for a replacement
// worker.
func (s *SQLiteStore) TailLog(ctx context.Context, runID, taskID string, limit int) ([]worker.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, worker_id, kind, message, at
		FROM log_entries
		WHERE run_id = ? AND task_id = ?
		ORDER BY id DESC LIMIT ?
	`, runID, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying log tail: %w", err)
	}
	defer rows.Close()

	entries, err := scanLogEntries(rows)
	if err != nil {
		return nil, err
	}

	// Query returned newest first; restore chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ListLog returns a run's full execution log in append order.
func (s *SQLiteStore) ListLog(ctx context.Context, runID string) ([]worker.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, worker_id, kind, message, at
		FROM log_entries WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying log: %w", err)
	}
	defer rows.Close()

	return scanLogEntries(rows)
}

type sqlRows interface {
	rowScanner
	Next() bool
	Err() error
}

func scanLogEntries(rows sqlRows) ([]worker.LogEntry, error) {
	var entries []worker.LogEntry
	for rows.Next() {
		var e worker.LogEntry
		var kind string
		if err := rows.Scan(&e.RunID, &e.TaskID, &e.WorkerID, &kind, &e.Message, &e.At); err != nil {
			return nil, fmt.Errorf("scanning log entry: %w", err)
		}
		e.Kind = worker.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
