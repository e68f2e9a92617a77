package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/taskflow/engine/internal/tasklist"
)

// SaveList upserts a task list. Membership is derived from tasks.list_id,
// so TaskIDs is not written here; callers attach tasks via SaveTask.
func (s *SQLiteStore) SaveList(ctx context.Context, l *tasklist.List) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_lists (id, name, status, approved, max_parallel,
			tasks_total, tasks_completed, tasks_failed, tasks_blocked,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			approved = excluded.approved,
			max_parallel = excluded.max_parallel,
			tasks_total = excluded.tasks_total,
			tasks_completed = excluded.tasks_completed,
			tasks_failed = excluded.tasks_failed,
			tasks_blocked = excluded.tasks_blocked,
			updated_at = CURRENT_TIMESTAMP
	`, l.ID, l.Name, string(l.Status), l.Approved, l.MaxParallelWorkers,
		l.TasksTotal, l.TasksCompleted, l.TasksFailed, l.TasksBlocked)
	if err != nil {
		return fmt.Errorf("upserting task list: %w", err)
	}
	return nil
}

// GetList retrieves a task list and its position-ordered membership.
func (s *SQLiteStore) GetList(ctx context.Context, listID string) (*tasklist.List, error) {
	l := &tasklist.List{}
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, approved, max_parallel, tasks_total,
			tasks_completed, tasks_failed, tasks_blocked, created_at, updated_at
		FROM task_lists WHERE id = ?
	`, listID).Scan(&l.ID, &l.Name, &status, &l.Approved, &l.MaxParallelWorkers,
		&l.TasksTotal, &l.TasksCompleted, &l.TasksFailed, &l.TasksBlocked,
		&l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task list %s", ErrNotFound, listID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task list: %w", err)
	}
	l.Status = tasklist.Status(status)

	ids, err := s.queryStrings(ctx,
		`SELECT id FROM tasks WHERE list_id = ? ORDER BY position, id`, listID)
	if err != nil {
		return nil, fmt.Errorf("querying list membership: %w", err)
	}
	l.TaskIDs = ids

	return l, nil
}
