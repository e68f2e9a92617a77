package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/taskflow/engine/internal/scheduler"
)

const relationConflictsWith = "conflicts_with"

// SaveTask saves or updates a task and its edges. Idempotent via upsert.
// An empty listID parks the task in the unscoped holding area.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task, listID string, position int) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var list any
	if listID != "" {
		list = listID
	}
	var deadline sql.NullTime
	if task.Deadline != nil {
		deadline = sql.NullTime{Time: task.Deadline.UTC(), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, list_id, position, title, description, agent_kind,
			status, quick_win, deadline, effort, assigned_worker, last_error,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			list_id = excluded.list_id,
			position = excluded.position,
			title = excluded.title,
			description = excluded.description,
			agent_kind = excluded.agent_kind,
			status = excluded.status,
			quick_win = excluded.quick_win,
			deadline = excluded.deadline,
			effort = excluded.effort,
			assigned_worker = excluded.assigned_worker,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, list, position, task.Title, task.Description, task.AgentKind,
		task.Status.String(), task.QuickWin, deadline, int(task.Effort),
		task.AssignedWorker, task.LastError)
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}

	for _, table := range []string{"task_dependencies", "task_relations", "task_file_ops"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE task_id = ?`, task.ID); err != nil {
			return fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, depID := range task.DependsOn {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`,
			task.ID, depID)
		if err != nil {
			return fmt.Errorf("inserting dependency %s -> %s: %w", task.ID, depID, err)
		}
	}
	for _, otherID := range task.ConflictsWith {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_relations (task_id, related_id, kind) VALUES (?, ?, ?)`,
			task.ID, otherID, relationConflictsWith)
		if err != nil {
			return fmt.Errorf("inserting relation %s -/- %s: %w", task.ID, otherID, err)
		}
	}
	for _, op := range task.FileOps {
		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_file_ops (task_id, path, op) VALUES (?, ?, ?)`,
			task.ID, op.Path, op.Kind.String())
		if err != nil {
			return fmt.Errorf("inserting file op %s %s: %w", op.Kind, op.Path, err)
		}
	}

	return tx.Commit()
}

// GetTask retrieves a task by ID with its edges and file ops.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, agent_kind, status, quick_win, deadline,
			effort, assigned_worker, last_error
		FROM tasks WHERE id = ?
	`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}

	if err := s.loadTaskEdges(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns the tasks of a list in membership order. An empty
// listID lists the unscoped holding area.
func (s *SQLiteStore) ListTasks(ctx context.Context, listID string) ([]*scheduler.Task, error) {
	query := `
		SELECT id, title, description, agent_kind, status, quick_win, deadline,
			effort, assigned_worker, last_error
		FROM tasks WHERE list_id = ? ORDER BY position, id`
	args := []any{listID}
	if listID == "" {
		query = strings.Replace(query, "list_id = ?", "list_id IS NULL", 1)
		args = nil
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, task := range tasks {
		if err := s.loadTaskEdges(ctx, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// UpdateTaskStatus updates status and last error of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, status.String(), lastError, taskID)
	if err != nil {
		return fmt.Errorf("updating task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotFound, taskID)
	}
	return nil
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var status string
	var deadline sql.NullTime
	var effort int
	err := row.Scan(&task.ID, &task.Title, &task.Description, &task.AgentKind,
		&status, &task.QuickWin, &deadline, &effort, &task.AssignedWorker, &task.LastError)
	if err != nil {
		return nil, err
	}
	task.Status = parseTaskStatus(status)
	task.Effort = scheduler.EffortBucket(effort)
	if deadline.Valid {
		d := deadline.Time
		task.Deadline = &d
	}
	return task, nil
}

func (s *SQLiteStore) loadTaskEdges(ctx context.Context, task *scheduler.Task) error {
	deps, err := s.queryStrings(ctx,
		`SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, task.ID)
	if err != nil {
		return fmt.Errorf("querying dependencies: %w", err)
	}
	task.DependsOn = deps

	conflicts, err := s.queryStrings(ctx,
		`SELECT related_id FROM task_relations WHERE task_id = ? AND kind = ? ORDER BY related_id`,
		task.ID, relationConflictsWith)
	if err != nil {
		return fmt.Errorf("querying relations: %w", err)
	}
	task.ConflictsWith = conflicts

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, op FROM task_file_ops WHERE task_id = ? ORDER BY path, op`, task.ID)
	if err != nil {
		return fmt.Errorf("querying file ops: %w", err)
	}
	defer rows.Close()

	task.FileOps = nil
	for rows.Next() {
		var path, op string
		if err := rows.Scan(&path, &op); err != nil {
			return fmt.Errorf("scanning file op: %w", err)
		}
		kind, ok := scheduler.ParseFileOpKind(op)
		if !ok {
			return fmt.Errorf("unknown file op kind %q for task %s", op, task.ID)
		}
		task.FileOps = append(task.FileOps, scheduler.FileOp{Path: path, Kind: kind})
	}
	return rows.Err()
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func parseTaskStatus(s string) scheduler.TaskStatus {
	for st := scheduler.TaskPending; st <= scheduler.TaskSuperseded; st++ {
		if st.String() == s {
			return st
		}
	}
	return scheduler.TaskPending
}
