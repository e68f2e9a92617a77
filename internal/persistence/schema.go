package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_lists (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		approved INTEGER NOT NULL DEFAULT 0,
		max_parallel INTEGER NOT NULL DEFAULT 4,
		tasks_total INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		tasks_blocked INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		list_id TEXT,
		position INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		agent_kind TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		quick_win INTEGER NOT NULL DEFAULT 0,
		deadline DATETIME,
		effort INTEGER NOT NULL DEFAULT 0,
		assigned_worker TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (list_id) REFERENCES task_lists(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id, position);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_relations (
		task_id TEXT NOT NULL,
		related_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		PRIMARY KEY (task_id, related_id, kind),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS task_file_ops (
		task_id TEXT NOT NULL,
		path TEXT NOT NULL,
		op TEXT NOT NULL,
		PRIMARY KEY (task_id, path, op),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		list_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		status TEXT NOT NULL,
		tasks_total INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		tasks_blocked INTEGER NOT NULL DEFAULT 0,
		waves_total INTEGER NOT NULL DEFAULT 0,
		waves_completed INTEGER NOT NULL DEFAULT 0,
		peak_workers INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		UNIQUE (list_id, number),
		FOREIGN KEY (list_id) REFERENCES task_lists(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_runs_list ON runs(list_id, number);

	CREATE TABLE IF NOT EXISTS waves (
		run_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		status TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, number),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS wave_tasks (
		run_id TEXT NOT NULL,
		wave_number INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (run_id, wave_number, task_id),
		FOREIGN KEY (run_id, wave_number) REFERENCES waves(run_id, number) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		wave INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		missed_heartbeats INTEGER NOT NULL DEFAULT 0,
		progress REAL NOT NULL DEFAULT 0,
		step TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 1,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_workers_run ON workers(run_id);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		result TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		files_modified TEXT NOT NULL DEFAULT '',
		checkpoints INTEGER NOT NULL DEFAULT 0,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, id);

	CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_log_run_task ON log_entries(run_id, task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
