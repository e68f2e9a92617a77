// Package persistence stores all engine state: task lists, tasks, runs,
// waves, worker instances and the append-only execution log. Everything the
// coordinator does is reconstructable from these records; no run progress
// lives only in memory.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskflow/engine/internal/scheduler"
	"github.com/taskflow/engine/internal/tasklist"
	"github.com/taskflow/engine/internal/worker"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrActiveRun is returned when a run creation would violate the
// one-running-run-per-list invariant.
var ErrActiveRun = errors.New("a run is already active for this task list")

// Store is the persistence contract the engine depends on. SQLiteStore is
// the provided implementation; the engine itself is storage-agnostic.
type Store interface {
	// Task lists
	SaveList(ctx context.Context, l *tasklist.List) error
	GetList(ctx context.Context, listID string) (*tasklist.List, error)

	// Tasks. listID may be empty for the unscoped holding area.
	SaveTask(ctx context.Context, task *scheduler.Task, listID string, position int) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context, listID string) ([]*scheduler.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status scheduler.TaskStatus, lastError string) error

	// Runs. CreateRun enforces the single-active-run invariant and assigns
	// the next monotonic run number for the list.
	CreateRun(ctx context.Context, run *Run) error
	SaveRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, listID string) ([]*Run, error)

	// Waves
	SaveWave(ctx context.Context, wave *Wave) error
	ListWaves(ctx context.Context, runID string) ([]*Wave, error)

	// Worker instances and attempt history
	SaveWorker(ctx context.Context, inst *worker.Instance) error
	ListWorkers(ctx context.Context, runID string) ([]*worker.Instance, error)
	SaveAttempt(ctx context.Context, att *Attempt) error
	ListAttempts(ctx context.Context, taskID string) ([]*Attempt, error)

	// Execution log: append-only, run-scoped, bounded tail reads.
	AppendLog(ctx context.Context, entry worker.LogEntry) error
	TailLog(ctx context.Context, runID, taskID string, limit int) ([]worker.LogEntry, error)
	ListLog(ctx context.Context, runID string) ([]worker.LogEntry, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)
var _ worker.LogSink = (*SQLiteStore)(nil)
var _ worker.InstanceSink = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) a SQLite store at the given
// path. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("creating parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory store for tests. A shared cache lets
// multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, "file::memory:?mode=memory&cache=shared")
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// modernc.org/sqlite needs foreign keys enabled via PRAGMA.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Concurrent log appenders plus coordinator queries; serialize writes
	// through SQLite's own locking rather than a big connection pool.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
