package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/taskflow/engine/internal/scheduler"
)

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}
	return path
}

func TestLoadPlanFile(t *testing.T) {
	path := writePlan(t, `{
		"id": "sprint-1",
		"name": "Auth sprint",
		"max_parallel_workers": 3,
		"tasks": [
			{
				"id": "schema",
				"title": "Create schema",
				"agent_kind": "coder",
				"file_ops": [{"path": "/db/schema.sql", "op": "create"}],
				"quick_win": true,
				"effort": "small"
			},
			{
				"id": "api",
				"depends_on": ["schema"],
				"conflicts_with": ["ui"],
				"deadline": "2026-09-02T12:00:00Z",
				"effort": "medium"
			},
			{"id": "ui"}
		]
	}`)

	list, tasks, err := loadPlanFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if list.ID != "sprint-1" || list.Name != "Auth sprint" {
		t.Errorf("list fields mismatch: %+v", list)
	}
	if list.MaxParallelWorkers != 3 {
		t.Errorf("expected max parallel 3, got %d", list.MaxParallelWorkers)
	}
	if len(list.TaskIDs) != 3 || list.TasksTotal != 3 {
		t.Errorf("membership mismatch: %+v", list)
	}

	schema := tasks[0]
	if schema.Title != "Create schema" || schema.AgentKind != "coder" || !schema.QuickWin {
		t.Errorf("schema task mismatch: %+v", schema)
	}
	if len(schema.FileOps) != 1 || schema.FileOps[0].Kind != scheduler.OpCreate {
		t.Errorf("file ops mismatch: %v", schema.FileOps)
	}
	if schema.Effort != scheduler.EffortSmall {
		t.Errorf("effort mismatch: %d", schema.Effort)
	}

	api := tasks[1]
	if api.Title != "api" {
		t.Errorf("expected title defaulted to id, got %q", api.Title)
	}
	if api.Deadline == nil || api.Deadline.Year() != 2026 {
		t.Errorf("deadline mismatch: %v", api.Deadline)
	}
	if len(api.ConflictsWith) != 1 || api.ConflictsWith[0] != "ui" {
		t.Errorf("conflicts mismatch: %v", api.ConflictsWith)
	}
}

func TestLoadPlanFileRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing id", `{"tasks": [{"id": "a"}]}`},
		{"no tasks", `{"id": "l"}`},
		{"empty task id", `{"id": "l", "tasks": [{"title": "x"}]}`},
		{"bad file op", `{"id": "l", "tasks": [{"id": "a", "file_ops": [{"path": "/x", "op": "touch"}]}]}`},
		{"bad effort", `{"id": "l", "tasks": [{"id": "a", "effort": "gigantic"}]}`},
		{"bad deadline", `{"id": "l", "tasks": [{"id": "a", "deadline": "tomorrow"}]}`},
		{"malformed json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writePlan(t, tt.content)
			if _, _, err := loadPlanFile(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
