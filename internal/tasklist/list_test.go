package tasklist

import (
	"errors"
	"testing"

	"github.com/taskflow/engine/internal/scheduler"
)

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"draft to ready", StatusDraft, StatusReady, false},
		{"ready to in_progress", StatusReady, StatusInProgress, false},
		{"in_progress to completed", StatusInProgress, StatusCompleted, false},
		{"in_progress to failed", StatusInProgress, StatusFailed, false},
		{"in_progress to paused", StatusInProgress, StatusPaused, false},
		{"paused resumes", StatusPaused, StatusInProgress, false},
		{"failed back to ready for retry", StatusFailed, StatusReady, false},
		{"completed to archived", StatusCompleted, StatusArchived, false},
		{"draft cannot run", StatusDraft, StatusInProgress, true},
		{"completed cannot restart", StatusCompleted, StatusInProgress, true},
		{"archived is terminal", StatusArchived, StatusReady, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &List{ID: "l1", Status: tt.from}
			err := l.Transition(tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("Transition(%s -> %s) err = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
			}
			if err == nil && l.Status != tt.to {
				t.Errorf("status = %s, want %s", l.Status, tt.to)
			}
		})
	}
}

func TestValidateReadiness(t *testing.T) {
	l := &List{ID: "l1", Status: StatusDraft}

	t.Run("empty list", func(t *testing.T) {
		if err := l.ValidateReadiness(nil); !errors.Is(err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
	})

	t.Run("dependency outside list", func(t *testing.T) {
		tasks := []*scheduler.Task{{ID: "a", DependsOn: []string{"outsider"}}}
		if err := l.ValidateReadiness(tasks); !errors.Is(err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
	})

	t.Run("cycle", func(t *testing.T) {
		tasks := []*scheduler.Task{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		}
		err := l.ValidateReadiness(tasks)
		if !errors.Is(err, ErrNotReady) {
			t.Errorf("err = %v, want ErrNotReady", err)
		}
		if !errors.Is(err, scheduler.ErrCycleDetected) {
			t.Errorf("err = %v, want wrapped ErrCycleDetected", err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		tasks := []*scheduler.Task{
			{ID: "a"},
			{ID: "b", DependsOn: []string{"a"}},
		}
		if err := l.ValidateReadiness(tasks); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestProgress(t *testing.T) {
	l := &List{TasksTotal: 4, TasksCompleted: 1}
	if got := l.Progress(); got != 0.25 {
		t.Errorf("Progress = %v, want 0.25", got)
	}
	empty := &List{}
	if got := empty.Progress(); got != 0 {
		t.Errorf("Progress on empty list = %v, want 0", got)
	}
}
