// Package agent provides the engine's reference build-agent integration: an
// adapter that runs a configured command per task in its own process group
// and streams its output into the execution log. What the command actually
// does to produce code changes is opaque to the engine.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/taskflow/engine/internal/worker"
)

// Output line prefixes the agent protocol recognizes. Everything else is
// logged verbatim as output.
const (
	prefixCheckpoint = "::checkpoint "
	prefixModified   = "::modified "
	prefixStep       = "::step "
)

// Config defines the command an ExecAgent runs.
type Config struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// assignmentPayload is the JSON handed to the command on stdin.
type assignmentPayload struct {
	RunID       string   `json:"run_id"`
	TaskID      string   `json:"task_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Attempt     int      `json:"attempt"`
	ResumeLog   []string `json:"resume_log,omitempty"`
}

// ExecAgent runs one subprocess per assignment. Each output line counts as
// liveness; protocol-prefixed lines record checkpoints, modified files, and
// step descriptions.
type ExecAgent struct {
	cfg Config
	pm  *ProcessManager
}

// New creates an exec agent. The ProcessManager is optional; when present,
// spawned subprocesses are tracked for shutdown cleanup.
func New(cfg Config, pm *ProcessManager) (*ExecAgent, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	return &ExecAgent{cfg: cfg, pm: pm}, nil
}

// Execute implements worker.Agent.
func (a *ExecAgent) Execute(ctx context.Context, asg worker.Assignment, rep worker.Reporter) (worker.Outcome, error) {
	payload := assignmentPayload{
		RunID:       asg.RunID,
		TaskID:      asg.Task.ID,
		Title:       asg.Task.Title,
		Description: asg.Task.Description,
		Attempt:     asg.Attempt,
	}
	for _, e := range asg.ResumeLog {
		payload.ResumeLog = append(payload.ResumeLog, fmt.Sprintf("[%s] %s", e.Kind, e.Message))
	}

	stdin, err := json.Marshal(payload)
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("marshal assignment: %w", err)
	}

	cmd := newCommand(ctx, a.cfg.Command, a.cfg.Args...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Stdin = strings.NewReader(string(stdin))

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return worker.Outcome{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return worker.Outcome{}, fmt.Errorf("start agent command: %w", err)
	}
	if a.pm != nil {
		a.pm.Track(cmd)
		defer a.pm.Untrack(cmd)
	}

	var outcome worker.Outcome
	var stderrTail strings.Builder

	// Drain both pipes before Wait so large output cannot deadlock the
	// subprocess against a full pipe buffer.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.scanStdout(stdoutPipe, rep, &outcome)
	}()
	go func() {
		defer wg.Done()
		drainStderr(stderrPipe, rep, &stderrTail)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}
		if tail := strings.TrimSpace(stderrTail.String()); tail != "" {
			return outcome, fmt.Errorf("agent command failed: %w: %s", waitErr, tail)
		}
		return outcome, fmt.Errorf("agent command failed: %w", waitErr)
	}

	if outcome.Summary == "" {
		outcome.Summary = fmt.Sprintf("task %s finished", asg.Task.ID)
	}
	return outcome, nil
}

// scanStdout logs each line and interprets protocol prefixes. The outcome
// is only written from this single goroutine.
func (a *ExecAgent) scanStdout(r io.Reader, rep worker.Reporter, outcome *worker.Outcome) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, prefixCheckpoint):
			marker := strings.TrimPrefix(line, prefixCheckpoint)
			outcome.Checkpoints++
			rep.Log(worker.EntryCheckpoint, marker)
		case strings.HasPrefix(line, prefixModified):
			path := strings.TrimSpace(strings.TrimPrefix(line, prefixModified))
			if path != "" {
				outcome.FilesModified = append(outcome.FilesModified, path)
			}
			rep.Log(worker.EntryAction, "modified "+path)
		case strings.HasPrefix(line, prefixStep):
			step := strings.TrimPrefix(line, prefixStep)
			rep.Heartbeat(0, step)
			rep.Log(worker.EntryAction, step)
		default:
			rep.Log(worker.EntryOutput, line)
		}
	}
}

// drainStderr logs stderr lines as errors and keeps a bounded tail for the
// failure message.
func drainStderr(r io.Reader, rep worker.Reporter, tail *strings.Builder) {
	const tailLimit = 4 * 1024
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rep.Log(worker.EntryError, line)
		if tail.Len() < tailLimit {
			if tail.Len() > 0 {
				tail.WriteString("; ")
			}
			tail.WriteString(line)
		}
	}
}

// newCommand creates an exec.Cmd in its own process group so the whole
// subprocess tree can be terminated together.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	return cmd
}

// killProcessGroup kills the whole process group (negative PID target) so
// no orphaned grandchildren survive a termination.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill process group: %w", err)
	}
	return nil
}
