// Package main provides the taskflow binary: plan, execute and inspect
// task list runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskflow/engine/internal/agent"
	"github.com/taskflow/engine/internal/config"
	"github.com/taskflow/engine/internal/events"
	"github.com/taskflow/engine/internal/metrics"
	"github.com/taskflow/engine/internal/orchestrator"
	"github.com/taskflow/engine/internal/persistence"
	"github.com/taskflow/engine/internal/scheduler"
	"github.com/taskflow/engine/internal/tasklist"
	"github.com/taskflow/engine/internal/worker"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	dbPath     string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "taskflow",
		Short: "Task list execution engine",
		Long: `Taskflow executes approved task lists: it resolves dependencies into
parallel waves, dispatches one supervised worker per task, records an
append-only execution log, and retries or escalates failing tasks.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Project config file (JSON)")
	cmd.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(planCmd(&f), runCmd(&f), statusCmd(&f))
	return cmd
}

func planCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <plan-file>",
		Short: "Print the computed wave plan for a task list without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, tasks, err := loadPlanFile(args[0])
			if err != nil {
				return err
			}
			if err := list.ValidateReadiness(tasks); err != nil {
				return err
			}

			g := scheduler.NewGraph()
			for _, t := range tasks {
				if err := g.AddTask(t); err != nil {
					return err
				}
			}
			waves, err := scheduler.Plan(g, time.Now())
			if err != nil {
				return err
			}

			fmt.Printf("List %s: %d tasks in %d waves\n", list.ID, len(tasks), len(waves))
			for _, w := range waves {
				fmt.Printf("  wave %d: %s\n", w.Number, strings.Join(w.TaskIDs(), ", "))
			}
			return nil
		},
	}
}

func runCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run <plan-file>",
		Short: "Execute a task list plan file end to end",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(f, args[0])
		},
	}
}

func runPlan(f *flags, planPath string) error {
	log := newLogger(f.logLevel)
	slog.SetDefault(log)

	cfg, err := loadEngineConfig(f)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	list, tasks, err := loadPlanFile(planPath)
	if err != nil {
		return err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := list.ValidateReadiness(tasks); err != nil {
		return err
	}
	// Submitting a plan file for execution is the approval act.
	list.Approved = true
	if err := list.Transition(tasklist.StatusReady); err != nil {
		return err
	}
	if err := store.SaveList(ctx, list); err != nil {
		return err
	}
	for i, task := range tasks {
		if err := store.SaveTask(ctx, task, list.ID, i); err != nil {
			return err
		}
	}

	bus := events.NewBus()
	defer bus.Close()

	if cfg.NATSURL != "" {
		fwd, err := events.NewForwarder(cfg.NATSURL, "taskflow", log)
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer fwd.Close()
		go fwd.Run(ctx, bus)
	}

	mets := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	pm := agent.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			log.Error("killing worker subprocesses", "error", err)
		}
	}()

	sup := worker.NewSupervisor(worker.Config{
		HeartbeatInterval:   cfg.HeartbeatInterval.Std(),
		MaxMissedHeartbeats: cfg.MaxMissedHeartbeats,
		TaskTimeout:         cfg.TaskTimeout.Std(),
	}, mets.LogSink(store), store, bus, log)

	coord := orchestrator.New(orchestrator.Config{
		RetryBudget:   cfg.RetryBudget,
		LogTailWindow: cfg.LogTailWindow,
		MaxParallel:   cfg.MaxParallelWorkers,
	}, store, sup, agentFactory(cfg, pm), bus, mets, log)

	report, err := coord.StartRun(ctx, list.ID)
	if err != nil && !errors.Is(err, orchestrator.ErrRunAborted) {
		return err
	}
	printReport(report)

	if report.Status != persistence.RunCompleted {
		return fmt.Errorf("run %s finished %s", report.RunID, report.Status)
	}
	return nil
}

func statusCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <list-id>",
		Short: "Inspect a task list's runs from the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadEngineConfig(f)
			if err != nil {
				return err
			}

			ctx := context.Background()
			store, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.GetList(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("List %s (%s): %s, %d/%d tasks completed\n",
				list.ID, list.Name, list.Status, list.TasksCompleted, list.TasksTotal)

			runs, err := store.ListRuns(ctx, list.ID)
			if err != nil {
				return err
			}
			for _, run := range runs {
				fmt.Printf("  run %d (%s): %s, waves %d/%d, completed %d, failed %d, blocked %d\n",
					run.Number, run.ID, run.Status, run.WavesCompleted, run.WavesTotal,
					run.TasksCompleted, run.TasksFailed, run.TasksBlocked)
				waves, err := store.ListWaves(ctx, run.ID)
				if err != nil {
					return err
				}
				for _, w := range waves {
					fmt.Printf("    wave %d: %s [%s]\n",
						w.Number, strings.Join(w.TaskIDs, ", "), w.Status)
				}
			}
			return nil
		},
	}
}

// agentFactory maps agent kinds to exec agents from the config. An unknown
// kind falls back to the "default" entry.
func agentFactory(cfg *config.EngineConfig, pm *agent.ProcessManager) worker.Factory {
	return func(kind string) (worker.Agent, error) {
		if kind == "" {
			kind = "default"
		}
		ac, ok := cfg.Agents[kind]
		if !ok {
			ac, ok = cfg.Agents["default"]
			if !ok {
				return nil, fmt.Errorf("no agent configured for kind %q", kind)
			}
		}
		return agent.New(agent.Config{
			Command: ac.Command,
			Args:    ac.Args,
			WorkDir: ac.WorkDir,
		}, pm)
	}
}

func loadEngineConfig(f *flags) (*config.EngineConfig, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}
	globalPath := filepath.Join(homeDir, ".taskflow", "config.json")

	projectPath := f.configPath
	if projectPath == "" {
		projectPath = filepath.Join(".taskflow", "config.json")
	}

	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if f.dbPath != "" {
		cfg.DBPath = f.dbPath
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printReport(r *orchestrator.Report) {
	fmt.Printf("Run %s (#%d) finished: %s in %s\n", r.RunID, r.RunNumber, r.Status, r.Duration.Round(time.Millisecond))
	fmt.Printf("  waves: %d/%d, peak workers: %d\n", r.WavesCompleted, r.WavesTotal, r.PeakWorkers)
	fmt.Printf("  completed: %d\n", len(r.Completed))
	for _, f := range r.Failures {
		state := "failed"
		if f.Escalated {
			state = "escalated"
		}
		fmt.Printf("  %s: %s after %d attempts (%s): %s\n", state, f.TaskID, f.Attempts, f.Reason, f.LastError)
	}
	for task, by := range r.Blocked {
		fmt.Printf("  blocked: %s (by %s)\n", task, by)
	}
	for _, task := range r.Cancelled {
		fmt.Printf("  cancelled: %s\n", task)
	}
}
