package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/orkestra/internal/engine"
	"github.com/mtzanidakis/orkestra/internal/models"
	"github.com/mtzanidakis/orkestra/internal/planner"
	"github.com/mtzanidakis/orkestra/internal/store"
	"github.com/spf13/cobra"
)

var (
	runPriority string
	runFile     string
	runTimeout  time.Duration
	runVerbose  bool
)

var runCmd = &cobra.Command{
	Use:   "run [task description]",
	Short: "Run one workflow to completion and print its report",
	Long: `Run a single workflow in-process, without NATS or the web API, and print
the final report.

The workflow is either planned from a free-text description or read from a
YAML definition given with --file.`,
	Example: `  orkestra run "Build a mobile app for expense tracking"
  orkestra run --priority urgent "Fix the checkout outage"
  orkestra run --file launch.yaml`,
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().StringVarP(&runPriority, "priority", "p", "medium", "priority: low, medium, high or urgent")
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "workflow definition file (YAML or JSON)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "give up after this long")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log engine activity to stderr")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	if runFile == "" && len(args) == 0 {
		return errors.New("a task description or --file is required")
	}
	priority, err := models.ParsePriority(runPriority)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Scheduled standups belong to the long-running service.
	cfg.Standup.Schedule = ""
	if runVerbose {
		slog.SetDefault(newLogger(cfg.Log, os.Stderr))
	} else {
		slog.SetDefault(newLogger(cfg.Log, io.Discard))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()

	eng, err := engine.New(engine.Options{Config: cfg, Store: db})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		eng.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Close()

	var id string
	if runFile != "" {
		data, err := os.ReadFile(runFile)
		if err != nil {
			return fmt.Errorf("read workflow file: %w", err)
		}
		def, err := planner.ParseDefinition(data)
		if err != nil {
			return err
		}
		id, err = eng.SubmitWorkflow(ctx, def)
		if err != nil {
			return err
		}
	} else {
		id, err = eng.SubmitTask(ctx, strings.Join(args, " "), priority)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%s workflow %s\n", stateColor("running").Sprint("▶"), id)

	rep, err := waitReport(ctx, eng, id)
	if err != nil {
		if _, cerr := eng.CancelWorkflow(context.Background(), id); cerr != nil {
			slog.Warn("cancel workflow failed", "workflow", id, "error", cerr)
		}
		return err
	}

	st, err := eng.GetWorkflowStatus(context.Background(), id)
	if err != nil {
		return err
	}
	printTasks(os.Stderr, st.Tasks)
	fmt.Fprintf(os.Stderr, "%s %s\n\n", stateColor(rep.State).Sprint("■"), rep.State)
	fmt.Print(string(rep.Content))
	return nil
}

func waitReport(ctx context.Context, eng *engine.Engine, id string) (*store.StoredReport, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		rep, err := eng.Report(ctx, id)
		if err == nil {
			return rep, nil
		}
		if !errors.Is(err, engine.ErrNotFinished) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("workflow %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
