package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

var showFlags struct {
	json bool
	diff bool
}

// showCmd lists or inspects checkpointed runs
var showCmd = &cobra.Command{
	Use:   "show [objective-id]",
	Short: "List recorded runs or show one run",
	Long: `Show reads the run store. Without arguments it lists every recorded run;
with an objective id it prints that run's decision and trajectory.

Examples:
  evolvd show
  evolvd show 6f1c2d3e-... --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

// resumeCmd continues an interrupted run
var resumeCmd = &cobra.Command{
	Use:   "resume <objective-id>",
	Short: "Resume a checkpointed run",
	Long: `Resume continues a run from its last checkpoint. Runs that already
reached a terminal state return their recorded decision.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	showCmd.Flags().BoolVar(&showFlags.json, "json", false, "print as JSON")
	showCmd.Flags().BoolVar(&showFlags.diff, "diff", false, "print the unified diff")
	resumeCmd.Flags().BoolVar(&runFlags.json, "json", false, "print the full result as JSON")
	resumeCmd.Flags().BoolVar(&runFlags.write, "write", false, "write an approved patch to the project")
	resumeCmd.Flags().BoolVar(&runFlags.diff, "diff", true, "print the unified diff")
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.InMemory {
		return errors.New("store.in_memory is set; no runs are recorded between invocations")
	}
	runs, err := store.Open(store.Config{Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer runs.Close()

	return show(cmd, runs, args)
}

func show(cmd *cobra.Command, runs store.Store, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		records, err := runs.List(ctx)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}
		if showFlags.json {
			return writeJSON(out, records)
		}
		_, err = fmt.Fprint(out, formatRecords(records))
		return err
	}

	rec, err := runs.Load(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no run recorded for objective %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}
	res := orchestrator.ResultFromRecord(rec)
	if showFlags.json {
		return writeJSON(out, res)
	}
	_, err = fmt.Fprint(out, formatResult(res, showFlags.diff))
	return err
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.InMemory {
		return errors.New("store.in_memory is set; runs cannot be resumed")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{writeBack: runFlags.write})
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close(context.Background())
	}()

	res, err := a.controller.Resume(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no run recorded for objective %s", args[0])
	}
	if err != nil && res == nil {
		return fmt.Errorf("resume failed: %w", err)
	}
	if perr := printResult(cmd, res); perr != nil {
		return perr
	}
	return errors.Join(err, outcomeError(res))
}
