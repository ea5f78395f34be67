package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
)

var runFlags struct {
	root        string
	id          string
	constraints []string
	gates       []string
	stepsFile   string
	write       bool
	review      bool
	json        bool
	diff        bool
}

// runCmd drives one objective to a terminal state
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run an evolution objective against a project",
	Long: `Run drives an objective through the full evolution cycle and prints the
decision. The process exits non-zero unless the change is approved.

Examples:
  # Add a function to the project in the current directory
  evolvd run "add a goodbye() function to main.py"

  # Constrain the change and write it back when approved
  evolvd run --root ./svc --constraint "no new dependencies" --write "add retries to the client"

  # Skip planning with hand-written steps
  evolvd run --steps steps.json "rename the handler"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.root, "root", ".", "project root")
	f.StringVar(&runFlags.id, "id", "", "objective id (default random)")
	f.StringArrayVar(&runFlags.constraints, "constraint", nil, "constraint the change must respect (repeatable)")
	f.StringSliceVar(&runFlags.gates, "gate", nil, "quality gates to run (default every gate for each language)")
	f.StringVar(&runFlags.stepsFile, "steps", "", "JSON file with modification steps that replace the drafted plan")
	f.BoolVar(&runFlags.write, "write", false, "write an approved patch to the project")
	f.BoolVar(&runFlags.review, "review", false, "ask the oracle to review the final diff")
	f.BoolVar(&runFlags.json, "json", false, "print the full result as JSON")
	f.BoolVar(&runFlags.diff, "diff", true, "print the unified diff")
}

func runRun(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(strings.Join(args, " "))
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, appOptions{writeBack: runFlags.write, review: runFlags.review})
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Close(context.Background())
	}()

	res, err := a.controller.Run(ctx, req)
	if err != nil && res == nil {
		return fmt.Errorf("run failed: %w", err)
	}
	if err != nil {
		a.logger.Underlying().Error("run finished with error", zap.String("objective_id", res.ObjectiveID), zap.Error(err))
	}
	if perr := printResult(cmd, res); perr != nil {
		return perr
	}
	return errors.Join(err, outcomeError(res))
}

// buildRequest assembles a request from the run flags.
func buildRequest(task string) (orchestrator.Request, error) {
	root, err := filepath.Abs(runFlags.root)
	if err != nil {
		return orchestrator.Request{}, fmt.Errorf("resolving project root: %w", err)
	}
	req := orchestrator.Request{
		Objective: evolution.ObjectiveSpec{
			ID:           runFlags.id,
			Task:         task,
			Constraints:  runFlags.constraints,
			QualityGates: runFlags.gates,
			ProjectRoot:  root,
		},
	}
	if runFlags.stepsFile != "" {
		req.Steps, err = readSteps(runFlags.stepsFile)
		if err != nil {
			return orchestrator.Request{}, err
		}
	}
	return req, nil
}

// readSteps loads a JSON array of modification steps.
func readSteps(path string) ([]evolution.ModificationStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading steps: %w", err)
	}
	var steps []evolution.ModificationStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("parsing steps %s: %w", path, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("steps file %s is empty", path)
	}
	return steps, nil
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) error {
	if runFlags.json {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	_, err := fmt.Fprint(cmd.OutOrStdout(), formatResult(res, runFlags.diff))
	return err
}
