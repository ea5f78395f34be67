package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

// errNotApproved marks a run that finished without approval so the process
// exits non-zero.
type errNotApproved struct {
	id    string
	state orchestrator.State
}

func (e *errNotApproved) Error() string {
	return fmt.Sprintf("objective %s ended %s", e.id, e.state)
}

// outcomeError returns nil for approved results.
func outcomeError(res *orchestrator.Result) error {
	if res == nil || res.Decision.Outcome == evolution.OutcomeApproved {
		return nil
	}
	return &errNotApproved{id: res.ObjectiveID, state: res.State}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatResult renders a result for the terminal.
func formatResult(res *orchestrator.Result, showDiff bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Objective: %s\n", res.ObjectiveID)
	fmt.Fprintf(&b, "State:     %s\n", res.State)
	if res.Decision.Outcome != "" {
		fmt.Fprintf(&b, "Outcome:   %s", res.Decision.Outcome)
		if res.Cached {
			b.WriteString(" (cached)")
		}
		if res.Written {
			b.WriteString(" (written)")
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Cycles:    %d\n", res.Cycles)
	if res.Budget.Cap > 0 {
		fmt.Fprintf(&b, "Tokens:    %d/%d\n", res.Budget.Used, res.Budget.Cap)
	} else {
		fmt.Fprintf(&b, "Tokens:    %d\n", res.Budget.Used)
	}

	if len(res.Decision.Reasons) > 0 {
		b.WriteString("\nReasons:\n")
		for _, r := range res.Decision.Reasons {
			fmt.Fprintf(&b, "  - %s\n", r)
		}
	}

	if len(res.Trajectory) > 0 {
		b.WriteString("\nTrajectory:\n")
		for _, step := range res.Trajectory {
			mark := "ok"
			if !step.Success {
				mark = "!!"
			}
			fmt.Fprintf(&b, "  [%s] %-18s %s\n", mark, step.Name, step.Description)
		}
	}

	if showDiff && res.Patch != nil && res.Patch.Diff != "" {
		b.WriteString("\nDiff:\n")
		b.WriteString(res.Patch.Diff)
		if !strings.HasSuffix(res.Patch.Diff, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// formatRecords renders one line per stored run.
func formatRecords(records []*store.Record) string {
	if len(records) == 0 {
		return "No runs recorded.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s  %-17s  %-9s  %6s  %s\n", "OBJECTIVE", "STATE", "OUTCOME", "CYCLES", "TASK")
	for _, rec := range records {
		outcome := "-"
		if rec.Decision != nil {
			outcome = string(rec.Decision.Outcome)
		}
		fmt.Fprintf(&b, "%-36s  %-17s  %-9s  %6d  %s\n", rec.ObjectiveID, rec.State, outcome, rec.Cycles, truncate(rec.Objective.Task, 60))
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
