package refine

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/project"
)

// ReasonTargetNotFound is the violation text for modify or delete steps
// whose file neither exists nor is created by an earlier step.
const ReasonTargetNotFound = "target file not found"

// Rule is a plan validation check. Rules must be deterministic.
type Rule interface {
	Name() string
	Check(obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot) []string
}

// RuleFunc adapts a function to the Rule interface.
type RuleFunc struct {
	RuleName string
	Fn       func(obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot) []string
}

func (r RuleFunc) Name() string { return r.RuleName }

func (r RuleFunc) Check(obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot) []string {
	return r.Fn(obj, plan, state)
}

// StructuralRule requires file, action and what on every step, a known
// action and a path inside the project root.
type StructuralRule struct{}

func (StructuralRule) Name() string { return "structural" }

func (StructuralRule) Check(obj *evolution.Objective, plan *evolution.Plan, _ *project.Snapshot) []string {
	if len(plan.Steps) == 0 {
		return []string{"plan has no steps"}
	}
	var out []string
	for i, s := range plan.Steps {
		n := i + 1
		if strings.TrimSpace(s.File) == "" {
			out = append(out, fmt.Sprintf("step %d: file is required", n))
		} else if _, err := evolution.RelPath(obj.ProjectRoot(), s.File); err != nil {
			out = append(out, fmt.Sprintf("step %d: %s resolves outside the project root", n, s.File))
		}
		switch {
		case s.Action == "":
			out = append(out, fmt.Sprintf("step %d: action is required", n))
		case !s.Action.Valid():
			out = append(out, fmt.Sprintf("step %d: unknown action %q", n, s.Action))
		}
		if strings.TrimSpace(s.What) == "" {
			out = append(out, fmt.Sprintf("step %d: what is required", n))
		}
	}
	return out
}

// LogicalRule checks the plan against project state: no file is both
// created and deleted, and modify or delete steps target a file that
// exists or that an earlier step creates.
type LogicalRule struct{}

func (LogicalRule) Name() string { return "logical" }

func (LogicalRule) Check(obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot) []string {
	var out []string
	exists := make(map[string]bool)
	created := make(map[string]bool)
	deleted := make(map[string]bool)
	var order []string

	for i, s := range plan.Steps {
		rel, err := evolution.RelPath(obj.ProjectRoot(), s.File)
		if err != nil || !s.Action.Valid() {
			continue
		}
		if _, seen := exists[rel]; !seen {
			exists[rel] = state != nil && state.Exists(rel)
			order = append(order, rel)
		}
		switch s.Action {
		case evolution.ActionCreate:
			created[rel] = true
			exists[rel] = true
		case evolution.ActionModify, evolution.ActionDelete:
			if !exists[rel] {
				out = append(out, fmt.Sprintf("step %d: %s: %s %s", i+1, ReasonTargetNotFound, s.Action, rel))
			}
			if s.Action == evolution.ActionDelete {
				deleted[rel] = true
				exists[rel] = false
			}
		}
	}
	for _, rel := range order {
		if created[rel] && deleted[rel] {
			out = append(out, fmt.Sprintf("%s is both created and deleted", rel))
		}
	}
	return out
}

// DefaultRules returns the structural and logical rules.
func DefaultRules() []Rule {
	return []Rule{StructuralRule{}, LogicalRule{}}
}
