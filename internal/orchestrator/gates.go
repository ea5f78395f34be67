package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/guardrail"
	"github.com/fyrsmithlabs/evolvd/internal/validation"
)

// MarkerReview identifies review prompts.
const MarkerReview = "[evolvd:review]"

const maxReviewDiff = 16 * 1024

// staticGates are the quality gates whose issues count towards the
// guardrail lint threshold.
var staticGates = map[string]bool{
	"lint":       true,
	"format":     true,
	"vet":        true,
	"type-check": true,
}

// decide runs the guardrail over the final reports.
func (r *run) decide(ctx context.Context) stepResult {
	in := guardrailInputs(r.quality, r.operational)
	if r.c.opts.Review {
		in.Review = r.review(ctx)
	}
	verdict := r.c.deps.Guardrail.Evaluate(in)
	r.verdict = &verdict

	r.c.logger.Info(ctx, "guardrail verdict",
		zap.String("level", verdict.Level.String()),
		zap.Strings("reasons", verdict.Reasons),
	)
	if verdict.Level == guardrail.Block {
		return r.finish(StateRejected, nil, verdict.Reasons...)
	}
	reasons := append([]string{}, verdict.Reasons...)
	if !r.plan.Valid {
		reasons = append(reasons, "plan was applied without passing validation")
	}
	return r.finish(StateApproved, nil, reasons...)
}

// guardrailInputs summarizes the reports into the guardrail's four inputs.
// Review is filled separately.
func guardrailInputs(quality, operational *evolution.ValidationReport) guardrail.Inputs {
	var in guardrail.Inputs
	if quality != nil {
		for name, g := range quality.Gates {
			if staticGates[name] {
				in.Static.LintIssues += len(g.Issues)
			}
		}
	}
	if operational != nil {
		if g, ok := operational.Gates[validation.GateDependencyAudit]; ok {
			in.Dependencies = append([]string(nil), g.Issues...)
		}
		if g, ok := operational.Gates[validation.GateSyntax]; ok {
			in.Syntax = guardrail.SyntaxResult{
				Checked: true,
				Passed:  g.Passed,
				Issues:  append([]string(nil), g.Issues...),
			}
		}
	}
	return in
}

// review asks the oracle for feedback on the diff. Failures yield no
// review.
func (r *run) review(ctx context.Context) string {
	d := r.patch.Diff
	if len(d) > maxReviewDiff {
		d = d[:maxReviewDiff] + "\n... (truncated)"
	}
	var b strings.Builder
	b.WriteString(MarkerReview + "\n")
	fmt.Fprintf(&b, "Review this change for the objective: %s\n\n", r.obj.Task())
	b.WriteString("Reply with a short verdict. Say APPROVE if the change is correct; otherwise name the problems.\n\n")
	b.WriteString("Diff:\n")
	b.WriteString(d)

	reply, err := r.oracle.Consume(ctx, b.String(), r.obj.Constraints())
	if err != nil {
		r.c.logger.Debug(ctx, "review unavailable", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(reply)
}
