package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
	"github.com/fyrsmithlabs/evolvd/internal/patch"
	"github.com/fyrsmithlabs/evolvd/internal/project"
)

// MarkerRefinePlan tags refinement prompts.
const MarkerRefinePlan = "[evolvd:refine-plan]"

// DefaultMaxIterations bounds refinement rounds per call.
const DefaultMaxIterations = 3

// Phase is a state of the refinement loop.
type Phase string

const (
	PhaseDraft      Phase = "DRAFT"
	PhaseValidating Phase = "VALIDATING"
	PhaseValid      Phase = "VALID"
	PhaseInvalid    Phase = "INVALID"
	PhaseRefining   Phase = "REFINING"
	PhaseTerminal   Phase = "TERMINAL"
)

// Observer is told about every phase change. It runs synchronously.
type Observer func(phase Phase, plan *evolution.Plan)

// Options configures an Operator.
type Options struct {
	MaxIterations int

	// Rules run after the default structural and logical rules.
	Rules []Rule

	Observer Observer
	Logger   *zap.Logger
}

// Operator is the PlanRefinementOperator.
type Operator struct {
	oracle   oracle.Oracle
	rules    []Rule
	max      int
	observer Observer
	logger   *zap.Logger
}

// New creates an Operator.
func New(o oracle.Oracle, opts Options) *Operator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Operator{
		oracle:   o,
		rules:    append(DefaultRules(), opts.Rules...),
		max:      opts.MaxIterations,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
}

// Validate runs every rule and returns the violations in rule order. An
// empty result means the plan is valid.
func (op *Operator) Validate(obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot) []string {
	var out []string
	for _, r := range op.rules {
		out = append(out, r.Check(obj, plan, state)...)
	}
	return out
}

// Refine validates plan and refines it through the oracle until it is
// valid or MaxIterations rounds have run. feedback, when present, forces a
// first refinement round even for a valid plan; it carries the reasons a
// previously valid plan must change. The input plan is not modified.
func (op *Operator) Refine(ctx context.Context, obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot, feedback ...string) *evolution.Plan {
	cur := plan.Clone()
	if cur == nil {
		cur = &evolution.Plan{}
	}
	op.notify(PhaseDraft, cur)

	pending := append([]string(nil), feedback...)
	for rounds := 0; ; rounds++ {
		normalize(obj, cur)
		op.notify(PhaseValidating, cur)
		violations := op.Validate(obj, cur, state)
		cur.Valid = len(violations) == 0 && len(pending) == 0
		cur.Violations = violations

		if cur.Valid {
			op.notify(PhaseValid, cur)
			break
		}
		op.notify(PhaseInvalid, cur)
		if rounds >= op.max || ctx.Err() != nil {
			cur.Valid = len(violations) == 0
			break
		}

		op.notify(PhaseRefining, cur)
		reasons := append(append([]string(nil), violations...), pending...)
		pending = nil
		if steps := op.refineOnce(ctx, obj, cur, state, reasons); len(steps) > 0 {
			cur.Steps = steps
			cur.Stub = false
		}
		cur.Iterations++
	}

	op.notify(PhaseTerminal, cur)
	op.logger.Debug("plan refinement finished",
		zap.Bool("valid", cur.Valid),
		zap.Int("iterations", cur.Iterations),
		zap.Strings("violations", cur.Violations))
	return cur
}

func (op *Operator) refineOnce(ctx context.Context, obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot, reasons []string) []evolution.ModificationStep {
	reply, err := op.oracle.Consume(ctx, refinePrompt(obj, plan, state, reasons), obj.Constraints())
	if err != nil {
		op.logger.Warn("plan refinement call failed", zap.Error(err))
		return nil
	}
	steps, variant := patch.ParsePlan(reply)
	if len(steps) == 0 {
		op.logger.Warn("unusable refinement reply", zap.String("variant", variant))
	}
	return steps
}

func (op *Operator) notify(phase Phase, plan *evolution.Plan) {
	if op.observer != nil {
		op.observer(phase, plan)
	}
}

// normalize rewrites step files relative to the project root with forward
// slashes. Paths that do not resolve are left for StructuralRule.
func normalize(obj *evolution.Objective, plan *evolution.Plan) {
	for i, s := range plan.Steps {
		if rel, err := evolution.RelPath(obj.ProjectRoot(), s.File); err == nil {
			plan.Steps[i].File = rel
		}
	}
}

func refinePrompt(obj *evolution.Objective, plan *evolution.Plan, state *project.Snapshot, reasons []string) string {
	var b strings.Builder
	b.WriteString(MarkerRefinePlan + "\n")
	fmt.Fprintf(&b, "Objective: %s\n", obj.Task())

	current, _ := json.MarshalIndent(map[string]any{"steps": plan.Steps}, "", "  ")
	fmt.Fprintf(&b, "\nCurrent plan:\n%s\n", current)

	b.WriteString("\nThe plan violates these rules:\n")
	for _, r := range reasons {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	if state != nil && state.Len() > 0 {
		b.WriteString("\nFiles that exist in the project:\n")
		for _, p := range state.Paths() {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	b.WriteString("\nReturn the corrected plan as JSON only: " +
		`{"steps":[{"file":"relative/path","action":"create|modify|delete","what":"...","how":"..."}]}`)
	return b.String()
}
