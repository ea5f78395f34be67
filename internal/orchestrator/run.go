package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/budget"
	"github.com/fyrsmithlabs/evolvd/internal/classify"
	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/graph"
	"github.com/fyrsmithlabs/evolvd/internal/guardrail"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
	"github.com/fyrsmithlabs/evolvd/internal/patch"
	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/refine"
	"github.com/fyrsmithlabs/evolvd/internal/resolve"
	"github.com/fyrsmithlabs/evolvd/internal/retrieval"
)

// stepResult is the outcome of one state handler.
type stepResult struct {
	next    State
	note    string
	success bool
}

// run is the mutable state of one objective. It is owned by the control
// goroutine; only APPLY fans out, and its workers write disjoint slots.
type run struct {
	c      *Controller
	obj    *evolution.Objective
	ledger *budget.Ledger
	traj   *evolution.Trajectory

	oracle    oracle.Oracle
	builder   *patch.Builder
	refiner   *refine.Operator
	resolver  *resolve.Operator
	retriever *retrieval.Retriever

	base *project.Snapshot // project as scanned
	ws   *project.Snapshot // base with the patch applied

	plan     *evolution.Plan
	seeded   bool
	patch    *evolution.Patch
	staged   map[string]string // resolved content awaiting APPLY
	feedback []string

	reports     []*evolution.ValidationReport
	quality     *evolution.ValidationReport
	operational *evolution.ValidationReport
	failure     *evolution.FailureRecord
	resolution  *resolve.Result
	verdict     *guardrail.Verdict

	cycles  int
	applies int

	decision   evolution.Decision
	cause      error
	persistErr error
}

func (c *Controller) newRun(obj *evolution.Objective) *run {
	return &run{
		c:      c,
		obj:    obj,
		ledger: budget.NewLedger(c.opts.TokenCap),
		traj:   evolution.NewTrajectory(),
		patch:  &evolution.Patch{Changes: []evolution.FileChange{}},
	}
}

// bind builds the per-run collaborators. The oracle is wrapped so every
// call is charged to this run's ledger.
func (r *run) bind(c *Controller) {
	logger := c.opts.Logger.With(zap.String("objective.id", r.obj.ID()))
	guarded, err := oracle.NewGuarded(c.deps.Oracle, oracle.GuardOptions{
		Timeout:   c.opts.OracleTimeout,
		RateLimit: c.opts.OracleRateLimit,
		Ledger:    r.ledger,
		Scanner:   c.deps.Scanner,
		Logger:    logger.Named("oracle"),
		Meter:     c.opts.Meter,
	})
	if err != nil {
		logger.Warn("oracle guard unavailable, calls are not budgeted", zap.Error(err))
		r.oracle = c.deps.Oracle
	} else {
		r.oracle = guarded
	}

	r.builder = patch.NewBuilder(r.oracle, logger.Named("patch"))
	r.refiner = refine.New(r.oracle, refine.Options{
		MaxIterations: c.opts.MaxPlanIterations,
		Rules:         c.opts.Rules,
		Logger:        logger.Named("refine"),
		Observer: func(phase refine.Phase, plan *evolution.Plan) {
			logger.Debug("plan refinement", zap.String("phase", string(phase)), zap.Int("iterations", plan.Iterations))
		},
	})
	r.resolver = resolve.New(r.oracle, c.deps.Executor, resolve.Options{
		MaxIterations: c.opts.MaxResolveIterations,
		Toolchain:     c.deps.Toolchain,
		Logger:        logger.Named("resolve"),
	})
}

// limits applies the central checks that run before every transition.
// A non-empty state forces the run to end there.
func (r *run) limits(ctx context.Context, state State) (State, string, error) {
	if err := ctx.Err(); err != nil {
		return StateAborted, fmt.Sprintf("cancelled during %s: %v", state, err), fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if snap := r.ledger.Snapshot(); snap.Exceeded() {
		return StateEscalated, fmt.Sprintf("token budget exceeded: used %d of %d", snap.Used, snap.Cap), budget.ErrExceeded
	}
	retrying := state == StateResolve || state == StateReplan || (state == StateApply && r.cycles > 0)
	if retrying && r.cycles >= r.c.opts.MaxRetries {
		reason := fmt.Sprintf("retry cap reached after %d failed cycle(s)", r.cycles)
		if r.failure != nil {
			reason += fmt.Sprintf("; last failure %s: %s", r.failure.Type, r.failure.Message)
		}
		return StateEscalated, reason, nil
	}
	return "", "", nil
}

// handle dispatches to the handler for state. Cancellation observed after
// a handler overrides its outcome unless a decision was already reached.
func (r *run) handle(ctx context.Context, state State) stepResult {
	var res stepResult
	switch state {
	case StateAnalyze:
		res = r.analyze(ctx)
	case StatePlan:
		res = r.draft(ctx)
	case StateRefinePlan:
		res = r.refinePlan(ctx)
	case StateApply:
		res = r.apply(ctx)
	case StateQualityCheck:
		res = r.qualityCheck(ctx)
	case StateOperationalCheck:
		res = r.operationalCheck(ctx)
	case StateClassify:
		res = r.classify()
	case StateResolve:
		res = r.resolve(ctx)
	case StateReplan:
		res = r.replan()
	case StateDecide:
		res = r.decide(ctx)
	default:
		return r.finish(StateEscalated, nil, fmt.Sprintf("unknown state %s", state))
	}
	if err := ctx.Err(); err != nil && state != StateDecide {
		return r.finish(StateAborted, fmt.Errorf("%w: %w", ErrCancelled, err), fmt.Sprintf("cancelled during %s: %v", state, err))
	}
	return res
}

func (r *run) analyze(ctx context.Context) stepResult {
	snap, err := project.Scan(ctx, r.obj.ProjectRoot(), r.c.opts.Scan)
	if err != nil {
		return r.finish(StateRejected, err, "analyze: "+err.Error())
	}
	r.base, r.ws = snap, snap
	note := fmt.Sprintf("scanned %d file(s)", snap.Len())

	if r.c.deps.Encoder != nil {
		opts := r.c.opts.Retrieval
		opts.Logger = r.c.opts.Logger.Named("retrieval")
		ret, err := retrieval.New(r.c.deps.Encoder, opts)
		if err == nil {
			var n int
			n, err = ret.IndexSnapshot(ctx, snap)
			if err == nil {
				r.retriever = ret
				note += fmt.Sprintf(", indexed %d chunk(s)", n)
			}
		}
		if err != nil {
			r.c.logger.Warn(ctx, "retrieval disabled for this run", zap.Error(err))
		}
	}
	return stepResult{next: StatePlan, note: note, success: true}
}

func (r *run) draft(ctx context.Context) stepResult {
	if r.seeded && r.plan != nil {
		return stepResult{next: StateRefinePlan, note: fmt.Sprintf("using %d provided step(s)", len(r.plan.Steps)), success: true}
	}
	contextText := r.contextFor(ctx, evolution.ModificationStep{What: r.obj.Task()})
	r.plan = r.builder.DraftPlan(ctx, r.obj, r.base.Paths(), contextText)
	note := fmt.Sprintf("drafted %d step(s)", len(r.plan.Steps))
	if r.plan.Stub {
		note += " (stub plan)"
	}
	return stepResult{next: StateRefinePlan, note: note, success: !r.plan.Stub}
}

func (r *run) refinePlan(ctx context.Context) stepResult {
	r.plan = r.refiner.Refine(ctx, r.obj, r.plan, r.base, r.feedback...)
	r.feedback = nil
	if r.plan.Valid {
		return stepResult{next: StateApply, note: fmt.Sprintf("plan valid after %d iteration(s)", r.plan.Iterations), success: true}
	}
	violations := strings.Join(r.plan.Violations, "; ")
	if r.c.opts.ProceedOnInvalidPlan {
		return stepResult{next: StateApply, note: "proceeding with invalid plan: " + violations}
	}
	return r.finish(StateRejected, nil, "plan invalid: "+violations)
}

func (r *run) qualityCheck(ctx context.Context) stepResult {
	files := r.changedFiles()
	report := evolution.NewReport()
	if len(files) > 0 {
		report = r.c.deps.Quality.Run(ctx, r.ws, files, r.obj.QualityGates())
	}
	r.quality = report
	r.reports = append(r.reports, report)
	return stepResult{next: StateOperationalCheck, note: reportNote("quality", report), success: report.Passed}
}

func (r *run) operationalCheck(ctx context.Context) stepResult {
	report := r.c.deps.Operational.Run(ctx, r.ws, r.changedFiles())
	r.operational = report
	r.reports = append(r.reports, report)

	next := StateDecide
	if !report.Passed || (r.quality != nil && !r.quality.Passed) {
		next = StateClassify
	}
	return stepResult{next: next, note: reportNote("operational", report), success: report.Passed}
}

func (r *run) classify() stepResult {
	merged := evolution.NewReport()
	merged.Merge(r.quality)
	merged.Merge(r.operational)

	rec := r.c.deps.Classifier.ToFailureRecord(merged)
	if rec.File == "" {
		rec.File = r.defaultFile()
	}
	r.failure = &rec
	r.cycles++

	retry := classify.PlanRetry(rec.Type)
	note := fmt.Sprintf("cycle %d: %s routed to %s", r.cycles, rec.Type, retry.Strategy)
	switch retry.Route {
	case classify.RouteResolve:
		return stepResult{next: StateResolve, note: note}
	case classify.RouteReplan:
		return stepResult{next: StateReplan, note: note}
	}
	return r.finish(StateEscalated, nil, fmt.Sprintf("%s requires %s: %s", rec.Type, retry.Strategy, rec.Message))
}

func (r *run) resolve(ctx context.Context) stepResult {
	res := r.resolver.Resolve(ctx, resolve.Request{
		Objective: r.obj,
		Failure:   *r.failure,
		File:      r.failure.File,
		Workspace: r.ws,
		Graph:     graph.Build(r.ws),
	})
	r.resolution = res
	if res.Success {
		r.staged = map[string]string{res.File: res.Proposed}
		note := fmt.Sprintf("resolved %s in %d iteration(s)", res.File, res.Iterations)
		if len(res.Ripple) > 0 {
			note += fmt.Sprintf(", ripple risk: %s", strings.Join(res.Ripple, ", "))
		}
		if len(res.Cycle) > 0 {
			note += fmt.Sprintf(", import cycle: %s", strings.Join(res.Cycle, ", "))
		}
		return stepResult{next: StateApply, note: note, success: true}
	}
	r.feedback = append(r.feedback, fmt.Sprintf("resolving %s failed: %s", res.File, res.Reason))
	return stepResult{next: StateReplan, note: fmt.Sprintf("resolution failed after %d iteration(s): %s", res.Iterations, res.Reason)}
}

func (r *run) replan() stepResult {
	r.staged = nil
	r.feedback = append(r.feedback, failureFeedback(r.failure)...)
	return stepResult{next: StateRefinePlan, note: fmt.Sprintf("replanning with %d feedback item(s)", len(r.feedback)), success: true}
}

// finish records the decision for a terminal state.
func (r *run) finish(state State, cause error, reasons ...string) stepResult {
	if reasons == nil {
		reasons = []string{}
	}
	r.decision = evolution.Decision{Outcome: state.Outcome(), Reasons: reasons}
	r.cause = cause
	return stepResult{next: state, note: strings.Join(reasons, "; "), success: state == StateApproved}
}

func (r *run) result(state State) *Result {
	plan := r.plan
	if plan == nil {
		plan = &evolution.Plan{Steps: []evolution.ModificationStep{}}
	}
	reports := r.reports
	if reports == nil {
		reports = []*evolution.ValidationReport{}
	}
	decision := r.decision
	if decision.Reasons == nil {
		decision.Reasons = []string{}
	}
	return &Result{
		ObjectiveID: r.obj.ID(),
		State:       state,
		Decision:    decision,
		Plan:        plan.Clone(),
		Patch:       r.patch,
		Reports:     reports,
		Trajectory:  r.traj.Steps(),
		Budget:      r.ledger.Snapshot(),
		Cycles:      r.cycles,
		Failure:     r.failure,
		Resolution:  r.resolution,
		Verdict:     r.verdict,
		Cause:       r.cause,
	}
}

// contextFor returns retrieved context for step, or "".
func (r *run) contextFor(ctx context.Context, step evolution.ModificationStep) string {
	if r.retriever == nil {
		return ""
	}
	hits, err := r.retriever.Retrieve(ctx, step)
	if err != nil {
		r.c.logger.Debug(ctx, "retrieval failed", zap.String("file", step.File), zap.Error(err))
		return ""
	}
	return hits.Text()
}

// changedFiles returns the non-deleted paths the patch changes, sorted.
func (r *run) changedFiles() []string {
	var files []string
	for _, ch := range r.patch.Changes {
		if ch.Action != evolution.ActionDelete && ch.Changed() {
			files = append(files, ch.Path)
		}
	}
	return files
}

// defaultFile picks the implicated file when the report names none: the
// only changed file, if there is exactly one.
func (r *run) defaultFile() string {
	if files := r.changedFiles(); len(files) == 1 {
		return files[0]
	}
	return ""
}

func reportNote(kind string, report *evolution.ValidationReport) string {
	if report.Passed {
		return fmt.Sprintf("%s gates passed (%d gate(s))", kind, len(report.Gates))
	}
	return fmt.Sprintf("%s gates failed: %s", kind, strings.Join(report.FailedGates(), ", "))
}

// failureFeedback renders a failure for the refinement prompt.
func failureFeedback(f *evolution.FailureRecord) []string {
	if f == nil {
		return nil
	}
	out := []string{fmt.Sprintf("previous attempt failed with %s: %s", f.Type, f.Message)}
	if f.File != "" {
		out = append(out, "implicated file: "+f.File)
	}
	if f.FailingTest != "" {
		out = append(out, "failing test: "+f.FailingTest)
	}
	return out
}
