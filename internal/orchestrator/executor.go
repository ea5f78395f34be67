package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/budget"
	"github.com/fyrsmithlabs/evolvd/internal/classify"
	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/filelock"
	"github.com/fyrsmithlabs/evolvd/internal/guardrail"
	"github.com/fyrsmithlabs/evolvd/internal/logging"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/refine"
	"github.com/fyrsmithlabs/evolvd/internal/retrieval"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
	"github.com/fyrsmithlabs/evolvd/internal/secrets"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/evolvd/internal/orchestrator"

// QualityChecker runs per-language quality gates over changed files.
type QualityChecker interface {
	Run(ctx context.Context, ws *project.Snapshot, files []string, requested []string) *evolution.ValidationReport
}

// OperationalChecker runs syntax, dependency and VCS checks.
type OperationalChecker interface {
	Run(ctx context.Context, ws *project.Snapshot, files []string) *evolution.ValidationReport
}

// Dependencies are the collaborators of a Controller.
type Dependencies struct {
	// Oracle generates plans, changes, fixes and reviews. Required; use
	// oracle.Unavailable to run on stub output only.
	Oracle oracle.Oracle

	// Executor runs sandbox verification for issue resolution. Required.
	Executor  sandbox.Executor
	Toolchain sandbox.Toolchain

	Quality     QualityChecker     // required
	Operational OperationalChecker // required

	// Encoder enables context retrieval. Nil disables it.
	Encoder retrieval.Encoder

	// Store checkpoints runs. Nil keeps decisions in memory only.
	Store store.Store

	// Scanner redacts secrets from prompts. Nil selects the default rules.
	Scanner *secrets.Scanner

	Classifier *classify.Classifier
	Guardrail  *guardrail.Engine

	// Locks serializes writers per file. Share one registry between
	// controllers working on the same projects.
	Locks *filelock.Registry
}

// Options bound and tune a Controller.
type Options struct {
	MaxRetries           int // failed cycles before ESCALATED; default 3
	MaxPlanIterations    int // default 3
	MaxResolveIterations int // default 3
	WorkerLimit          int // concurrent APPLY workers; default 4

	// TokenCap bounds oracle spend per run. Zero disables the cap.
	TokenCap int64

	ProceedOnInvalidPlan bool

	OracleTimeout   time.Duration
	OracleRateLimit float64

	// Review asks the oracle to review the final diff before DECIDE.
	Review bool

	// WriteBack writes an approved patch to the project root.
	WriteBack bool

	Scan      project.Options
	Retrieval retrieval.Options
	Rules     []refine.Rule

	Logger   *zap.Logger
	Tracer   trace.Tracer
	Meter    metric.Meter
	Progress ProgressCallback
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxPlanIterations <= 0 {
		o.MaxPlanIterations = refine.DefaultMaxIterations
	}
	if o.MaxResolveIterations <= 0 {
		o.MaxResolveIterations = 3
	}
	if o.WorkerLimit <= 0 {
		o.WorkerLimit = 4
	}
	if o.TokenCap < 0 {
		o.TokenCap = 0
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(instrumentationName)
	}
	if o.Meter == nil {
		o.Meter = otel.Meter(instrumentationName)
	}
}

// Controller is the OrchestrationController. It is safe for concurrent
// runs on distinct objectives.
type Controller struct {
	deps    Dependencies
	opts    Options
	logger  *logging.Logger
	metrics *metrics
	rec     *recorder

	// active guards against two concurrent runs of one objective.
	mu     sync.Mutex
	active map[string]bool
}

// New validates deps and creates a Controller.
func New(deps Dependencies, opts Options) (*Controller, error) {
	var missing []string
	if deps.Oracle == nil {
		missing = append(missing, "oracle")
	}
	if deps.Executor == nil {
		missing = append(missing, "executor")
	}
	if deps.Quality == nil {
		missing = append(missing, "quality checker")
	}
	if deps.Operational == nil {
		missing = append(missing, "operational checker")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies: %s", strings.Join(missing, ", "))
	}
	if deps.Toolchain == (sandbox.Toolchain{}) {
		deps.Toolchain = sandbox.DefaultToolchain()
	}
	if deps.Scanner == nil {
		deps.Scanner = secrets.MustNewScanner(nil)
	}
	if deps.Classifier == nil {
		deps.Classifier = classify.New(nil)
	}
	if deps.Guardrail == nil {
		deps.Guardrail = guardrail.NewEngine(0)
	}
	if deps.Locks == nil {
		deps.Locks = filelock.NewRegistry()
	}
	opts.applyDefaults()

	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: creating metrics: %w", err)
	}
	return &Controller{
		deps:    deps,
		opts:    opts,
		logger:  logging.Wrap(opts.Logger.Named("orchestrator")),
		metrics: m,
		rec:     newRecorder(deps.Store),
		active:  make(map[string]bool),
	}, nil
}

// Run drives req's objective to a terminal state. The returned Result is
// never nil. The error is non-nil only for invalid input or when
// persisting the run failed; the Result is complete in both cases.
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	obj, err := evolution.NewObjective(req.Objective)
	if err != nil {
		return invalidResult(req.Objective.ID, err), fmt.Errorf("%w: %w", ErrInvalidObjective, err)
	}
	ctx = logging.WithObjectiveID(ctx, obj.ID())

	if res, ok := c.rec.cached(ctx, obj, req.Steps); ok {
		c.logger.Info(ctx, "reusing approved decision", zap.String("outcome", string(res.Decision.Outcome)))
		return res, nil
	}

	r := c.newRun(obj)
	if len(req.Steps) > 0 {
		r.plan = &evolution.Plan{Steps: append([]evolution.ModificationStep(nil), req.Steps...)}
		r.seeded = true
	}
	return c.execute(ctx, r)
}

// Resume continues the checkpointed run for objectiveID. Finished runs are
// returned from the checkpoint unchanged. An interrupted run keeps its
// plan, trajectory, cycle count and budget and restarts from ANALYZE.
func (c *Controller) Resume(ctx context.Context, objectiveID string) (*Result, error) {
	if c.deps.Store == nil {
		return invalidResult(objectiveID, ErrNoCheckpoint), ErrNoCheckpoint
	}
	rec, err := c.deps.Store.Load(ctx, objectiveID)
	if err != nil {
		return invalidResult(objectiveID, err), fmt.Errorf("%w: %w", ErrInvalidObjective, err)
	}
	if State(rec.State).Terminal() && rec.Decision != nil {
		res := ResultFromRecord(rec)
		res.Cached = true
		return res, nil
	}
	obj, err := evolution.NewObjective(rec.Objective)
	if err != nil {
		return invalidResult(objectiveID, err), fmt.Errorf("%w: %w", ErrInvalidObjective, err)
	}
	ctx = logging.WithObjectiveID(ctx, obj.ID())

	r := c.newRun(obj)
	r.ledger = budget.Restore(rec.Budget)
	r.traj = evolution.RestoreTrajectory(rec.Trajectory)
	r.traj.Append("RESUME", fmt.Sprintf("resuming from %s after %d cycle(s)", rec.State, rec.Cycles), true)
	r.cycles = rec.Cycles
	if rec.Plan != nil && len(rec.Plan.Steps) > 0 {
		r.plan = rec.Plan.Clone()
		r.seeded = true
	}
	r.reports = append(r.reports, rec.Reports...)
	c.logger.Info(ctx, "resuming run", zap.String("from", rec.State), zap.Int("cycles", rec.Cycles))
	return c.execute(ctx, r)
}

// execute runs the state machine from ANALYZE.
func (c *Controller) execute(ctx context.Context, r *run) (*Result, error) {
	if !c.acquire(r.obj.ID()) {
		err := fmt.Errorf("%w: objective %s is already running", ErrInvalidObjective, r.obj.ID())
		return invalidResult(r.obj.ID(), err), err
	}
	defer c.release(r.obj.ID())

	ctx, span := c.opts.Tracer.Start(ctx, "orchestrator.Run", trace.WithAttributes(
		attribute.String("objective.id", r.obj.ID()),
	))
	defer span.End()

	r.ledger.OnConsume(func(tokens int64, _ budget.Snapshot) {
		c.metrics.tokens.Add(context.WithoutCancel(ctx), tokens)
	})
	r.bind(c)

	state := StateAnalyze
	for !state.Terminal() {
		if next, reason, cause := r.limits(ctx, state); next != "" {
			r.finish(next, cause, reason)
			c.transition(ctx, r, state, next, reason, false)
			state = next
			break
		}

		stateCtx, stateSpan := c.opts.Tracer.Start(logging.WithRunState(ctx, string(state)), "orchestrator."+string(state))
		step := r.handle(stateCtx, state)
		stateSpan.SetAttributes(
			attribute.String("next", string(step.next)),
			attribute.Bool("success", step.success),
		)
		if !step.success {
			stateSpan.SetStatus(codes.Error, step.note)
		}
		stateSpan.End()

		c.transition(ctx, r, state, step.next, step.note, step.success)
		state = step.next
	}

	res := r.result(state)
	if state == StateApproved && c.opts.WriteBack && len(res.Patch.Changes) > 0 {
		if err := c.writeBack(ctx, r); err != nil {
			r.persistErr = errors.Join(r.persistErr, err)
		} else {
			res.Written = true
			r.traj.Append("WRITE", fmt.Sprintf("wrote %d file(s) to %s", len(res.Patch.Changes), r.obj.ProjectRoot()), true)
			res.Trajectory = r.traj.Steps()
		}
	}

	c.rec.remember(r, res)
	if err := c.rec.save(context.WithoutCancel(ctx), r, state); err != nil {
		r.persistErr = errors.Join(r.persistErr, err)
	}

	c.metrics.runs.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("outcome", string(res.Decision.Outcome)),
	))
	span.SetAttributes(
		attribute.String("outcome", string(res.Decision.Outcome)),
		attribute.Int("cycles", res.Cycles),
		attribute.Int64("budget.used", res.Budget.Used),
	)
	c.logger.Info(ctx, "evolution finished",
		zap.String("outcome", string(res.Decision.Outcome)),
		zap.Strings("reasons", res.Decision.Reasons),
		zap.Int("cycles", res.Cycles),
		zap.Int64("tokens", res.Budget.Used),
	)

	if r.persistErr != nil {
		span.RecordError(r.persistErr)
		return res, fmt.Errorf("%w: %w", ErrPersistence, r.persistErr)
	}
	return res, nil
}

// transition records a state change in the trajectory, metrics, progress
// callback and checkpoint.
func (c *Controller) transition(ctx context.Context, r *run, from, to State, note string, success bool) {
	desc := fmt.Sprintf("%s -> %s", from, to)
	if note != "" {
		desc += ": " + note
	}
	r.traj.Append(string(from), desc, success)

	c.metrics.transitions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	c.logger.Debug(logging.WithRunState(ctx, string(from)), "transition",
		zap.String("to", string(to)),
		zap.Bool("success", success),
		zap.String("note", note),
	)
	if c.opts.Progress != nil {
		c.opts.Progress(Progress{ObjectiveID: r.obj.ID(), From: from, To: to, Message: note, Cycle: r.cycles})
	}
	if !to.Terminal() {
		if err := c.rec.save(context.WithoutCancel(ctx), r, to); err != nil && r.persistErr == nil {
			r.persistErr = err
			c.logger.Warn(ctx, "checkpoint failed", zap.Error(err))
		}
	}
}

func (c *Controller) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[id] {
		return false
	}
	c.active[id] = true
	return true
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// invalidResult is returned when no run could be started.
func invalidResult(id string, err error) *Result {
	return &Result{
		ObjectiveID: id,
		State:       StateRejected,
		Decision: evolution.Decision{
			Outcome: evolution.OutcomeRejected,
			Reasons: []string{err.Error()},
		},
		Reports:    []*evolution.ValidationReport{},
		Trajectory: []evolution.ReasoningStep{},
	}
}
