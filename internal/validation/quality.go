package validation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
)

var tracer = otel.Tracer("evolvd.validation")

const defaultLimit = 4

// job is one gate evaluation.
type job struct {
	gate string
	path string

	// scoped jobs cover the whole project and prefix no path on issues.
	scoped bool
}

type jobResult struct {
	job
	res ToolResult
}

// QualityGatePipeline runs per-language quality gates over changed files.
type QualityGatePipeline struct {
	adapter ToolAdapter
	table   LanguageTable
	limit   int
	logger  *zap.Logger
}

// QualityOptions configure a QualityGatePipeline.
type QualityOptions struct {
	// Table overrides DefaultLanguageTable.
	Table LanguageTable

	// Limit bounds concurrent gate runs. Zero selects 4.
	Limit int

	Logger *zap.Logger
}

// NewQualityGatePipeline creates a QualityGatePipeline.
func NewQualityGatePipeline(adapter ToolAdapter, opts QualityOptions) *QualityGatePipeline {
	if opts.Table == nil {
		opts.Table = DefaultLanguageTable()
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &QualityGatePipeline{adapter: adapter, table: opts.Table, limit: opts.Limit, logger: opts.Logger}
}

// Run evaluates the gates for files inside ws. requested restricts the gate
// set; empty selects every gate registered for each file's language.
// The report is always fully populated.
func (p *QualityGatePipeline) Run(ctx context.Context, ws *project.Snapshot, files []string, requested []string) *evolution.ValidationReport {
	ctx, span := tracer.Start(ctx, "QualityGatePipeline.Run")
	defer span.End()

	jobs := p.plan(files, requested)
	span.SetAttributes(attribute.Int("files", len(files)), attribute.Int("jobs", len(jobs)))

	report := runJobs(ctx, p.adapter, ws, jobs, p.limit)
	p.logger.Debug("quality gates evaluated",
		zap.Int("jobs", len(jobs)),
		zap.Bool("passed", report.Passed),
		zap.Strings("failed_gates", report.FailedGates()),
	)
	return report
}

// plan expands files into gate jobs in deterministic order.
func (p *QualityGatePipeline) plan(files, requested []string) []job {
	sorted := append([]string(nil), files...)
	sort.Strings(sorted)

	var jobs []job
	seenScoped := map[string]bool{}
	for _, f := range sorted {
		lang := sandbox.LanguageOf(f)
		for _, gate := range p.table.GatesFor(f, requested) {
			if projectScoped[gate] {
				key := lang + "/" + gate
				if seenScoped[key] {
					continue
				}
				seenScoped[key] = true
				jobs = append(jobs, job{gate: gate, path: f, scoped: true})
				continue
			}
			jobs = append(jobs, job{gate: gate, path: f})
		}
	}
	return jobs
}

// runJobs executes jobs with bounded concurrency and merges the results in
// job order.
func runJobs(ctx context.Context, adapter ToolAdapter, ws *project.Snapshot, jobs []job, limit int) *evolution.ValidationReport {
	results := make([]jobResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, j := range jobs {
		g.Go(func() error {
			start := time.Now()
			res := runOne(gctx, adapter, ws, j)
			recordGate(j.gate, res.Passed, time.Since(start).Seconds())
			results[i] = jobResult{job: j, res: res}
			return nil
		})
	}
	_ = g.Wait()

	report := evolution.NewReport()
	for _, r := range results {
		report.AddGate(r.gate, toGateResult(r))
	}
	return report
}

// runOne shields the pipeline from adapter panics.
func runOne(ctx context.Context, adapter ToolAdapter, ws *project.Snapshot, j job) (res ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			res = invocationFailure(j.gate, fmt.Errorf("adapter panic: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return invocationFailure(j.gate, err)
	}
	return adapter.Run(ctx, j.gate, ws, j.path)
}

func toGateResult(r jobResult) evolution.GateResult {
	issues := make([]string, 0, len(r.res.Issues))
	for _, issue := range r.res.Issues {
		if r.scoped || strings.HasPrefix(issue, r.path) {
			issues = append(issues, issue)
			continue
		}
		issues = append(issues, r.path+": "+issue)
	}
	out := strings.TrimRight(r.res.Output, "\n")
	if out != "" && !r.scoped {
		out = fmt.Sprintf("[%s] %s", r.path, out)
	}
	return evolution.GateResult{Passed: r.res.Passed, Issues: issues, RawOutput: out}
}
