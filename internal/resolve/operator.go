package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/diff"
	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/graph"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
	"github.com/fyrsmithlabs/evolvd/internal/patch"
	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
)

// MarkerResolveIssue tags resolution prompts.
const MarkerResolveIssue = "[evolvd:resolve-issue]"

// DefaultMaxIterations bounds resolution attempts per call.
const DefaultMaxIterations = 3

const maxHistoryOutput = 4 * 1024

// Request is one failure to resolve.
type Request struct {
	Objective *evolution.Objective
	Failure   evolution.FailureRecord

	// File is the implicated file relative to the project root.
	File string

	// Workspace is the project state the failure was observed in.
	Workspace *project.Snapshot

	// Graph is used for ripple risk. It is built from Workspace when nil.
	Graph *graph.Graph
}

// Attempt is one iteration of the loop.
type Attempt struct {
	Iteration int      `json:"iteration"`
	Proposed  string   `json:"-"`
	Analysis  string   `json:"analysis,omitempty"`
	Ripple    []string `json:"ripple,omitempty"`
	Diff      string   `json:"diff,omitempty"`
	Verified  bool     `json:"verified"`
	Ran       bool     `json:"ran"`
	Output    string   `json:"output,omitempty"`
	Stub      bool     `json:"stub,omitempty"`
}

// Result is the outcome of a resolution run. Proposed and Diff describe
// the last attempt.
type Result struct {
	Success    bool      `json:"success"`
	Iterations int       `json:"iterations"`
	File       string    `json:"file"`
	Original   string    `json:"-"`
	Proposed   string    `json:"-"`
	Diff       string    `json:"diff,omitempty"`
	Ripple     []string  `json:"ripple,omitempty"`
	Imports    []string  `json:"imports,omitempty"`
	Cycle      []string  `json:"cycle,omitempty"`
	Attempts   []Attempt `json:"attempts"`
	Reason     string    `json:"reason,omitempty"`
}

// Options configures an Operator.
type Options struct {
	MaxIterations int
	Toolchain     sandbox.Toolchain
	Logger        *zap.Logger
}

// Operator is the IssueResolutionOperator.
type Operator struct {
	oracle   oracle.Oracle
	executor sandbox.Executor
	tc       sandbox.Toolchain
	max      int
	logger   *zap.Logger
}

// New creates an Operator.
func New(o oracle.Oracle, ex sandbox.Executor, opts Options) *Operator {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Toolchain == (sandbox.Toolchain{}) {
		opts.Toolchain = sandbox.DefaultToolchain()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Operator{oracle: o, executor: ex, tc: opts.Toolchain, max: opts.MaxIterations, logger: opts.Logger}
}

// Resolve runs the loop for req. The returned Result is never nil.
func (op *Operator) Resolve(ctx context.Context, req Request) *Result {
	ctx, span := otel.Tracer("evolvd.resolve").Start(ctx, "resolve.Resolve")
	defer span.End()

	res := &Result{File: req.File, Attempts: []Attempt{}}
	if req.File == "" || req.Workspace == nil {
		res.Reason = "no implicated file"
		return res
	}
	original, _ := req.Workspace.Content(req.File)
	res.Original, res.Proposed = original, original

	g := req.Graph
	if g == nil {
		g = graph.Build(req.Workspace)
	}
	res.Ripple = g.Impacted(req.File)
	res.Imports = g.Dependencies(req.File)
	res.Cycle = inCycle(g, append([]string{req.File}, res.Ripple...))
	nb := neighbors{imports: res.Imports, direct: g.Dependents(req.File), cycle: res.Cycle}

	candidate := original
	var history []string
	for i := 1; i <= op.max; i++ {
		if err := ctx.Err(); err != nil {
			res.Reason = "cancelled: " + err.Error()
			break
		}
		nb.ripple = res.Ripple
		att := op.attempt(ctx, req, i, original, candidate, nb, history)
		res.Attempts = append(res.Attempts, att)
		res.Iterations = i
		res.Proposed, res.Diff = att.Proposed, att.Diff
		res.Ripple = mergeRipple(res.Ripple, att.Ripple, req.File)

		if att.Verified {
			res.Success = true
			res.Reason = ""
			break
		}
		candidate = att.Proposed
		res.Reason = "verification failed"
		if !att.Ran {
			res.Reason = "no verification available for " + req.File
		}
		history = append(history, fmt.Sprintf("Attempt %d failed verification:\n%s", i, tail(att.Output, maxHistoryOutput)))
	}

	span.SetAttributes(
		attribute.String("file", req.File),
		attribute.Int("iterations", res.Iterations),
		attribute.Bool("success", res.Success),
	)
	op.logger.Info("issue resolution finished",
		zap.String("file", req.File),
		zap.String("failure_type", string(req.Failure.Type)),
		zap.Int("iterations", res.Iterations),
		zap.Bool("success", res.Success),
		zap.Strings("ripple", res.Ripple),
		zap.Strings("cycle", res.Cycle))
	return res
}

// neighbors is the dependency neighbourhood of the implicated file.
type neighbors struct {
	imports []string
	direct  []string
	ripple  []string
	cycle   []string
}

// inCycle returns the files of paths that sit on an import cycle.
func inCycle(g *graph.Graph, paths []string) []string {
	var out []string
	for _, p := range paths {
		if g.InCycle(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (op *Operator) attempt(ctx context.Context, req Request, n int, original, candidate string, nb neighbors, history []string) Attempt {
	att := Attempt{Iteration: n, Proposed: candidate}

	reply, err := op.oracle.Consume(ctx, prompt(req, candidate, nb, history), req.Objective.Constraints())
	if err != nil {
		op.logger.Warn("resolution call failed", zap.Int("iteration", n), zap.Error(err))
		att.Stub = true
		att.Output = "oracle call failed: " + err.Error()
		return att
	}
	content, analysis, oracleRipple, ok := parseFix(reply)
	if !ok {
		att.Stub = true
		att.Output = "oracle reply contained no usable fix"
		return att
	}
	att.Proposed = normalize(content, original)
	att.Analysis = analysis
	att.Ripple = oracleRipple

	if section, err := diff.Unified(req.File, original, att.Proposed); err != nil {
		att.Diff = fmt.Sprintf("# diff error %s: %v\n", req.File, err)
	} else {
		att.Diff = section
	}

	target := req.Workspace.Overlay(map[string]string{req.File: att.Proposed}, nil)
	vr, ran := sandbox.Verify(ctx, op.executor, op.tc, target, req.File, req.Failure.FailingTest)
	att.Ran = ran
	att.Output = vr.Output
	if vr.Err != nil && att.Output == "" {
		att.Output = vr.Err.Error()
	}
	att.Verified = ran && vr.Success
	return att
}

type fixPayload struct {
	Content  *string  `json:"content"`
	Modified *string  `json:"modified"`
	Analysis string   `json:"analysis"`
	Ripple   []string `json:"ripple"`
}

// parseFix extracts the proposed content plus the optional analysis and
// ripple list of a structured reply.
func parseFix(reply string) (content, analysis string, ripple []string, ok bool) {
	if p, isJSON := oracle.ParseWith(reply, acceptFix).(*oracle.StructuredPayload); isJSON {
		var f fixPayload
		if err := json.Unmarshal(p.Data, &f); err == nil {
			switch {
			case f.Content != nil:
				return *f.Content, f.Analysis, f.Ripple, true
			case f.Modified != nil:
				return *f.Modified, f.Analysis, f.Ripple, true
			}
		}
	}
	content, _, ok = patch.ParseContent(reply)
	return content, "", nil, ok
}

// mergeRipple adds oracle-reported dependents to the graph-derived set.
func mergeRipple(base, extra []string, self string) []string {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range append(append([]string(nil), base...), extra...) {
		p = strings.TrimPrefix(strings.TrimSpace(p), "./")
		if p == "" || p == self || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func acceptFix(data json.RawMessage) bool {
	var f fixPayload
	return json.Unmarshal(data, &f) == nil && (f.Content != nil || f.Modified != nil)
}

func normalize(content, original string) string {
	if content == "" || strings.HasSuffix(content, "\n") {
		return content
	}
	if original == "" || strings.HasSuffix(original, "\n") {
		return content + "\n"
	}
	return content
}

func prompt(req Request, candidate string, nb neighbors, history []string) string {
	var b strings.Builder
	b.WriteString(MarkerResolveIssue + "\n")
	fmt.Fprintf(&b, "Objective: %s\n", req.Objective.Task())
	fmt.Fprintf(&b, "Failure type: %s\n", req.Failure.Type)
	fmt.Fprintf(&b, "Message: %s\n", req.Failure.Message)
	if req.Failure.FailingTest != "" {
		fmt.Fprintf(&b, "Failing test: %s\n", req.Failure.FailingTest)
	}
	if req.Failure.Traceback != "" {
		fmt.Fprintf(&b, "\nOutput:\n%s\n", tail(req.Failure.Traceback, maxHistoryOutput))
	}
	fmt.Fprintf(&b, "\nCurrent content of %s:\n```\n%s\n```\n", req.File, strings.TrimRight(candidate, "\n"))
	if len(nb.imports) > 0 {
		fmt.Fprintf(&b, "\nFiles imported by %s: %s\n", req.File, strings.Join(nb.imports, ", "))
	}
	if len(nb.direct) > 0 {
		fmt.Fprintf(&b, "\nFiles importing %s directly: %s\n", req.File, strings.Join(nb.direct, ", "))
	}
	if len(nb.ripple) > 0 {
		fmt.Fprintf(&b, "\nFiles depending on %s: %s\n", req.File, strings.Join(nb.ripple, ", "))
	}
	if len(nb.cycle) > 0 {
		fmt.Fprintf(&b, "\nFiles in an import cycle: %s\n", strings.Join(nb.cycle, ", "))
	}
	for _, h := range history {
		fmt.Fprintf(&b, "\n%s\n", h)
	}
	b.WriteString("\nRespond with JSON: " +
		`{"analysis":"...","content":"<complete new file content>"}` +
		" or the complete file in a single fenced code block.")
	return b.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
