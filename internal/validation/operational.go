package validation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
)

// Auditor inspects a workspace and returns issue strings. An empty result
// means clean.
type Auditor interface {
	Audit(ctx context.Context, ws *project.Snapshot) ([]string, error)
}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(ctx context.Context, ws *project.Snapshot) ([]string, error)

// Audit implements Auditor.
func (f AuditorFunc) Audit(ctx context.Context, ws *project.Snapshot) ([]string, error) {
	return f(ctx, ws)
}

// OperationalOptions configure an OperationalCheckPipeline.
type OperationalOptions struct {
	// Syntax verifies each changed file. Required.
	Syntax ToolAdapter

	// Dependencies audits dependency manifests. Nil skips the gate.
	Dependencies Auditor

	// AdvisoryDependencies records audit issues without failing the gate,
	// leaving the verdict to the guardrail.
	AdvisoryDependencies bool

	// VCS checks version-control readiness. Nil skips the gate.
	VCS Auditor

	// Limit bounds concurrent syntax checks. Zero selects 4.
	Limit int

	Logger *zap.Logger
}

// OperationalCheckPipeline runs syntax, dependency and VCS checks.
type OperationalCheckPipeline struct {
	opts OperationalOptions
}

// NewOperationalCheckPipeline creates an OperationalCheckPipeline.
func NewOperationalCheckPipeline(opts OperationalOptions) *OperationalCheckPipeline {
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &OperationalCheckPipeline{opts: opts}
}

// Run evaluates the operational gates. The report is always fully populated.
func (p *OperationalCheckPipeline) Run(ctx context.Context, ws *project.Snapshot, files []string) *evolution.ValidationReport {
	ctx, span := tracer.Start(ctx, "OperationalCheckPipeline.Run")
	defer span.End()
	span.SetAttributes(attribute.Int("files", len(files)))

	sorted := append([]string(nil), files...)
	sort.Strings(sorted)
	jobs := make([]job, 0, len(sorted))
	for _, f := range sorted {
		jobs = append(jobs, job{gate: GateSyntax, path: f})
	}

	var report *evolution.ValidationReport
	if p.opts.Syntax != nil {
		report = runJobs(ctx, p.opts.Syntax, ws, jobs, p.opts.Limit)
	} else {
		report = evolution.NewReport()
	}
	if len(jobs) == 0 {
		report.AddGate(GateSyntax, evolution.GateResult{Passed: true})
	}

	if p.opts.Dependencies != nil {
		report.AddGate(GateDependencyAudit, p.audit(ctx, GateDependencyAudit, p.opts.Dependencies, ws, p.opts.AdvisoryDependencies))
	}
	if p.opts.VCS != nil {
		report.AddGate(GateVCSReadiness, p.audit(ctx, GateVCSReadiness, p.opts.VCS, ws, false))
	}

	p.opts.Logger.Debug("operational checks evaluated",
		zap.Bool("passed", report.Passed),
		zap.Strings("failed_gates", report.FailedGates()),
	)
	return report
}

func (p *OperationalCheckPipeline) audit(ctx context.Context, gate string, a Auditor, ws *project.Snapshot, advisory bool) (res evolution.GateResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = evolution.GateResult{Issues: []string{fmt.Sprintf("%s: auditor panic: %v", gate, r)}}
		}
		recordGate(gate, res.Passed, time.Since(start).Seconds())
	}()

	issues, err := a.Audit(ctx, ws)
	if err != nil {
		p.opts.Logger.Warn("audit failed", zap.String("gate", gate), zap.Error(err))
		return evolution.GateResult{
			Passed:    false,
			Issues:    []string{fmt.Sprintf("%v: %s: %v", ErrToolInvocation, gate, err)},
			RawOutput: err.Error(),
		}
	}
	return evolution.GateResult{
		Passed:    len(issues) == 0 || advisory,
		Issues:    issues,
		RawOutput: strings.Join(issues, "\n"),
	}
}

// vulnMarkerRe matches advisory identifiers and vulnerability wording in
// audit tool output.
var (
	vulnMarkerRe = regexp.MustCompile(`(?i)(CVE-\d{4}-\d+|GHSA-[0-9a-z]{4}-[0-9a-z]{4}-[0-9a-z]{4}|PYSEC-\d{4}-\d+|GO-\d{4}-\d{4,}|\bvulnerab(le|ility|ilities)\b)`)
	vulnCleanRe  = regexp.MustCompile(`(?i)\bno (known )?vulnerabilit`)
)

// AuditCommand is an audit tool run when Manifest exists in the workspace.
type AuditCommand struct {
	Manifest string
	Command  sandbox.Command
}

// DefaultAuditCommands returns the built-in dependency audit tools.
func DefaultAuditCommands() []AuditCommand {
	return []AuditCommand{
		{Manifest: "requirements.txt", Command: sandbox.Command{Name: "pip-audit", Args: []string{"-r", "requirements.txt", "--progress-spinner", "off"}}},
		{Manifest: "go.mod", Command: sandbox.Command{Name: "govulncheck", Args: []string{"./..."}}},
		{Manifest: "package-lock.json", Command: sandbox.Command{Name: "npm", Args: []string{"audit", "--omit=dev"}}},
	}
}

// CommandAuditor runs audit tools for the manifests present in a workspace
// and reports output lines carrying vulnerability markers. Missing tools
// are skipped unless strict.
type CommandAuditor struct {
	exec     sandbox.Executor
	commands []AuditCommand
	strict   bool
	logger   *zap.Logger
}

// NewCommandAuditor creates a CommandAuditor.
func NewCommandAuditor(ex sandbox.Executor, commands []AuditCommand, strict bool, logger *zap.Logger) *CommandAuditor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandAuditor{exec: ex, commands: commands, strict: strict, logger: logger}
}

// Audit implements Auditor.
func (a *CommandAuditor) Audit(ctx context.Context, ws *project.Snapshot) ([]string, error) {
	var issues []string
	for _, ac := range a.commands {
		if !ws.Exists(ac.Manifest) {
			continue
		}
		res := a.exec.Execute(ctx, ws, ac.Command)
		if res.Err != nil {
			if errors.Is(res.Err, sandbox.ErrNotFound) && !a.strict {
				a.logger.Debug("audit tool not installed", zap.String("tool", ac.Command.Name))
				continue
			}
			issues = append(issues, fmt.Sprintf("%s: %v", ac.Command.Name, res.Err))
			continue
		}
		for _, line := range outputLines(res.Output) {
			if vulnMarkerRe.MatchString(line) && !vulnCleanRe.MatchString(line) {
				issues = append(issues, fmt.Sprintf("%s (%s): %s", ac.Manifest, ac.Command.Name, line))
			}
		}
	}
	return issues, nil
}
