package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
)

// ErrToolInvocation marks a tool that could not run to completion.
var ErrToolInvocation = errors.New("tool invocation failed")

const maxIssuesPerTool = 50

// ToolResult is the outcome of running one tool against one path.
type ToolResult struct {
	Passed   bool
	Issues   []string
	ExitCode int
	Output   string

	// Err wraps ErrToolInvocation when the tool did not run to completion.
	Err error
}

// ToolAdapter runs a named tool against path inside the workspace ws.
type ToolAdapter interface {
	Run(ctx context.Context, tool string, ws *project.Snapshot, path string) ToolResult
}

// AdapterFunc adapts a function to the ToolAdapter interface.
type AdapterFunc func(ctx context.Context, tool string, ws *project.Snapshot, path string) ToolResult

// Run implements ToolAdapter.
func (f AdapterFunc) Run(ctx context.Context, tool string, ws *project.Snapshot, path string) ToolResult {
	return f(ctx, tool, ws, path)
}

// Router dispatches tools to dedicated adapters and everything else to a
// fallback.
type Router struct {
	tools    map[string]ToolAdapter
	fallback ToolAdapter
}

// NewRouter creates a Router. A nil fallback reports unknown tools as issues.
func NewRouter(fallback ToolAdapter) *Router {
	return &Router{tools: make(map[string]ToolAdapter), fallback: fallback}
}

// Handle registers adapter for tool.
func (r *Router) Handle(tool string, adapter ToolAdapter) *Router {
	r.tools[tool] = adapter
	return r
}

// Run implements ToolAdapter.
func (r *Router) Run(ctx context.Context, tool string, ws *project.Snapshot, path string) ToolResult {
	if a, ok := r.tools[tool]; ok {
		return a.Run(ctx, tool, ws, path)
	}
	if r.fallback != nil {
		return r.fallback.Run(ctx, tool, ws, path)
	}
	return invocationFailure(tool, fmt.Errorf("no adapter registered for %q", tool))
}

// Template is a command line with placeholders:
//
//	{file}   path of the file under check
//	{dir}    "./<dir of file>" (or ".")
//	{python} {go} {node} toolchain binaries
type Template struct {
	Name string
	Args []string

	// Advisory tools never fail their gate; their output lines are kept
	// as issues.
	Advisory bool

	// FailOnOutput fails the gate when the tool prints anything, for tools
	// like "gofmt -l" that exit zero on findings.
	FailOnOutput bool

	// PassCodes are additional exit codes treated as success.
	PassCodes []int
}

// DefaultTemplates returns command templates keyed by language, then tool.
func DefaultTemplates() map[string]map[string]Template {
	return map[string]map[string]Template{
		sandbox.LangPython: {
			"lint":       {Name: "ruff", Args: []string{"check", "--quiet", "{file}"}, Advisory: true},
			"format":     {Name: "ruff", Args: []string{"format", "--check", "--quiet", "{file}"}, Advisory: true},
			"type-check": {Name: "mypy", Args: []string{"--ignore-missing-imports", "--no-error-summary", "{file}"}},
			// pytest exits 5 when no tests were collected.
			"test": {Name: "{python}", Args: []string{"-m", "pytest", "-q"}, PassCodes: []int{5}},
		},
		sandbox.LangGo: {
			"vet":    {Name: "{go}", Args: []string{"vet", "{dir}"}},
			"format": {Name: "gofmt", Args: []string{"-l", "{file}"}, FailOnOutput: true, Advisory: true},
			"test":   {Name: "{go}", Args: []string{"test", "./..."}},
		},
		sandbox.LangJavaScript: {
			"lint":   {Name: "eslint", Args: []string{"{file}"}, Advisory: true},
			"format": {Name: "prettier", Args: []string{"--check", "{file}"}, Advisory: true},
			"test":   {Name: "{node}", Args: []string{"--test"}},
		},
		sandbox.LangTypeScript: {
			"lint":   {Name: "eslint", Args: []string{"{file}"}, Advisory: true},
			"format": {Name: "prettier", Args: []string{"--check", "{file}"}, Advisory: true},
			"test":   {Name: "{node}", Args: []string{"--test"}},
		},
	}
}

// CommandAdapter runs tools as sandboxed processes.
type CommandAdapter struct {
	exec      sandbox.Executor
	toolchain sandbox.Toolchain
	templates map[string]map[string]Template
	strict    bool
}

// CommandOption configures a CommandAdapter.
type CommandOption func(*CommandAdapter)

// WithTemplates replaces the command templates.
func WithTemplates(t map[string]map[string]Template) CommandOption {
	return func(a *CommandAdapter) { a.templates = t }
}

// WithStrictTools fails gates whose binary is not installed instead of
// recording the gap as an issue on a passing gate.
func WithStrictTools(strict bool) CommandOption {
	return func(a *CommandAdapter) { a.strict = strict }
}

// NewCommandAdapter creates a CommandAdapter.
func NewCommandAdapter(ex sandbox.Executor, tc sandbox.Toolchain, opts ...CommandOption) *CommandAdapter {
	a := &CommandAdapter{exec: ex, toolchain: tc, templates: DefaultTemplates()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Command expands the template for tool on path.
func (a *CommandAdapter) Command(tool, path string) (sandbox.Command, Template, bool) {
	tmpl, ok := a.templates[sandbox.LanguageOf(path)][tool]
	if !ok {
		return sandbox.Command{}, Template{}, false
	}
	r := strings.NewReplacer(
		"{file}", path,
		"{dir}", dirArg(path),
		"{python}", a.toolchain.Python,
		"{go}", a.toolchain.Go,
		"{node}", a.toolchain.Node,
	)
	cmd := sandbox.Command{Name: r.Replace(tmpl.Name)}
	for _, arg := range tmpl.Args {
		cmd.Args = append(cmd.Args, r.Replace(arg))
	}
	return cmd, tmpl, true
}

// Run implements ToolAdapter.
func (a *CommandAdapter) Run(ctx context.Context, tool string, ws *project.Snapshot, path string) ToolResult {
	cmd, tmpl, ok := a.Command(tool, path)
	if !ok {
		return invocationFailure(tool, fmt.Errorf("no command registered for %s files", extOrName(path)))
	}
	res := a.exec.Execute(ctx, ws, cmd)
	return fromSandbox(tool, res, tmpl, a.strict)
}

// fromSandbox converts a sandbox run into a ToolResult.
func fromSandbox(tool string, res sandbox.Result, tmpl Template, strict bool) ToolResult {
	if res.Err != nil {
		if errors.Is(res.Err, sandbox.ErrNotFound) && !strict {
			return ToolResult{
				Passed:   true,
				Issues:   []string{fmt.Sprintf("%s skipped: %v", tool, res.Err)},
				ExitCode: res.ExitCode,
				Output:   res.Output,
				Err:      fmt.Errorf("%w: %v", ErrToolInvocation, res.Err),
			}
		}
		tr := invocationFailure(tool, res.Err)
		tr.ExitCode = res.ExitCode
		tr.Output = res.Output
		return tr
	}

	passed := res.Success || containsInt(tmpl.PassCodes, res.ExitCode)
	lines := outputLines(res.Output)
	if tmpl.FailOnOutput && len(lines) > 0 {
		passed = false
	}

	tr := ToolResult{Passed: passed, ExitCode: res.ExitCode, Output: res.Output}
	if !passed || tmpl.Advisory {
		tr.Issues = lines
	}
	if !passed && len(tr.Issues) == 0 {
		tr.Issues = []string{fmt.Sprintf("%s exited with code %d", tool, res.ExitCode)}
	}
	if tmpl.Advisory {
		tr.Passed = true
	}
	return tr
}

func invocationFailure(tool string, err error) ToolResult {
	wrapped := fmt.Errorf("%w: %s: %v", ErrToolInvocation, tool, err)
	return ToolResult{
		Passed:   false,
		Issues:   []string{wrapped.Error()},
		ExitCode: -1,
		Output:   err.Error(),
		Err:      wrapped,
	}
}

// outputLines returns the non-blank lines of out, capped.
func outputLines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		l = strings.TrimRight(l, " \t\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		if len(lines) == maxIssuesPerTool {
			lines = append(lines, "... output truncated")
			break
		}
		lines = append(lines, l)
	}
	return lines
}

func dirArg(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "."
	}
	return "./" + p[:i]
}

func extOrName(p string) string {
	if i := strings.LastIndex(p, "."); i >= 0 && i > strings.LastIndex(p, "/") {
		return p[i:]
	}
	return p
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
