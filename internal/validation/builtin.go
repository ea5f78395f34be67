package validation

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
	"github.com/fyrsmithlabs/evolvd/internal/secrets"
)

// Built-in gate names.
const (
	GateSecurityScan    = "security-scan"
	GateSyntax          = "syntax"
	GateDependencyAudit = "dependency-audit"
	GateVCSReadiness    = "vcs-readiness"
)

// SecretScanAdapter reports every secret finding in a file as an issue.
type SecretScanAdapter struct {
	scanner *secrets.Scanner
}

// NewSecretScanAdapter creates a SecretScanAdapter. A nil scanner selects
// the default rule set.
func NewSecretScanAdapter(scanner *secrets.Scanner) *SecretScanAdapter {
	if scanner == nil {
		scanner = secrets.MustNewScanner(nil)
	}
	return &SecretScanAdapter{scanner: scanner}
}

// Run implements ToolAdapter.
func (a *SecretScanAdapter) Run(_ context.Context, tool string, ws *project.Snapshot, path string) ToolResult {
	content, ok := ws.Content(path)
	if !ok {
		return invocationFailure(tool, fmt.Errorf("%s not found in workspace", path))
	}
	findings := a.scanner.Scan(content)
	res := ToolResult{Passed: len(findings) == 0, ExitCode: 0}
	for _, f := range findings {
		res.Issues = append(res.Issues, f.String())
	}
	if !res.Passed {
		res.ExitCode = 1
		res.Output = fmt.Sprintf("%d potential secret(s) detected", len(findings))
	}
	return res
}

// SyntaxAdapter verifies that a file parses by running the language's
// syntax check in the sandbox. Files with no syntax check pass.
type SyntaxAdapter struct {
	exec      sandbox.Executor
	toolchain sandbox.Toolchain
	strict    bool
}

// NewSyntaxAdapter creates a SyntaxAdapter. strict fails the gate when the
// interpreter is not installed.
func NewSyntaxAdapter(ex sandbox.Executor, tc sandbox.Toolchain, strict bool) *SyntaxAdapter {
	return &SyntaxAdapter{exec: ex, toolchain: tc, strict: strict}
}

// Run implements ToolAdapter.
func (a *SyntaxAdapter) Run(ctx context.Context, tool string, ws *project.Snapshot, path string) ToolResult {
	res, ran := sandbox.Verify(ctx, a.exec, a.toolchain, ws, path, "")
	if !ran {
		return ToolResult{Passed: true, Output: fmt.Sprintf("no syntax check for %s files", filepath.Ext(path))}
	}
	tr := fromSandbox(tool, res, Template{}, a.strict)
	if !tr.Passed && res.Err == nil {
		// Interpreters report syntax errors on stderr; tag them so the
		// classifier sees the marker even for terse output.
		tr.Issues = append([]string{fmt.Sprintf("SyntaxError: %s does not parse", path)}, tr.Issues...)
	}
	return tr
}
