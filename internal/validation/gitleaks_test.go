package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/evolvd/internal/project"
)

const openAIKeySrc = `
const apiKey = "sk-proj-abc123def456ghi789jkl012mno345pqr678stu901xyz"
`

func writeAllowlist(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, AllowlistFile), []byte(content), 0o600))
	return dir
}

func TestLoadAllowlist(t *testing.T) {
	t.Run("missing file is empty", func(t *testing.T) {
		a, err := LoadAllowlist(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, a.Paths)
		assert.Empty(t, a.Regexes)
		assert.False(t, a.SkipsPath("main.py"))
	})

	t.Run("reads patterns", func(t *testing.T) {
		dir := writeAllowlist(t, `
[allowlist]
paths = ['''^fixtures/''']
regexes = ['''DEMO_API_KEY''']
`)
		a, err := LoadAllowlist(dir)
		require.NoError(t, err)
		assert.Equal(t, []string{"^fixtures/"}, a.Paths)
		assert.Equal(t, []string{"DEMO_API_KEY"}, a.Regexes)
		assert.True(t, a.SkipsPath("fixtures/keys.py"))
		assert.False(t, a.SkipsPath("src/fixtures/keys.py"))
	})

	t.Run("invalid toml", func(t *testing.T) {
		_, err := LoadAllowlist(writeAllowlist(t, "[allowlist\n"))
		assert.True(t, errors.Is(err, ErrInvalidAllowlist))
	})

	t.Run("invalid pattern", func(t *testing.T) {
		_, err := LoadAllowlist(writeAllowlist(t, "[allowlist]\nregexes = ['''([''']\n"))
		assert.True(t, errors.Is(err, ErrInvalidAllowlist))
		assert.Contains(t, err.Error(), "content pattern")
	})

	t.Run("nil allowlist skips nothing", func(t *testing.T) {
		var a *Allowlist
		assert.False(t, a.SkipsPath("main.py"))
	})
}

func TestGitleaksAdapter(t *testing.T) {
	a := NewGitleaksAdapter(zaptest.NewLogger(t))
	ctx := context.Background()

	t.Run("clean file passes", func(t *testing.T) {
		ws := project.New(t.TempDir(), map[string]string{"main.go": "package main\n\nfunc main() {\n\tprintln(\"Hello World\")\n}\n"})
		res := a.Run(ctx, GateSecurityScan, ws, "main.go")
		assert.True(t, res.Passed)
		assert.Empty(t, res.Issues)
	})

	t.Run("reports findings without the secret", func(t *testing.T) {
		ws := project.New(t.TempDir(), map[string]string{"app.js": openAIKeySrc})
		res := a.Run(ctx, GateSecurityScan, ws, "app.js")
		require.False(t, res.Passed)
		require.NotEmpty(t, res.Issues)
		assert.Equal(t, 1, res.ExitCode)
		for _, issue := range res.Issues {
			assert.NotContains(t, issue, "sk-proj-abc123")
			assert.Contains(t, issue, "gitleaks")
		}
	})

	t.Run("allowlisted path passes", func(t *testing.T) {
		dir := writeAllowlist(t, "[allowlist]\npaths = ['''^fixtures/''']\n")
		ws := project.New(dir, map[string]string{"fixtures/app.js": openAIKeySrc})
		res := a.Run(ctx, GateSecurityScan, ws, "fixtures/app.js")
		assert.True(t, res.Passed)
		assert.Contains(t, res.Output, "allowlisted")
	})

	t.Run("missing file", func(t *testing.T) {
		res := a.Run(ctx, GateSecurityScan, project.New(t.TempDir(), nil), "gone.py")
		assert.False(t, res.Passed)
		assert.ErrorIs(t, res.Err, ErrToolInvocation)
	})

	t.Run("invalid allowlist fails the gate", func(t *testing.T) {
		dir := writeAllowlist(t, "[allowlist\n")
		res := a.Run(ctx, GateSecurityScan, project.New(dir, map[string]string{"a.py": "x = 1\n"}), "a.py")
		assert.False(t, res.Passed)
		assert.ErrorIs(t, res.Err, ErrToolInvocation)
		assert.Contains(t, res.Output, "invalid secret allowlist")
	})
}

func TestAll(t *testing.T) {
	pass := AdapterFunc(func(context.Context, string, *project.Snapshot, string) ToolResult {
		return ToolResult{Passed: true, Output: "clean"}
	})
	fail := AdapterFunc(func(context.Context, string, *project.Snapshot, string) ToolResult {
		return ToolResult{Passed: false, ExitCode: 1, Issues: []string{"line 2: token"}, Output: "1 finding"}
	})
	ws := workspace(map[string]string{"a.py": "x = 1\n"})

	res := All(pass, pass).Run(context.Background(), GateSecurityScan, ws, "a.py")
	assert.True(t, res.Passed)
	assert.Equal(t, "clean\nclean", res.Output)
	assert.NoError(t, res.Err)

	res = All(pass, fail).Run(context.Background(), GateSecurityScan, ws, "a.py")
	assert.False(t, res.Passed)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, []string{"line 2: token"}, res.Issues)
	assert.Equal(t, "clean\n1 finding", res.Output)
}
