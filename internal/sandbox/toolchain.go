package sandbox

import (
	"context"
	"path"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/evolvd/internal/project"
)

// Languages recognized by file extension.
const (
	LangPython     = "python"
	LangGo         = "go"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
)

// LanguageOf returns the language of path, or "" when unknown.
func LanguageOf(p string) string {
	switch strings.ToLower(filepath.Ext(p)) {
	case ".py":
		return LangPython
	case ".go":
		return LangGo
	case ".js", ".mjs", ".cjs":
		return LangJavaScript
	case ".ts", ".tsx":
		return LangTypeScript
	}
	return ""
}

// Toolchain names the interpreter and compiler binaries used for checks.
type Toolchain struct {
	Python string
	Go     string
	Node   string
}

// DefaultToolchain resolves binaries from PATH.
func DefaultToolchain() Toolchain {
	return Toolchain{Python: "python3", Go: "go", Node: "node"}
}

func (t Toolchain) gofmt() string {
	if dir := filepath.Dir(t.Go); dir != "." {
		return filepath.Join(dir, "gofmt")
	}
	return "gofmt"
}

// SyntaxCheck returns the command that verifies path parses. ok is false
// for languages without a syntax check.
func (t Toolchain) SyntaxCheck(p string) (Command, bool) {
	switch LanguageOf(p) {
	case LangPython:
		return Command{Name: t.Python, Args: []string{"-m", "py_compile", p}}, true
	case LangGo:
		return Command{Name: t.gofmt(), Args: []string{"-e", "-l", p}}, true
	case LangJavaScript:
		return Command{Name: t.Node, Args: []string{"--check", p}}, true
	}
	return Command{}, false
}

// TestRun returns the command re-running testID, or the tests covering p
// when testID is empty. ok is false when no test runner applies.
func (t Toolchain) TestRun(p, testID string) (Command, bool) {
	switch LanguageOf(p) {
	case LangPython:
		target := testID
		if target == "" {
			target = p
			if !isPythonTest(p) {
				target = "."
			}
		}
		return Command{Name: t.Python, Args: []string{"-m", "pytest", "-q", target}}, true
	case LangGo:
		pkg := "./" + path.Dir(filepath.ToSlash(p))
		if pkg == "./." {
			pkg = "."
		}
		args := []string{"test", pkg}
		if testID != "" {
			args = append(args, "-run", "^"+testID+"$")
		}
		return Command{Name: t.Go, Args: args}, true
	case LangJavaScript:
		if strings.Contains(p, ".test.") || strings.Contains(p, ".spec.") {
			return Command{Name: t.Node, Args: []string{"--test", p}}, true
		}
	}
	return Command{}, false
}

func isPythonTest(p string) bool {
	base := path.Base(filepath.ToSlash(p))
	return strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py")
}

// Verify runs the syntax check for p and, when testID is set, the test
// re-run. ran is false when no check applies to p's language; the Result
// is successful only when every command that ran passed.
func Verify(ctx context.Context, ex Executor, tc Toolchain, target *project.Snapshot, p, testID string) (res Result, ran bool) {
	if cmd, ok := tc.SyntaxCheck(p); ok {
		res, ran = ex.Execute(ctx, target, cmd), true
		if !res.Success {
			return res, ran
		}
	}
	if testID == "" {
		return res, ran
	}
	if cmd, ok := tc.TestRun(p, testID); ok {
		return ex.Execute(ctx, target, cmd), true
	}
	return res, ran
}
