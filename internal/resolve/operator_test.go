package resolve

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/oracle/oracletest"
	"github.com/fyrsmithlabs/evolvd/internal/project"
	"github.com/fyrsmithlabs/evolvd/internal/sandbox"
)

const original = "def hello():\n    print('Hello World')\n"

// verifier passes syntax checks and passes test runs only when the
// target's main.py contains want.
type verifier struct {
	mu   sync.Mutex
	want string
	cmds []sandbox.Command
	seen []string
}

func (v *verifier) Execute(_ context.Context, target *project.Snapshot, cmd sandbox.Command) sandbox.Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cmds = append(v.cmds, cmd)
	content, _ := target.Content("main.py")
	v.seen = append(v.seen, content)
	if !strings.Contains(cmd.String(), "pytest") || strings.Contains(content, v.want) {
		return sandbox.Result{Success: true, Output: "ok"}
	}
	return sandbox.Result{Output: "FAILED tests/test_main.py::test_goodbye - missing", ExitCode: 1}
}

func request(t *testing.T) Request {
	t.Helper()
	obj, err := evolution.NewObjective(evolution.ObjectiveSpec{Task: "add goodbye", ProjectRoot: "/proj"})
	require.NoError(t, err)
	return Request{
		Objective: obj,
		Failure: evolution.FailureRecord{
			Type:        evolution.FailureTest,
			Message:     "FAILED tests/test_main.py::test_goodbye",
			FailingTest: "tests/test_main.py::test_goodbye",
		},
		File: "main.py",
		Workspace: project.New("/proj", map[string]string{
			"main.py":            original,
			"app.py":             "import main\n",
			"tests/test_main.py": "from main import goodbye\n",
		}),
	}
}

func TestResolve_SucceedsAfterRetry(t *testing.T) {
	o := oracletest.New().On(MarkerResolveIssue,
		oracletest.Text("```python\ndef hello():\n    pass\n```"),
		oracletest.Text(`{"analysis":"goodbye was missing","content":"def hello():\n    pass\n\ndef goodbye():\n    print('Goodbye World')\n","ripple":["./docs/usage.md"]}`),
	)
	v := &verifier{want: "Goodbye World"}
	op := New(o, v, Options{Logger: zaptest.NewLogger(t)})

	res := op.Resolve(context.Background(), request(t))
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Verified)
	assert.True(t, res.Attempts[1].Verified)
	assert.Equal(t, "goodbye was missing", res.Attempts[1].Analysis)
	assert.Contains(t, res.Proposed, "def goodbye")
	assert.Contains(t, res.Diff, "+def goodbye():")
	assert.Equal(t, original, res.Original)
	assert.Equal(t, []string{"app.py", "docs/usage.md", "tests/test_main.py"}, res.Ripple)

	// syntax check then the failing test, per attempt
	require.Len(t, v.cmds, 4)
	assert.Equal(t, []string{"-m", "py_compile", "main.py"}, v.cmds[0].Args)
	assert.Equal(t, []string{"-m", "pytest", "-q", "tests/test_main.py::test_goodbye"}, v.cmds[1].Args)

	calls := o.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Prompt, "Attempt 1 failed verification")
	assert.Contains(t, calls[1].Prompt, "Files depending on main.py: app.py, tests/test_main.py")
}

func TestResolve_ReportsImportsAndCycles(t *testing.T) {
	req := request(t)
	req.Workspace = project.New("/proj", map[string]string{
		"main.py":   "import helper\n\n" + original,
		"helper.py": "import main\n",
		"app.py":    "import main\n",
	})
	o := oracletest.New().On(MarkerResolveIssue, oracletest.Text("```python\nprint('still wrong')\n```"))
	op := New(o, &verifier{want: "Goodbye World"}, Options{MaxIterations: 1})

	res := op.Resolve(context.Background(), req)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"app.py", "helper.py"}, res.Ripple)
	assert.Equal(t, []string{"helper.py"}, res.Imports)
	assert.Equal(t, []string{"helper.py", "main.py"}, res.Cycle)

	calls := o.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "Files imported by main.py: helper.py")
	assert.Contains(t, calls[0].Prompt, "Files importing main.py directly: app.py, helper.py")
	assert.Contains(t, calls[0].Prompt, "Files in an import cycle: helper.py, main.py")
}

func TestResolve_NeverSucceedsWithoutPassingVerification(t *testing.T) {
	o := oracletest.New().On(MarkerResolveIssue, oracletest.Text("```python\nprint('still wrong')\n```"))
	v := &verifier{want: "Goodbye World"}
	op := New(o, v, Options{MaxIterations: 3})

	res := op.Resolve(context.Background(), request(t))
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, res.Attempts, 3)
	assert.Equal(t, "print('still wrong')\n", res.Proposed, "last attempt is returned")
	assert.Equal(t, "verification failed", res.Reason)
}

func TestResolve_TimeoutIsFailedVerification(t *testing.T) {
	o := oracletest.New().On(MarkerResolveIssue, oracletest.Text(`{"content":"def goodbye():\n    print('Goodbye World')\n"}`))
	timeout := sandbox.ExecutorFunc(func(context.Context, *project.Snapshot, sandbox.Command) sandbox.Result {
		return sandbox.Result{TimedOut: true, Err: sandbox.ErrTimeout, ExitCode: -1}
	})
	op := New(o, timeout, Options{MaxIterations: 1})

	res := op.Resolve(context.Background(), request(t))
	assert.False(t, res.Success)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "sandbox run timed out", res.Attempts[0].Output)
}

func TestResolve_UnverifiableLanguage(t *testing.T) {
	req := request(t)
	req.File = "README.md"
	req.Failure.FailingTest = ""
	o := oracletest.New().On(MarkerResolveIssue, oracletest.Text("```\n# Hello\n```"))
	ran := false
	ex := sandbox.ExecutorFunc(func(context.Context, *project.Snapshot, sandbox.Command) sandbox.Result {
		ran = true
		return sandbox.Result{Success: true}
	})
	op := New(o, ex, Options{MaxIterations: 2})

	res := op.Resolve(context.Background(), req)
	assert.False(t, res.Success)
	assert.False(t, ran)
	assert.Equal(t, "no verification available for README.md", res.Reason)
}

func TestResolve_OracleFailureIsStubAttempt(t *testing.T) {
	o := oracletest.New().On(MarkerResolveIssue, oracletest.Fail(errors.New("rate limited")))
	v := &verifier{want: "Goodbye"}
	op := New(o, v, Options{MaxIterations: 2})

	res := op.Resolve(context.Background(), request(t))
	assert.False(t, res.Success)
	assert.Equal(t, 2, res.Iterations)
	for _, a := range res.Attempts {
		assert.True(t, a.Stub)
		assert.False(t, a.Verified)
	}
	assert.Equal(t, original, res.Proposed)
	assert.Empty(t, v.cmds, "stub attempts are not verified")
}

func TestResolve_NoFileAndCancelled(t *testing.T) {
	op := New(oracletest.New(), &verifier{}, Options{})

	req := request(t)
	req.File = ""
	res := op.Resolve(context.Background(), req)
	assert.False(t, res.Success)
	assert.Equal(t, "no implicated file", res.Reason)
	assert.NotNil(t, res.Attempts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = op.Resolve(ctx, request(t))
	assert.False(t, res.Success)
	assert.Zero(t, res.Iterations)
	assert.Contains(t, res.Reason, "cancelled")
}
