package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
)

func failing(gates map[string]evolution.GateResult) *evolution.ValidationReport {
	r := evolution.NewReport()
	for name, g := range gates {
		r.AddGate(name, g)
	}
	return r
}

func issues(gate string, lines ...string) *evolution.ValidationReport {
	return failing(map[string]evolution.GateResult{gate: {Passed: false, Issues: lines}})
}

func TestClassify(t *testing.T) {
	c := New(nil)

	tests := []struct {
		name   string
		report *evolution.ValidationReport
		want   evolution.FailureType
	}{
		{"python syntax", issues("syntax", `main.py: SyntaxError: invalid syntax`), evolution.FailureSyntax},
		{"go parse error", issues("format", "main.go:3:1: expected declaration, found x"), evolution.FailureSyntax},
		{"syntax gate without marker", issues("syntax", "exit status 1"), evolution.FailureSyntax},
		{"import", issues("test", "ModuleNotFoundError: No module named 'requests'"), evolution.FailureImport},
		{"attribute", issues("type-check", `app.py:4: error: "Foo" has no attribute "bar"`), evolution.FailureAttribute},
		{"go undefined", issues("vet", "./main.go:5:2: undefined: goodbye"), evolution.FailureAttribute},
		{"pytest failure", issues("test", "FAILED tests/test_app.py::test_goodbye - assert 1 == 2"), evolution.FailureTest},
		{"go test failure", issues("test", "--- FAIL: TestGoodbye (0.00s)"), evolution.FailureTest},
		{"performance", issues("benchmark", "performance regression: p99 latency up 40%"), evolution.FailurePerformance},
		{"secret finding", issues("security-scan", "app.py: line 2: AWS Access Key (aws-access-key-id, high)"), evolution.FailureSecurity},
		{"vulnerable dependency", issues("dependency-audit", "requests 2.0.0 PYSEC-2023-74"), evolution.FailureSecurity},
		{"unknown", issues("lint", "something odd happened"), evolution.FailureUnknown},
		{"passing report", evolution.NewReport(), evolution.FailureUnknown},
		{"nil report", nil, evolution.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.report))
		})
	}
}

func TestClassify_Priority(t *testing.T) {
	c := New(nil)

	report := failing(map[string]evolution.GateResult{
		"test":   {Issues: []string{"FAILED tests/test_app.py::test_main"}},
		"syntax": {Issues: []string{"app.py: SyntaxError: invalid syntax"}},
	})
	assert.Equal(t, evolution.FailureSyntax, c.Classify(report))

	mixed := issues("test",
		"--- FAIL: TestMain",
		"secret leaked in fixture",
		"NameError: name 'goodbye' is not defined",
	)
	assert.Equal(t, evolution.FailureAttribute, c.Classify(mixed))
}

func TestClassify_IgnoresPassingGates(t *testing.T) {
	c := New(nil)
	report := failing(map[string]evolution.GateResult{
		"lint": {Passed: true, Issues: []string{"app.py:1: SyntaxError reported by linter"}},
		"test": {Issues: []string{"1 failed, 3 passed"}},
	})
	assert.Equal(t, evolution.FailureTest, c.Classify(report))
}

func TestClassify_Deterministic(t *testing.T) {
	c := New(nil)
	report := failing(map[string]evolution.GateResult{
		"test":      {Issues: []string{"--- FAIL: TestA"}},
		"benchmark": {Issues: []string{"too slow"}},
		"vet":       {Issues: []string{"ImportError"}},
	})
	first := c.Classify(report)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, c.Classify(report))
	}
	assert.Equal(t, evolution.FailureImport, first)
}

func TestClassify_RawOutput(t *testing.T) {
	c := New(nil)
	report := failing(map[string]evolution.GateResult{
		"test": {Issues: []string{"test exited with code 1"}, RawOutput: "collected 2 items\nE   AssertionError: expected Goodbye"},
	})
	assert.Equal(t, evolution.FailureTest, c.Classify(report))
}

func TestClassify_CustomRules(t *testing.T) {
	c := New([]Rule{{Type: evolution.FailurePerformance, Gates: []string{"load"}}})
	assert.Equal(t, evolution.FailurePerformance, c.Classify(issues("load", "p95 1200ms")))
	assert.Equal(t, evolution.FailureUnknown, c.Classify(issues("syntax", "SyntaxError")))
}

func TestToFailureRecord(t *testing.T) {
	c := New(nil)

	t.Run("pytest failure", func(t *testing.T) {
		report := failing(map[string]evolution.GateResult{
			"test": {
				Issues:    []string{"app.py: FAILED tests/test_app.py::test_goodbye - AssertionError"},
				RawOutput: "[app.py] ____ test_goodbye ____\nE   AssertionError",
			},
		})
		rec := c.ToFailureRecord(report)
		assert.Equal(t, evolution.FailureTest, rec.Type)
		assert.Equal(t, "app.py: FAILED tests/test_app.py::test_goodbye - AssertionError", rec.Message)
		assert.Equal(t, "tests/test_app.py::test_goodbye", rec.FailingTest)
		assert.Equal(t, "app.py", rec.File)
		assert.Contains(t, rec.Traceback, "test_goodbye")
	})

	t.Run("python traceback frame wins", func(t *testing.T) {
		report := issues("test",
			"test exited with code 1",
			`  File "/usr/lib/python3/site-packages/x.py", line 3`,
			`  File "pkg/app.py", line 12, in main`,
			"NameError: name 'goodbye' is not defined",
		)
		rec := c.ToFailureRecord(report)
		assert.Equal(t, evolution.FailureAttribute, rec.Type)
		assert.Equal(t, "NameError: name 'goodbye' is not defined", rec.Message)
		assert.Equal(t, "pkg/app.py", rec.File)
	})

	t.Run("go vet output", func(t *testing.T) {
		rec := c.ToFailureRecord(issues("vet", "./cmd/main.go:5:2: undefined: goodbye"))
		assert.Equal(t, "cmd/main.go", rec.File)
		assert.Empty(t, rec.FailingTest)
	})

	t.Run("go test id", func(t *testing.T) {
		rec := c.ToFailureRecord(issues("test", "--- FAIL: TestGoodbye (0.01s)"))
		assert.Equal(t, "TestGoodbye", rec.FailingTest)
	})

	t.Run("gate hit without matching line", func(t *testing.T) {
		rec := c.ToFailureRecord(issues("syntax"))
		assert.Equal(t, evolution.FailureSyntax, rec.Type)
		assert.Equal(t, "syntax gate failed", rec.Message)
	})

	t.Run("traceback is truncated", func(t *testing.T) {
		big := make([]byte, maxTraceback+100)
		for i := range big {
			big[i] = 'x'
		}
		report := failing(map[string]evolution.GateResult{"test": {RawOutput: string(big)}})
		rec := c.ToFailureRecord(report)
		assert.LessOrEqual(t, len(rec.Traceback), maxTraceback+len("\n... (truncated)"))
		assert.Contains(t, rec.Traceback, "(truncated)")
	})
}

func TestPlanRetry(t *testing.T) {
	tests := []struct {
		in    evolution.FailureType
		want  Strategy
		retry bool
		route Route
	}{
		{evolution.FailureSyntax, StrategyAutoFixSyntax, true, RouteResolve},
		{evolution.FailureImport, StrategyAutoFixSyntax, true, RouteResolve},
		{evolution.FailureAttribute, StrategyAutoFixSyntax, true, RouteResolve},
		{evolution.FailureTest, StrategyFixTestLogic, true, RouteResolve},
		{evolution.FailurePerformance, StrategyReplanPerformance, true, RouteReplan},
		{evolution.FailureSecurity, StrategyHumanEscalation, false, RouteEscalate},
		{evolution.FailureUnknown, StrategyManualReview, false, RouteEscalate},
		{evolution.FailureType("bogus"), StrategyManualReview, false, RouteEscalate},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			got := PlanRetry(tt.in)
			assert.Equal(t, tt.want, got.Strategy)
			assert.Equal(t, tt.retry, got.AutoRetry)
			assert.Equal(t, tt.route, got.Route)
		})
	}
}
