package guardrail

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	syntaxFail := SyntaxResult{Checked: true, Passed: false, Issues: []string{"app.py: SyntaxError"}}

	tests := []struct {
		name    string
		in      Inputs
		want    Level
		reasons int
	}{
		{"clean", Inputs{Syntax: SyntaxResult{Checked: true, Passed: true}}, Continue, 0},
		{"nothing checked", Inputs{}, Continue, 0},
		{"syntax failure blocks", Inputs{Syntax: syntaxFail}, Block, 1},
		{"vulnerability warns", Inputs{Dependencies: []string{"requests 2.0.0 PYSEC-2023-74"}}, Warn, 1},
		{"clean audit line", Inputs{Dependencies: []string{"No known vulnerabilities found"}}, Continue, 0},
		{"dependency noise", Inputs{Dependencies: []string{"pip-audit skipped"}}, Continue, 0},
		{"lint at threshold", Inputs{Static: StaticSummary{LintIssues: 10}}, Continue, 0},
		{"lint over threshold", Inputs{Static: StaticSummary{LintIssues: 11}}, Warn, 1},
		{"negative review", Inputs{Review: "This is broken, do not merge."}, Warn, 1},
		{"positive review", Inputs{Review: "LGTM, nice change."}, Continue, 0},
		{"negated bug marker", Inputs{Review: "Looks good, no bugs found."}, Continue, 0},
		{"negated breakage", Inputs{Review: "Nothing is broken and I don't see anything wrong."}, Continue, 0},
		{"negation in another clause", Inputs{Review: "No tests were added. The loop is broken."}, Warn, 1},
		{"negated then negative", Inputs{Review: "No bugs in the parser, but the cli change is unsafe."}, Warn, 1},
		{
			"syntax block survives every warn",
			Inputs{
				Syntax:       syntaxFail,
				Dependencies: []string{"CVE-2024-12345 in libfoo"},
				Static:       StaticSummary{LintIssues: 50},
				Review:       "needs work",
			},
			Block, 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.in)
			assert.Equal(t, tt.want, v.Level)
			assert.Len(t, v.Reasons, tt.reasons)
			if v.Level == Continue {
				assert.NotNil(t, v.Reasons)
				assert.Empty(t, v.Reasons)
			}
		})
	}
}

func TestEvaluate_ReasonOrder(t *testing.T) {
	v := Evaluate(Inputs{
		Syntax:       SyntaxResult{Checked: true},
		Dependencies: []string{"GHSA-abcd-efgh-ijkl"},
		Static:       StaticSummary{LintIssues: 12},
	})
	require.Len(t, v.Reasons, 3)
	assert.Equal(t, "syntax verification failed", v.Reasons[0])
	assert.Contains(t, v.Reasons[1], "GHSA-abcd-efgh-ijkl")
	assert.Equal(t, "lint issue count 12 exceeds threshold 10", v.Reasons[2])
}

func TestEngine_Threshold(t *testing.T) {
	in := Inputs{Static: StaticSummary{LintIssues: 3}}
	assert.Equal(t, Warn, NewEngine(2).Evaluate(in).Level)
	assert.Equal(t, Continue, NewEngine(0).Evaluate(in).Level)
}

type blockRule struct{}

func (blockRule) Name() string                   { return "custom" }
func (blockRule) Check(Inputs) (Level, []string) { return Block, nil }

func TestEngine_ExtraRule(t *testing.T) {
	v := NewEngine(0, blockRule{}).Evaluate(Inputs{Review: "wrong approach"})
	assert.Equal(t, Block, v.Level)
	assert.Equal(t, []string{`review feedback is negative ("wrong")`, "custom rule fired"}, v.Reasons)
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := Inputs{
		Dependencies: []string{"CVE-2023-0001", "GO-2024-2687"},
		Static:       StaticSummary{LintIssues: 40},
		Review:       "bugs everywhere",
	}
	first := Evaluate(in)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Evaluate(in))
	}
}

func TestLevel_JSON(t *testing.T) {
	data, err := json.Marshal(Verdict{Level: Warn, Reasons: []string{"x"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"level":"WARN","reasons":["x"]}`, string(data))

	var v Verdict
	require.NoError(t, json.Unmarshal([]byte(`{"level":"block","reasons":[]}`), &v))
	assert.Equal(t, Block, v.Level)

	assert.Error(t, json.Unmarshal([]byte(`{"level":"maybe"}`), &v))
	assert.Equal(t, "Level(7)", Level(7).String())
}
