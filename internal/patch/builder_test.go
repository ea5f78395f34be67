package patch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
	"github.com/fyrsmithlabs/evolvd/internal/oracle/oracletest"
)

func objective(t *testing.T, task string) *evolution.Objective {
	t.Helper()
	obj, err := evolution.NewObjective(evolution.ObjectiveSpec{
		Task:        task,
		ProjectRoot: t.TempDir(),
		Constraints: []string{"keep the public API"},
	})
	require.NoError(t, err)
	return obj
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		variant string
		files   []string
	}{
		{
			name:    "strict object",
			reply:   `{"steps":[{"file":"a.py","action":"modify","what":"x"}]}`,
			variant: "json",
			files:   []string{"a.py"},
		},
		{
			name:    "strict array",
			reply:   `[{"path":"./b.py","action":"CREATE","what":"y"}]`,
			variant: "json",
			files:   []string{"b.py"},
		},
		{
			name:    "embedded in prose",
			reply:   "Sure! Here is the plan: {\"steps\":[{\"file\":\"c.py\",\"action\":\"delete\",\"what\":\"z\"}]} Let me know.",
			variant: "embedded_json",
			files:   []string{"c.py"},
		},
		{
			name:    "stray braces skipped",
			reply:   "Use {} sparingly. {\"steps\":[{\"file\":\"d.py\",\"action\":\"modify\",\"what\":\"w\"}]}",
			variant: "embedded_json",
			files:   []string{"d.py"},
		},
		{
			name:    "fenced malformed json",
			reply:   "```json\n[{\"file\":\"e.py\",\"action\":\"modify\",\"what\":\"v\"}\n```",
			variant: "fenced",
		},
		{
			name:    "key prefixed",
			reply:   "FILE: f.py\nACTION: modify\nWHAT: add goodbye\nFILE: g.py\nACTION: create\nWHAT: new module\nHOW: write it",
			variant: "key_prefixed",
			files:   []string{"f.py", "g.py"},
		},
		{
			name:    "unparseable",
			reply:   "I cannot help with that.",
			variant: "unparseable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, variant := ParsePlan(tt.reply)
			assert.Equal(t, tt.variant, variant)
			var files []string
			for _, s := range steps {
				files = append(files, s.File)
			}
			assert.Equal(t, tt.files, files)
		})
	}
}

func TestParsePlan_NormalizesFields(t *testing.T) {
	steps, _ := ParsePlan(`{"steps":[{"file":" a.py ","action":" Modify ","what":" add x ","how":" carefully "}]}`)
	require.Len(t, steps, 1)
	assert.Equal(t, evolution.ModificationStep{
		File:   "a.py",
		Action: evolution.ActionModify,
		What:   "add x",
		How:    "carefully",
	}, steps[0])
}

func TestParseContent(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    string
		variant string
		ok      bool
	}{
		{"json content", `{"content":"x = 1\n"}`, "x = 1\n", "json", true},
		{"json modified", `{"modified":""}`, "", "json", true},
		{"fenced", "Here you go:\n```python\ndef f():\n    return {}\n```\n", "def f():\n    return {}\n", "fenced", true},
		{"key prefixed", "FILE: a.py\nCONTENT: x = 1\ny = 2\n", "x = 1\ny = 2", "key_prefixed", true},
		{"key prefixed without content", "FILE: a.py\n", "", "key_prefixed", false},
		{"prose", "no code here", "", "unparseable", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, variant, ok := ParseContent(tt.reply)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.variant, variant)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDraftPlan(t *testing.T) {
	o := oracletest.New(oracletest.Text(`{"steps":[{"file":"hello.py","action":"modify","what":"add goodbye"}]}`))
	b := NewBuilder(o, zaptest.NewLogger(t))
	obj := objective(t, "add goodbye to hello.py")

	plan := b.DraftPlan(context.Background(), obj, []string{"hello.py"}, "[hello.py] def hello(): ...")

	require.Len(t, plan.Steps, 1)
	assert.False(t, plan.Stub)
	assert.False(t, plan.Valid)
	assert.Equal(t, 0, plan.Iterations)

	calls := o.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, MarkerDraftPlan)
	assert.Contains(t, calls[0].Prompt, "- hello.py")
	assert.Contains(t, calls[0].Prompt, "Relevant context:")
	assert.Equal(t, []string{"keep the public API"}, calls[0].Constraints)
}

func TestDraftPlan_Stub(t *testing.T) {
	obj := objective(t, "add a goodbye function to `hello.py`")

	t.Run("oracle error", func(t *testing.T) {
		b := NewBuilder(oracle.Unavailable{}, nil)
		plan := b.DraftPlan(context.Background(), obj, []string{"hello.py"}, "")
		require.Len(t, plan.Steps, 1)
		assert.True(t, plan.Stub)
		assert.True(t, plan.Steps[0].Stub)
		assert.Equal(t, "hello.py", plan.Steps[0].File)
		assert.Equal(t, evolution.ActionModify, plan.Steps[0].Action)
	})

	t.Run("unparseable reply", func(t *testing.T) {
		b := NewBuilder(oracletest.New(oracletest.Text("hmm")), nil)
		plan := b.DraftPlan(context.Background(), obj, nil, "")
		require.Len(t, plan.Steps, 1)
		assert.Equal(t, StubFile, plan.Steps[0].File)
		assert.Equal(t, evolution.ActionCreate, plan.Steps[0].Action)
	})

	t.Run("timeout", func(t *testing.T) {
		b := NewBuilder(oracletest.New(oracletest.Fail(oracle.ErrTimeout)), nil)
		plan := b.DraftPlan(context.Background(), obj, []string{"README.md"}, "")
		assert.True(t, plan.Stub)
		assert.Equal(t, StubFile, plan.Steps[0].File)
		assert.Equal(t, evolution.ActionModify, plan.Steps[0].Action)
	})
}

func TestBuildChange(t *testing.T) {
	obj := objective(t, "add goodbye")
	step := evolution.ModificationStep{File: "hello.py", Action: evolution.ActionModify, What: "add goodbye"}
	original := "def hello():\n    print('Hello')\n"

	t.Run("fenced reply", func(t *testing.T) {
		o := oracletest.New(oracletest.Text("```python\ndef hello():\n    print('Hello')\n\ndef goodbye():\n    print('Goodbye World')\n```"))
		change := NewBuilder(o, zaptest.NewLogger(t)).BuildChange(context.Background(), obj, step, original, "")

		assert.False(t, change.Stub)
		assert.Equal(t, original, change.Original)
		assert.Contains(t, change.Modified, "def goodbye():")
		assert.True(t, change.Changed())
		assert.Contains(t, o.Calls()[0].Prompt, MarkerBuildChange)
	})

	t.Run("missing trailing newline restored", func(t *testing.T) {
		o := oracletest.New(oracletest.Text(`{"content":"x = 2"}`))
		change := NewBuilder(o, nil).BuildChange(context.Background(), obj, step, "x = 1\n", "")
		assert.Equal(t, "x = 2\n", change.Modified)
	})

	t.Run("stub on error", func(t *testing.T) {
		o := oracletest.New(oracletest.Fail(errors.New("rate limited")))
		change := NewBuilder(o, nil).BuildChange(context.Background(), obj, step, original, "")
		assert.True(t, change.Stub)
		assert.Equal(t, original, change.Modified)
		assert.False(t, change.Changed())
	})

	t.Run("stub on unparseable", func(t *testing.T) {
		o := oracletest.New(oracletest.Text("I would add a function."))
		change := NewBuilder(o, nil).BuildChange(context.Background(), obj, step, original, "")
		assert.True(t, change.Stub)
		assert.Equal(t, original, change.Modified)
	})

	t.Run("delete skips oracle", func(t *testing.T) {
		o := oracletest.New()
		del := evolution.ModificationStep{File: "old.py", Action: evolution.ActionDelete, What: "remove"}
		change := NewBuilder(o, nil).BuildChange(context.Background(), obj, del, "x\n", "")
		assert.Equal(t, "", change.Modified)
		assert.True(t, change.Changed())
		assert.Empty(t, o.Calls())
	})
}

func TestFileHints(t *testing.T) {
	hints := FileHints("update `src/app.py` and 'README.md', then app.py again; ignore ../etc/passwd.txt")
	assert.Equal(t, []string{"src/app.py", "README.md", "app.py"}, hints)
}
