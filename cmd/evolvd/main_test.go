package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/evolvd/internal/config"
	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/oracle"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

func TestLoggingConfig(t *testing.T) {
	t.Run("maps observability settings", func(t *testing.T) {
		cfg, err := loggingConfig(config.ObservabilityConfig{
			LogLevel:    "debug",
			LogFormat:   "console",
			ServiceName: "evolvd-ci",
		}, "")
		require.NoError(t, err)

		assert.Equal(t, zapcore.DebugLevel, cfg.Level)
		assert.Equal(t, "console", cfg.Format)
		assert.False(t, cfg.Output.OTEL)
		assert.Equal(t, "evolvd-ci", cfg.Fields["service"])
	})

	t.Run("override wins", func(t *testing.T) {
		cfg, err := loggingConfig(config.ObservabilityConfig{LogLevel: "debug"}, "error")
		require.NoError(t, err)
		assert.Equal(t, zapcore.ErrorLevel, cfg.Level)
	})

	t.Run("telemetry enables otel output", func(t *testing.T) {
		cfg, err := loggingConfig(config.ObservabilityConfig{EnableTelemetry: true}, "")
		require.NoError(t, err)
		assert.True(t, cfg.Output.OTEL)
	})

	t.Run("rejects unknown level", func(t *testing.T) {
		_, err := loggingConfig(config.ObservabilityConfig{LogLevel: "loud"}, "")
		assert.Error(t, err)
	})

	t.Run("rejects unknown format", func(t *testing.T) {
		_, err := loggingConfig(config.ObservabilityConfig{LogFormat: "xml"}, "")
		assert.Error(t, err)
	})
}

func TestNewOracle(t *testing.T) {
	o, err := newOracle(config.OracleConfig{Provider: "none"})
	require.NoError(t, err)
	assert.IsType(t, oracle.Unavailable{}, o)

	o, err = newOracle(config.OracleConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.IsType(t, &oracle.LLM{}, o)

	_, err = newOracle(config.OracleConfig{Provider: "carrier-pigeon"})
	assert.ErrorContains(t, err, "carrier-pigeon")
}

func TestNewEncoder(t *testing.T) {
	cfg := config.Default()
	cfg.Retrieval.Enabled = false
	enc, err := newEncoder(cfg)
	require.NoError(t, err)
	assert.Nil(t, enc)

	cfg.Retrieval.Enabled = true
	cfg.Oracle.Provider = "none"
	enc, err = newEncoder(cfg)
	require.NoError(t, err)
	assert.Nil(t, enc)
}

func TestReadSteps(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "steps.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"file":"main.py","action":"modify","what":"add goodbye()"}]`), 0o600))
	steps, err := readSteps(good)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "main.py", steps[0].File)
	assert.Equal(t, evolution.Action("modify"), steps[0].Action)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o600))
	_, err = readSteps(empty)
	assert.ErrorContains(t, err, "is empty")

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))
	_, err = readSteps(bad)
	assert.ErrorContains(t, err, "parsing steps")

	_, err = readSteps(filepath.Join(dir, "missing.json"))
	assert.ErrorContains(t, err, "reading steps")
}

func TestFormatResult(t *testing.T) {
	res := &orchestrator.Result{
		ObjectiveID: "obj-1",
		State:       orchestrator.StateRejected,
		Decision: evolution.Decision{
			Outcome: evolution.OutcomeRejected,
			Reasons: []string{"patch produced no changes"},
		},
		Trajectory: []evolution.ReasoningStep{
			{Name: "ANALYZE", Description: "ANALYZE -> PLAN: scanned 1 file(s)", Success: true},
			{Name: "APPLY", Description: "APPLY -> DECIDE: empty patch", Success: false},
		},
		Patch: &evolution.Patch{Diff: "--- a/main.py\n+++ b/main.py\n"},
	}
	res.Budget.Used = 120
	res.Budget.Cap = 1000

	out := formatResult(res, true)
	assert.Contains(t, out, "Objective: obj-1")
	assert.Contains(t, out, "State:     REJECTED")
	assert.Contains(t, out, "Outcome:   rejected\n")
	assert.Contains(t, out, "Tokens:    120/1000")
	assert.Contains(t, out, "  - patch produced no changes")
	assert.Contains(t, out, "[ok] ANALYZE")
	assert.Contains(t, out, "[!!] APPLY")
	assert.Contains(t, out, "+++ b/main.py")

	assert.NotContains(t, formatResult(res, false), "Diff:")
}

func TestOutcomeError(t *testing.T) {
	assert.NoError(t, outcomeError(nil))
	assert.NoError(t, outcomeError(&orchestrator.Result{Decision: evolution.Decision{Outcome: evolution.OutcomeApproved}}))

	err := outcomeError(&orchestrator.Result{
		ObjectiveID: "obj-2",
		State:       orchestrator.StateEscalated,
		Decision:    evolution.Decision{Outcome: evolution.OutcomeEscalated},
	})
	assert.EqualError(t, err, "objective obj-2 ended ESCALATED")
}

func TestFormatRecords(t *testing.T) {
	assert.Equal(t, "No runs recorded.\n", formatRecords(nil))

	out := formatRecords([]*store.Record{
		{
			ObjectiveID: "obj-1",
			Objective:   evolution.ObjectiveSpec{Task: "add   a\ngoodbye function"},
			State:       "APPROVED",
			Decision:    &evolution.Decision{Outcome: evolution.OutcomeApproved},
			Cycles:      1,
		},
		{ObjectiveID: "obj-2", State: "APPLY"},
	})
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "approved")
	assert.Contains(t, lines[1], "add a goodbye function")
	assert.Contains(t, lines[2], "-")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestShow(t *testing.T) {
	runs, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	ctx := context.Background()
	require.NoError(t, runs.Save(ctx, &store.Record{
		ObjectiveID: "obj-1",
		Objective:   evolution.ObjectiveSpec{Task: "add goodbye", ProjectRoot: "/tmp/p"},
		State:       "APPROVED",
		Decision:    &evolution.Decision{Outcome: evolution.OutcomeApproved, Reasons: []string{}},
		Trajectory:  []evolution.ReasoningStep{{Name: "ANALYZE", Success: true, Timestamp: time.Now()}},
		Cycles:      0,
	}))

	newCmd := func() (*cobra.Command, *bytes.Buffer) {
		cmd := &cobra.Command{}
		var buf bytes.Buffer
		cmd.SetOut(&buf)
		cmd.SetContext(ctx)
		return cmd, &buf
	}

	t.Run("lists runs", func(t *testing.T) {
		cmd, buf := newCmd()
		require.NoError(t, show(cmd, runs, nil))
		assert.Contains(t, buf.String(), "obj-1")
		assert.Contains(t, buf.String(), "add goodbye")
	})

	t.Run("shows one run", func(t *testing.T) {
		cmd, buf := newCmd()
		require.NoError(t, show(cmd, runs, []string{"obj-1"}))
		assert.Contains(t, buf.String(), "State:     APPROVED")
		assert.Contains(t, buf.String(), "[ok] ANALYZE")
	})

	t.Run("unknown run", func(t *testing.T) {
		cmd, _ := newCmd()
		err := show(cmd, runs, []string{"nope"})
		assert.ErrorContains(t, err, "no run recorded for objective nope")
	})
}

func TestNewController_RunsWithoutOracle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("def hello():\n    return 'hi'\n"), 0o600))

	runs, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	cfg := config.Default()
	cfg.Oracle.Provider = "none"

	var transitions int
	c, err := newController(cfg, runs, nil, zaptest.NewLogger(t), appOptions{
		progress: func(orchestrator.Progress) { transitions++ },
	})
	require.NoError(t, err)

	res, err := c.Run(context.Background(), orchestrator.Request{
		Objective: evolution.ObjectiveSpec{ID: "obj-none", Task: "update main.py", ProjectRoot: root},
	})
	require.NoError(t, err)

	assert.Equal(t, orchestrator.StateRejected, res.State)
	assert.Equal(t, []string{"patch produced no changes"}, res.Decision.Reasons)
	assert.Equal(t, len(res.Trajectory), transitions)

	rec, err := runs.Load(context.Background(), "obj-none")
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", rec.State)
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "Version:    dev")
}
