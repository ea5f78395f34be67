package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

// fakeRunner answers with an approved result unless err is set. When gate
// is non-nil Run blocks until it is closed.
type fakeRunner struct {
	mu    sync.Mutex
	reqs  []orchestrator.Request
	gate  chan struct{}
	err   error
	track func(orchestrator.Progress)
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()

	if f.track != nil {
		f.track(orchestrator.Progress{ObjectiveID: req.Objective.ID, From: orchestrator.StateAnalyze, To: orchestrator.StatePlan, Message: "scanned 1 file(s)"})
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return result(req.Objective.ID, orchestrator.StateAborted), nil
		}
	}
	if f.err != nil {
		return result(req.Objective.ID, orchestrator.StateRejected), f.err
	}
	return result(req.Objective.ID, orchestrator.StateApproved), nil
}

func (f *fakeRunner) Resume(_ context.Context, id string) (*orchestrator.Result, error) {
	if f.err != nil {
		return result(id, orchestrator.StateRejected), f.err
	}
	return result(id, orchestrator.StateApproved), nil
}

func result(id string, state orchestrator.State) *orchestrator.Result {
	return &orchestrator.Result{
		ObjectiveID: id,
		State:       state,
		Decision:    evolution.Decision{Outcome: state.Outcome(), Reasons: []string{}},
		Plan:        &evolution.Plan{Steps: []evolution.ModificationStep{}},
		Patch:       &evolution.Patch{Changes: []evolution.FileChange{}},
		Reports:     []*evolution.ValidationReport{},
		Trajectory:  []evolution.ReasoningStep{},
	}
}

func setupTestServer(t *testing.T, runner Runner, runs store.Store) *Server {
	t.Helper()
	server, err := NewServer(runner, runs, zap.NewNop(), &Config{Host: "localhost", Port: 0, Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	return server
}

func do(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(&fakeRunner{}, nil, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8420, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&fakeRunner{}, nil, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when runner is nil", func(t *testing.T) {
		_, err := NewServer(nil, nil, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "runner cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server := setupTestServer(t, &fakeRunner{}, nil)

	rec := do(t, server, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	server := setupTestServer(t, &fakeRunner{}, nil)

	rec := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCreateRun(t *testing.T) {
	t.Run("runs synchronously", func(t *testing.T) {
		runner := &fakeRunner{}
		server := setupTestServer(t, runner, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{
			ID:          "obj-1",
			Task:        "add a goodbye function",
			ProjectRoot: "/tmp/project",
			Steps:       []evolution.ModificationStep{{File: "main.py", Action: evolution.ActionModify, What: "add goodbye"}},
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var res orchestrator.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "obj-1", res.ObjectiveID)
		assert.Equal(t, evolution.OutcomeApproved, res.Decision.Outcome)

		require.Len(t, runner.reqs, 1)
		assert.Equal(t, "add a goodbye function", runner.reqs[0].Objective.Task)
		assert.Len(t, runner.reqs[0].Steps, 1)
	})

	t.Run("assigns an id", func(t *testing.T) {
		runner := &fakeRunner{}
		server := setupTestServer(t, runner, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{Task: "t", ProjectRoot: "/tmp/project"})
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, runner.reqs, 1)
		assert.NotEmpty(t, runner.reqs[0].Objective.ID)
	})

	t.Run("requires task and project root", func(t *testing.T) {
		server := setupTestServer(t, &fakeRunner{}, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{ProjectRoot: "/tmp"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "task field is required")

		rec = do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{Task: "t"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "project_root field is required")
	})

	t.Run("handles invalid json", func(t *testing.T) {
		server := setupTestServer(t, &fakeRunner{}, nil)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", bytes.NewReader([]byte("invalid json")))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps invalid objectives to 400", func(t *testing.T) {
		runner := &fakeRunner{err: fmt.Errorf("%w: %w", orchestrator.ErrInvalidObjective, evolution.ErrEmptyTask)}
		server := setupTestServer(t, runner, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{Task: " ", ProjectRoot: "/tmp"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "objective task is required")
	})

	t.Run("returns the result when persistence fails", func(t *testing.T) {
		runner := &fakeRunner{err: fmt.Errorf("%w: disk full", orchestrator.ErrPersistence)}
		server := setupTestServer(t, runner, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{ID: "obj-p", Task: "t", ProjectRoot: "/tmp"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		var res orchestrator.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "obj-p", res.ObjectiveID)
	})
}

func TestCreateRun_Async(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	server := setupTestServer(t, runner, nil)
	runner.track = server.Track

	rec := do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{ID: "obj-a", Task: "t", ProjectRoot: "/tmp", Async: true})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted AcceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, "obj-a", accepted.ObjectiveID)

	require.Eventually(t, func() bool {
		rec := do(t, server, http.MethodGet, "/api/v1/runs/obj-a", nil)
		if rec.Code != http.StatusAccepted {
			return false
		}
		var run ActiveRun
		return json.Unmarshal(rec.Body.Bytes(), &run) == nil && run.State == orchestrator.StatePlan
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{ID: "obj-a", Task: "t", ProjectRoot: "/tmp"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/runs", nil)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Active, 1)
	assert.Equal(t, "obj-a", list.Active[0].ObjectiveID)

	close(runner.gate)
	require.Eventually(t, func() bool {
		return do(t, server, http.MethodGet, "/api/v1/runs/obj-a", nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(t, server, http.MethodGet, "/api/v1/runs", nil)
	list = ListResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Empty(t, list.Active)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, evolution.OutcomeApproved, list.Runs[0].Outcome)
}

func TestShutdown_CancelsAsyncRuns(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	server, err := NewServer(runner, nil, zap.NewNop(), nil)
	require.NoError(t, err)

	rec := do(t, server, http.MethodPost, "/api/v1/runs", RunRequest{ID: "obj-s", Task: "t", ProjectRoot: "/tmp", Async: true})
	require.Equal(t, http.StatusAccepted, rec.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Empty(t, server.active)
	require.Contains(t, server.finished, "obj-s")
	assert.Equal(t, orchestrator.StateAborted, server.finished["obj-s"].State)
}

func TestGetRun_FromStore(t *testing.T) {
	runs, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = runs.Close() })

	ctx := context.Background()
	require.NoError(t, runs.Save(ctx, &store.Record{
		ObjectiveID: "done",
		Objective:   evolution.ObjectiveSpec{ID: "done", Task: "finished task", ProjectRoot: "/tmp"},
		State:       string(orchestrator.StateEscalated),
		Decision:    &evolution.Decision{Outcome: evolution.OutcomeEscalated, Reasons: []string{"retry cap reached"}},
		Cycles:      3,
	}))
	require.NoError(t, runs.Save(ctx, &store.Record{
		ObjectiveID: "pending",
		Objective:   evolution.ObjectiveSpec{ID: "pending", Task: "pending task", ProjectRoot: "/tmp"},
		State:       string(orchestrator.StateApply),
	}))

	server := setupTestServer(t, &fakeRunner{}, runs)

	rec := do(t, server, http.MethodGet, "/api/v1/runs/done", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res orchestrator.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, orchestrator.StateEscalated, res.State)
	assert.Equal(t, []string{"retry cap reached"}, res.Decision.Reasons)

	rec = do(t, server, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodGet, "/api/v1/runs", nil)
	var list ListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Runs, 2)

	rec = do(t, server, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, OutcomeCounts{Escalated: 1, InProgress: 1}, status.Counts)
	assert.Equal(t, "ok", status.Services["store"])
}

func TestResumeRun(t *testing.T) {
	t.Run("resumes", func(t *testing.T) {
		server := setupTestServer(t, &fakeRunner{}, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs/obj-r/resume", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var res orchestrator.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.Equal(t, "obj-r", res.ObjectiveID)
	})

	t.Run("unknown run", func(t *testing.T) {
		runner := &fakeRunner{err: fmt.Errorf("%w: %w", orchestrator.ErrInvalidObjective, store.ErrNotFound)}
		server := setupTestServer(t, runner, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs/obj-r/resume", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("no store", func(t *testing.T) {
		server := setupTestServer(t, &fakeRunner{err: orchestrator.ErrNoCheckpoint}, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs/obj-r/resume", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "no checkpoint store configured")
	})

	t.Run("unexpected error", func(t *testing.T) {
		server := setupTestServer(t, &fakeRunner{err: errors.New("boom")}, nil)

		rec := do(t, server, http.MethodPost, "/api/v1/runs/obj-r/resume", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestCountOutcomes_NilStore(t *testing.T) {
	_, ok := CountOutcomes(context.Background(), nil)
	assert.False(t, ok)
}
