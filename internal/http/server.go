// Package http provides the evolvd HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

// Runner drives objectives. *orchestrator.Controller implements it.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Resume(ctx context.Context, objectiveID string) (*orchestrator.Result, error)
}

// maxFinished bounds the in-memory results kept when no store is
// configured.
const maxFinished = 256

// Server provides HTTP endpoints for evolvd.
type Server struct {
	echo   *echo.Echo
	runner Runner
	store  store.Store
	logger *zap.Logger
	config *Config

	// base is cancelled on Shutdown and parents asynchronous runs.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*ActiveRun
	finished map[string]*orchestrator.Result
	order    []string
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string

	// Meter records request metrics. Nil selects the global provider.
	Meter metric.Meter
}

// NewServer creates a new HTTP server. runs may be nil; run lookups then
// see only runs started by this server.
func NewServer(runner Runner, runs store.Store, logger *zap.Logger, cfg *Config) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8420,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(cfg.Meter, logger).MetricsMiddleware())

	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:     e,
		runner:   runner,
		store:    runs,
		logger:   logger,
		config:   cfg,
		base:     base,
		cancel:   cancel,
		active:   make(map[string]*ActiveRun),
		finished: make(map[string]*orchestrator.Result),
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/resume", s.handleResumeRun)
}

// Track records controller progress for active runs. Wire it as the
// controller's progress callback.
func (s *Server) Track(p orchestrator.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.active[p.ObjectiveID]
	if !ok {
		return
	}
	run.State = p.To
	run.Cycle = p.Cycle
	run.Message = p.Message
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Services: map[string]string{"controller": "ok"},
	}
	if s.store != nil {
		counts, ok := CountOutcomes(c.Request().Context(), s.store)
		if ok {
			resp.Counts = counts
			resp.Services["store"] = "ok"
		} else {
			resp.Status = "degraded"
			resp.Services["store"] = "unavailable"
		}
	}
	s.mu.Lock()
	resp.Active = len(s.active)
	s.mu.Unlock()
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task field is required")
	}
	if req.ProjectRoot == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "project_root field is required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if !s.begin(req.ID) {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("objective %s is already running", req.ID))
	}

	if req.Async {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			res, err := s.runner.Run(s.base, req.toRequest())
			s.end(req.ID, res, err)
		}()
		return c.JSON(http.StatusAccepted, AcceptedResponse{ObjectiveID: req.ID, Status: "accepted"})
	}

	res, err := s.runner.Run(c.Request().Context(), req.toRequest())
	s.end(req.ID, res, err)
	return s.respond(c, res, err)
}

func (s *Server) handleResumeRun(c echo.Context) error {
	id := c.Param("id")
	if !s.begin(id) {
		return echo.NewHTTPError(http.StatusConflict, fmt.Sprintf("objective %s is already running", id))
	}
	res, err := s.runner.Resume(c.Request().Context(), id)
	s.end(id, res, err)
	return s.respond(c, res, err)
}

func (s *Server) handleGetRun(c echo.Context) error {
	id := c.Param("id")

	s.mu.Lock()
	if run, ok := s.active[id]; ok {
		snapshot := *run
		s.mu.Unlock()
		return c.JSON(http.StatusAccepted, snapshot)
	}
	res, ok := s.finished[id]
	s.mu.Unlock()
	if ok {
		return c.JSON(http.StatusOK, res)
	}

	if s.store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	rec, err := s.store.Load(c.Request().Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		s.logger.Error("loading run", zap.String("objective_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "loading run failed")
	}
	return c.JSON(http.StatusOK, orchestrator.ResultFromRecord(rec))
}

func (s *Server) handleListRuns(c echo.Context) error {
	resp := ListResponse{Runs: []RunSummary{}, Active: []ActiveRun{}}

	if s.store != nil {
		records, err := s.store.List(c.Request().Context())
		if err != nil {
			s.logger.Error("listing runs", zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "listing runs failed")
		}
		for _, rec := range records {
			resp.Runs = append(resp.Runs, summarize(rec))
		}
	}

	s.mu.Lock()
	if s.store == nil {
		for _, id := range s.order {
			res := s.finished[id]
			resp.Runs = append(resp.Runs, RunSummary{
				ObjectiveID: res.ObjectiveID,
				State:       string(res.State),
				Outcome:     res.Decision.Outcome,
				Cycles:      res.Cycles,
				TokensUsed:  res.Budget.Used,
			})
		}
	}
	for _, run := range s.active {
		resp.Active = append(resp.Active, *run)
	}
	s.mu.Unlock()

	sort.Slice(resp.Active, func(i, j int) bool { return resp.Active[i].StartedAt.Before(resp.Active[j].StartedAt) })
	return c.JSON(http.StatusOK, resp)
}

// respond maps a runner outcome to a response. A persistence failure still
// returns the result, with status 500.
func (s *Server) respond(c echo.Context, res *orchestrator.Result, err error) error {
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	case errors.Is(err, orchestrator.ErrNoCheckpoint):
		return echo.NewHTTPError(http.StatusBadRequest, "no checkpoint store configured")
	case errors.Is(err, orchestrator.ErrInvalidObjective):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrPersistence):
		s.logger.Error("run finished but was not persisted", zap.String("objective_id", res.ObjectiveID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, res)
	}
	s.logger.Error("run failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "run failed")
}

// begin marks id active. It reports false when id is already running.
func (s *Server) begin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; ok {
		return false
	}
	s.active[id] = &ActiveRun{ObjectiveID: id, State: orchestrator.StateAnalyze, StartedAt: time.Now()}
	return true
}

// end clears id and keeps its result when no store holds it.
func (s *Server) end(id string, res *orchestrator.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)

	if err != nil && !errors.Is(err, orchestrator.ErrPersistence) {
		s.logger.Warn("run ended with error", zap.String("objective_id", id), zap.Error(err))
	}
	if s.store != nil || res == nil || res.ObjectiveID == "" {
		return
	}
	if _, ok := s.finished[id]; !ok {
		s.order = append(s.order, id)
	}
	s.finished[id] = res
	for len(s.order) > maxFinished {
		delete(s.finished, s.order[0])
		s.order = s.order[1:]
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, cancels asynchronous runs and waits
// for them to record their outcome.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	err := s.echo.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for runs: %w", ctx.Err()))
	}
	return err
}
