package http

import (
	"time"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
)

// RunRequest is the request body for POST /api/v1/runs.
type RunRequest struct {
	ID           string                       `json:"id,omitempty"`
	Task         string                       `json:"task"`
	ProjectRoot  string                       `json:"project_root"`
	Constraints  []string                     `json:"constraints,omitempty"`
	QualityGates []string                     `json:"quality_gates,omitempty"`
	Steps        []evolution.ModificationStep `json:"steps,omitempty"`

	// Async returns 202 immediately; poll GET /api/v1/runs/:id.
	Async bool `json:"async,omitempty"`
}

func (r RunRequest) toRequest() orchestrator.Request {
	return orchestrator.Request{
		Objective: evolution.ObjectiveSpec{
			ID:           r.ID,
			Task:         r.Task,
			ProjectRoot:  r.ProjectRoot,
			Constraints:  r.Constraints,
			QualityGates: r.QualityGates,
		},
		Steps: r.Steps,
	}
}

// AcceptedResponse is returned for asynchronous runs.
type AcceptedResponse struct {
	ObjectiveID string `json:"objective_id"`
	Status      string `json:"status"`
}

// RunSummary is one entry of GET /api/v1/runs.
type RunSummary struct {
	ObjectiveID string            `json:"objective_id"`
	Task        string            `json:"task"`
	State       string            `json:"state"`
	Outcome     evolution.Outcome `json:"outcome,omitempty"`
	Cycles      int               `json:"cycles"`
	TokensUsed  int64             `json:"tokens_used"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ActiveRun describes a run in progress.
type ActiveRun struct {
	ObjectiveID string             `json:"objective_id"`
	State       orchestrator.State `json:"state"`
	Cycle       int                `json:"cycle"`
	Message     string             `json:"message,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
}

// ListResponse is the response body for GET /api/v1/runs.
type ListResponse struct {
	Runs   []RunSummary `json:"runs"`
	Active []ActiveRun  `json:"active"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Counts   OutcomeCounts     `json:"counts"`
	Active   int               `json:"active"`
}

// OutcomeCounts tallies stored runs by terminal outcome. InProgress counts
// checkpoints of runs that have not finished.
type OutcomeCounts struct {
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Escalated  int `json:"escalated"`
	Aborted    int `json:"aborted"`
	InProgress int `json:"in_progress"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
