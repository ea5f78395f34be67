package orchestrator

import (
	"errors"

	"github.com/fyrsmithlabs/evolvd/internal/budget"
	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/guardrail"
	"github.com/fyrsmithlabs/evolvd/internal/resolve"
)

var (
	// ErrCancelled is the cause recorded when a run is aborted by context
	// cancellation.
	ErrCancelled = errors.New("evolution cancelled")

	// ErrInvalidObjective is returned by Run for unusable input.
	ErrInvalidObjective = errors.New("invalid objective")

	// ErrPersistence is returned when a checkpoint or write-back fails.
	ErrPersistence = errors.New("persisting run failed")

	// ErrNoCheckpoint is returned by Resume when no store is configured.
	ErrNoCheckpoint = errors.New("no checkpoint store configured")
)

// State is a controller state.
type State string

const (
	StateAnalyze          State = "ANALYZE"
	StatePlan             State = "PLAN"
	StateRefinePlan       State = "REFINE_PLAN"
	StateApply            State = "APPLY"
	StateQualityCheck     State = "QUALITY_CHECK"
	StateOperationalCheck State = "OPERATIONAL_CHECK"
	StateClassify         State = "CLASSIFY"
	StateResolve          State = "RESOLVE"
	StateReplan           State = "REPLAN"
	StateDecide           State = "DECIDE"

	StateApproved  State = "APPROVED"
	StateRejected  State = "REJECTED"
	StateEscalated State = "ESCALATED"
	StateAborted   State = "ABORTED"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateApproved, StateRejected, StateEscalated, StateAborted:
		return true
	}
	return false
}

// Outcome maps a terminal state to its decision outcome.
func (s State) Outcome() evolution.Outcome {
	switch s {
	case StateApproved:
		return evolution.OutcomeApproved
	case StateRejected:
		return evolution.OutcomeRejected
	case StateAborted:
		return evolution.OutcomeAborted
	}
	return evolution.OutcomeEscalated
}

func stateFor(o evolution.Outcome) State {
	switch o {
	case evolution.OutcomeApproved:
		return StateApproved
	case evolution.OutcomeRejected:
		return StateRejected
	case evolution.OutcomeAborted:
		return StateAborted
	}
	return StateEscalated
}

// Request starts a run.
type Request struct {
	Objective evolution.ObjectiveSpec `json:"objective"`

	// Steps seeds the plan instead of drafting one with the oracle. A
	// request for an approved objective whose steps are all already part
	// of the approved plan returns the stored decision.
	Steps []evolution.ModificationStep `json:"steps,omitempty"`
}

// Result is the outcome of a run. It is returned for every outcome.
type Result struct {
	ObjectiveID string                        `json:"objective_id"`
	State       State                         `json:"state"`
	Decision    evolution.Decision            `json:"decision"`
	Plan        *evolution.Plan               `json:"plan,omitempty"`
	Patch       *evolution.Patch              `json:"patch,omitempty"`
	Reports     []*evolution.ValidationReport `json:"reports"`
	Trajectory  []evolution.ReasoningStep     `json:"trajectory"`
	Budget      budget.Snapshot               `json:"budget"`
	Cycles      int                           `json:"cycles"`

	Failure    *evolution.FailureRecord `json:"failure,omitempty"`
	Resolution *resolve.Result          `json:"resolution,omitempty"`
	Verdict    *guardrail.Verdict       `json:"verdict,omitempty"`

	// Cached is set when the decision was reused from an earlier run.
	Cached bool `json:"cached,omitempty"`

	// Written is set when the approved patch was written to the project.
	Written bool `json:"written,omitempty"`

	// Cause is the error behind an ABORTED or ESCALATED outcome, if any.
	Cause error `json:"-"`
}

// Reasons returns the decision reasons.
func (r *Result) Reasons() []string {
	return r.Decision.Reasons
}

// Progress reports a state transition to observers.
type Progress struct {
	ObjectiveID string `json:"objective_id"`
	From        State  `json:"from"`
	To          State  `json:"to"`
	Message     string `json:"message"`
	Cycle       int    `json:"cycle"`
}

// ProgressCallback receives transitions as they happen.
type ProgressCallback func(Progress)
