package http

import (
	"context"

	"github.com/fyrsmithlabs/evolvd/internal/evolution"
	"github.com/fyrsmithlabs/evolvd/internal/orchestrator"
	"github.com/fyrsmithlabs/evolvd/internal/store"
)

// CountOutcomes tallies the runs in s by outcome.
//
// Returns ok == false if:
//   - s is nil
//   - listing records fails
func CountOutcomes(ctx context.Context, s store.Store) (counts OutcomeCounts, ok bool) {
	if s == nil {
		return counts, false
	}
	records, err := s.List(ctx)
	if err != nil {
		return counts, false
	}
	for _, rec := range records {
		if rec.Decision == nil || !orchestrator.State(rec.State).Terminal() {
			counts.InProgress++
			continue
		}
		switch rec.Decision.Outcome {
		case evolution.OutcomeApproved:
			counts.Approved++
		case evolution.OutcomeRejected:
			counts.Rejected++
		case evolution.OutcomeEscalated:
			counts.Escalated++
		case evolution.OutcomeAborted:
			counts.Aborted++
		}
	}
	return counts, true
}

func summarize(rec *store.Record) RunSummary {
	s := RunSummary{
		ObjectiveID: rec.ObjectiveID,
		Task:        rec.Objective.Task,
		State:       rec.State,
		Cycles:      rec.Cycles,
		TokensUsed:  rec.Budget.Used,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Decision != nil {
		s.Outcome = rec.Decision.Outcome
	}
	return s
}
