// Package orchestrator provides the controller that drives one objective
// through an evolution cycle.
//
// # Overview
//
// The controller is an explicit state machine:
//
//	ANALYZE → PLAN → REFINE_PLAN → APPLY → QUALITY_CHECK → OPERATIONAL_CHECK
//	    → DECIDE                                   (all gates pass)
//	    → CLASSIFY → RESOLVE | REPLAN → APPLY …    (any gate fails)
//
// Terminal states are APPROVED, REJECTED, ESCALATED and ABORTED.
//
// # Bounds
//
// Before every transition the controller checks, in order:
//   - Cancellation: the run moves to ABORTED.
//   - The token budget: the run moves to ESCALATED.
//   - The retry cap: after MaxRetries failed cycles the run moves to
//     ESCALATED instead of starting another APPLY.
//
// Every transition appends a ReasoningStep. The trajectory, plan, patch,
// reports and budget snapshot are returned on every outcome.
//
// # Workspace
//
// All changes are applied to an in-memory overlay of the project. The
// project root on disk is only written when Options.WriteBack is set and
// the run is APPROVED; writes take the per-file locks used by APPLY.
//
// # Persistence
//
// When a store is configured the run is checkpointed after every
// transition. Re-running an approved objective with no new steps returns
// the stored decision without calling the oracle. Resume continues an
// interrupted run from its last checkpoint.
//
// # Usage
//
//	c, err := orchestrator.New(orchestrator.Dependencies{
//	    Oracle:      llm,
//	    Executor:    sandbox.NewProcessSandbox(sandbox.Options{}),
//	    Quality:     quality,
//	    Operational: operational,
//	    Store:       runs,
//	}, orchestrator.Options{MaxRetries: 3})
//	if err != nil {
//	    return err
//	}
//	res, err := c.Run(ctx, orchestrator.Request{Objective: spec})
package orchestrator
