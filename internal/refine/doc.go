// Package refine implements the bounded plan refinement loop.
//
// A drafted plan moves DRAFT → VALIDATING → VALID or INVALID. An invalid
// plan is sent back to the oracle with the concrete violations (REFINING)
// and validated again, at most MaxIterations times. The loop always ends
// in TERMINAL and always returns the plan: on exhaustion it comes back
// with Valid=false and its last violations, and the caller decides
// whether to proceed degraded or stop.
package refine
