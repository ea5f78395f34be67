// Package resolve implements the bounded issue resolution loop.
//
// Each iteration asks the oracle for a fix to the implicated file, diffs
// the proposal against the original, and re-runs the implicated
// verification (the failing test, or a syntax check) against the proposed
// content in the sandbox. A Result is successful only when that
// verification ran and explicitly passed; otherwise the failure output is
// fed into the next prompt until the iteration bound is reached, and the
// last attempt is returned.
package resolve
