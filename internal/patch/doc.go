// Package patch turns objectives and plan steps into candidate plans and
// file changes through the oracle.
//
// Oracle output is parsed defensively with oracle.ParseWith. When nothing
// usable comes back (including timeouts and oracle errors) the Builder
// emits a stub flagged with Stub=true: a single-step plan, or a change that
// leaves the original content untouched. Downstream stages always receive
// well-formed input.
package patch
