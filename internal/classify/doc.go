// Package classify maps failing validation reports to a failure category
// and a retry strategy.
//
// Classification is a fixed-priority scan: the first category whose rule
// matches any failing gate wins, so a report mentioning both a syntax
// error and a failing test is always a syntax failure. The priority order
// and the retry table are starting policies and are kept in one place so
// they can be tuned against real runs.
package classify
