// Package project captures the state of a project tree on disk.
//
// A Snapshot holds the relative path and content of every text file under
// a project root that is not excluded by ignore rules. Stages that need to
// reason about "project state" (plan validation, dependency graphs, context
// indexing, scratch workspaces) read from a Snapshot instead of walking the
// filesystem themselves. Overlay returns a derived snapshot with a patch's
// changes applied, leaving the original untouched.
package project
