// Package filelock serializes writers per file path.
//
// The controller builds independent plan steps concurrently. Steps that
// touch the same path must not interleave, so every writer acquires the
// path's lock from a shared Registry before reading the original content
// and releases it after the change is recorded.
package filelock
