// Package integration holds end-to-end tests that drive the scheduler with
// real shell commands, the SQLite stores and on-disk checkpoints.
//
// Build tag: integration
// Run with: go test -tags integration ./internal/integration/...
package integration
