// Package guard runs the failover decision loop.
//
// Each tick reads the relay mode and the ingest statistics, scores the
// sources and advances a small state machine: an active source that stays
// dead for FailThreshold ticks is replaced by the standby loop, and a source
// that stays healthy for the stable window while standby runs is resumed.
// Idle is an operator stop and is never resumed unless explicitly enabled.
// The loop owns all streak state; other goroutines only see Status copies.
package guard
