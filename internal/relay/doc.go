// Package relay owns the outbound relay worker: it builds the ffmpeg
// invocation for a target, switches the worker between targets without
// dropping the outbound connection when possible, stops it gracefully and
// reports which target is currently relayed.
//
// Each Executor drives one destination and admits one action at a time. A
// Group fans a switch out to several independent destinations behind a single
// system-wide admission point and records every executed action.
package relay
