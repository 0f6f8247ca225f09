package relay

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSwitchBusy is returned immediately when another action is in flight.
	ErrSwitchBusy = errors.New("switch already in progress")
	// ErrSwitchReadinessTimeout reports a replacement worker that never came up.
	ErrSwitchReadinessTimeout = errors.New("relay worker did not become ready")
	// ErrSwitchStartFailed reports a worker that could not be launched.
	ErrSwitchStartFailed = errors.New("relay worker failed to start")
	// ErrUnknownMode reports a worker whose target cannot be determined.
	ErrUnknownMode = errors.New("relay mode unknown")
	// ErrCollaboratorTimeout reports a supervisor call that ran out of time.
	ErrCollaboratorTimeout = errors.New("supervisor call timed out")
	// ErrMissingCredential reports a source without a configured stream key.
	ErrMissingCredential = errors.New("missing stream key")
	// ErrInvalidTarget reports a switch target that is neither a source nor standby.
	ErrInvalidTarget = errors.New("invalid switch target")
)

// ReadinessTimeoutError carries the diagnostics of a failed seamless switch.
type ReadinessTimeoutError struct {
	Destination string
	Target      string
	Waited      time.Duration
	// Logs is the masked output tail of the discarded worker.
	Logs string
	// OldKept reports that the previous worker was left untouched.
	OldKept bool
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("%s: destination %s target %s after %s", ErrSwitchReadinessTimeout, e.Destination, e.Target, e.Waited.Round(time.Millisecond))
}

func (e *ReadinessTimeoutError) Unwrap() error { return ErrSwitchReadinessTimeout }
