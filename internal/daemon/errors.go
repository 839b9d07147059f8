package daemon

import (
	"errors"
	"fmt"
)

// ErrTimeout fails a client call when no correlated response arrives
// within the configured window. Client-local only: daemon-side work
// already in flight is not cancelled.
var ErrTimeout = errors.New("timed out waiting for daemon response")

// ErrNotRunning is returned by fail-fast paths that refuse to auto-start
// a daemon (stop/status with nothing to operate on).
var ErrNotRunning = errors.New("daemon is not running")

// AlreadyRunningError fails a daemon start when a live singleton was
// discovered; it carries the discovered pid.
type AlreadyRunningError struct {
	Pid int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("daemon already running (pid %d)", e.Pid)
}

// ValidationError rejects a malformed request before it is routed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// UnknownCommandError rejects a method that does not exist or matches the
// private-method naming convention.
type UnknownCommandError struct {
	Method string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Method)
}
