package supervisor

import "fmt"

// NotFoundError is returned for operations referencing an unknown process id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("process %q not found", e.ID)
}

// SpawnError reports an OS launch failure. It is scoped to the one record
// and never crashes the supervisor.
type SpawnError struct {
	ID  string
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn process %q: %v", e.ID, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// KillError reports a tree-termination failure, propagated to the stop caller.
type KillError struct {
	ID  string
	Pid int
	Err error
}

func (e *KillError) Error() string {
	return fmt.Sprintf("failed to kill process tree for %q (pid %d): %v", e.ID, e.Pid, e.Err)
}

func (e *KillError) Unwrap() error { return e.Err }
