package daemon

import (
	"github.com/pleasure-js/forker/internal/core"
)

// Connect dials a running daemon, failing fast with ErrNotRunning when no
// live daemon is detected. Used by stop/status paths, where auto-starting
// a daemon would be pointless - there is nothing to operate on.
func Connect(settings core.Settings) (*Client, error) {
	if pid := IsRunning(markerPathFor(settings)); pid == 0 {
		return nil, ErrNotRunning
	}
	return Dial(socketPathFor(settings), settings.TimeoutDuration())
}

// ConnectEnsure guarantees a reachable daemon before dialing, launching a
// detached one when none is alive. Used by the fork path.
func ConnectEnsure(settings core.Settings) (*Client, error) {
	if _, err := EnsureDaemon(settings); err != nil {
		return nil, err
	}
	return Dial(socketPathFor(settings), settings.TimeoutDuration())
}
