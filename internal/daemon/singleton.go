package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"

	"github.com/pleasure-js/forker/internal/core"
)

// Marker is the persisted record of the live daemon: its effective
// configuration plus its pid. Written once at daemon boot, read by any
// liveness probe, implicitly stale once its pid no longer exists.
type Marker struct {
	core.Settings
	Pid int `json:"pid"`
}

func markerPathFor(settings core.Settings) string {
	return filepath.Join(settings.ConfigPath, core.MarkerFileName)
}

func socketPathFor(settings core.Settings) string {
	return filepath.Join(settings.ConfigPath, core.SocketName)
}

// ReadMarker loads the persisted marker.
func ReadMarker(path string) (*Marker, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(bytes, &m); err != nil {
		return nil, fmt.Errorf("malformed daemon marker at %s: %w", path, err)
	}
	return &m, nil
}

// IsRunning probes for a live daemon: reads the marker and checks OS
// liveness of its pid. Returns the pid when alive, 0 otherwise. A stale
// marker is not an error, just "not running".
func IsRunning(markerPath string) int {
	marker, err := ReadMarker(markerPath)
	if err != nil || marker.Pid <= 0 {
		return 0
	}
	alive, err := process.PidExists(int32(marker.Pid))
	if err != nil || !alive {
		return 0
	}
	return marker.Pid
}

// acquireMarker claims the singleton marker with an exclusive create plus
// an advisory lock, closing the check-then-start race between two daemons
// booting at once. A marker left behind by a dead daemon is removed and
// the claim retried. The returned file is held open (and locked) for the
// daemon's lifetime.
func acquireMarker(path string, marker Marker) (*os.File, error) {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to lock daemon marker: %w", err)
			}
			if err := json.NewEncoder(f).Encode(marker); err != nil {
				f.Close()
				os.Remove(path)
				return nil, err
			}
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		// Marker exists: live daemon or leftover from a dead one?
		if existing, rerr := ReadMarker(path); rerr == nil && existing.Pid > 0 {
			if alive, _ := process.PidExists(int32(existing.Pid)); alive {
				return nil, &AlreadyRunningError{Pid: existing.Pid}
			}
		}
		os.Remove(path)
	}
	return nil, fmt.Errorf("could not claim daemon marker at %s", path)
}

// StartDaemon launches a new detached daemon process, passing the merged
// configuration through its environment, and returns the new pid
// immediately without waiting for the daemon's own startup to finish.
// Fails fast with AlreadyRunningError when a live daemon is discovered.
func StartDaemon(settings core.Settings, extraEnv []string) (int, error) {
	if pid := IsRunning(markerPathFor(settings)); pid != 0 {
		return 0, &AlreadyRunningError{Pid: pid}
	}

	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("could not resolve own executable: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		core.DaemonEnvFlag+"=1",
		core.ConfigEnvVar+"="+settings.ToJSON(),
	)
	cmd.Env = append(cmd.Env, extraEnv...)

	// Detach: own session, no terminal, no inherited stdio
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("could not launch daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	cmd.Process.Release()
	return pid, nil
}

// EnsureDaemon starts a daemon only if none is already running, then
// waits for its socket to appear so the caller can connect right away.
func EnsureDaemon(settings core.Settings) (int, error) {
	if pid := IsRunning(markerPathFor(settings)); pid != 0 {
		return pid, nil
	}

	pid, err := StartDaemon(settings, nil)
	if err != nil {
		var already *AlreadyRunningError
		if errors.As(err, &already) {
			// Lost the start race to another client; theirs will do
			return already.Pid, nil
		}
		return 0, err
	}

	socketPath := socketPathFor(settings)
	for i := 0; i < 40; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := os.Stat(socketPath); err == nil {
			return pid, nil
		}
	}
	return 0, fmt.Errorf("daemon launched (pid %d) but socket was not created in time", pid)
}
