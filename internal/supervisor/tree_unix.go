package supervisor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// terminateTree takes down the whole process tree rooted at pid by
// signaling its process group: SIGTERM first, then SIGKILL after the grace
// period. Every managed process is spawned as a group (or session) leader,
// so the negative-pid signal reaches all descendants.
//
// Terminating an already-dead process is not an error; it resolves as
// already stopped.
func terminateTree(pid int, timeout time.Duration) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		// Group signal failed, fall back to the process itself
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			if err == unix.ESRCH {
				return nil
			}
			return err
		}
	}

	// Poll for death with Signal(0). Wait() belongs to the monitor
	// goroutine; polling keeps stop() independent of it.
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); err != nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return err
	}

	time.Sleep(100 * time.Millisecond)
	if err := unix.Kill(pid, 0); err == nil {
		return fmt.Errorf("process group %d survived SIGKILL", pid)
	}
	return nil
}
