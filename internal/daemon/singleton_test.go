package daemon

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pleasure-js/forker/internal/core"
)

// An id far past any plausible live pid; kernels cap pid_max well below it.
const deadPid = 999999999

func testSettings(t *testing.T) core.Settings {
	t.Helper()
	settings := core.DefaultSettings()
	settings.ConfigPath = t.TempDir()
	return settings
}

func writeMarker(t *testing.T, path string, marker Marker) {
	t.Helper()
	raw, err := json.Marshal(marker)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestIsRunningWithoutMarker(t *testing.T) {
	settings := testSettings(t)
	if pid := IsRunning(markerPathFor(settings)); pid != 0 {
		t.Errorf("expected not running, got pid %d", pid)
	}
}

func TestIsRunningStaleMarker(t *testing.T) {
	settings := testSettings(t)
	markerPath := markerPathFor(settings)
	writeMarker(t, markerPath, Marker{Settings: settings, Pid: deadPid})

	// A marker whose pid no longer exists means "not running", not an error
	if pid := IsRunning(markerPath); pid != 0 {
		t.Errorf("expected stale marker to read as not running, got pid %d", pid)
	}
}

func TestIsRunningMalformedMarker(t *testing.T) {
	settings := testSettings(t)
	markerPath := markerPathFor(settings)
	if err := os.WriteFile(markerPath, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if pid := IsRunning(markerPath); pid != 0 {
		t.Errorf("expected malformed marker to read as not running, got pid %d", pid)
	}
}

func TestIsRunningLiveMarker(t *testing.T) {
	settings := testSettings(t)
	markerPath := markerPathFor(settings)
	writeMarker(t, markerPath, Marker{Settings: settings, Pid: os.Getpid()})

	if pid := IsRunning(markerPath); pid != os.Getpid() {
		t.Errorf("expected our own pid, got %d", pid)
	}
}

func TestAcquireMarkerClaims(t *testing.T) {
	settings := testSettings(t)
	markerPath := markerPathFor(settings)

	f, err := acquireMarker(markerPath, Marker{Settings: settings, Pid: os.Getpid()})
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	marker, err := ReadMarker(markerPath)
	if err != nil {
		t.Fatalf("marker unreadable after claim: %v", err)
	}
	if marker.Pid != os.Getpid() {
		t.Errorf("marker carries pid %d, want %d", marker.Pid, os.Getpid())
	}
	if marker.ConfigPath != settings.ConfigPath {
		t.Errorf("marker lost the settings: %+v", marker.Settings)
	}
}

func TestAcquireMarkerRefusesLiveDaemon(t *testing.T) {
	settings := testSettings(t)
	markerPath := markerPathFor(settings)

	f, err := acquireMarker(markerPath, Marker{Settings: settings, Pid: os.Getpid()})
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })

	_, err = acquireMarker(markerPath, Marker{Settings: settings, Pid: os.Getpid()})
	var already *AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
	if already.Pid != os.Getpid() {
		t.Errorf("error carries pid %d, want %d", already.Pid, os.Getpid())
	}
}

func TestAcquireMarkerReclaimsStale(t *testing.T) {
	settings := testSettings(t)
	markerPath := markerPathFor(settings)
	writeMarker(t, markerPath, Marker{Settings: settings, Pid: deadPid})

	f, err := acquireMarker(markerPath, Marker{Settings: settings, Pid: os.Getpid()})
	if err != nil {
		t.Fatalf("expected stale marker to be reclaimed, got %v", err)
	}
	t.Cleanup(func() { f.Close() })

	marker, err := ReadMarker(markerPath)
	if err != nil {
		t.Fatal(err)
	}
	if marker.Pid != os.Getpid() {
		t.Errorf("marker still carries the dead pid %d", marker.Pid)
	}
}

func TestSocketAndMarkerPaths(t *testing.T) {
	settings := testSettings(t)
	if got := socketPathFor(settings); got != filepath.Join(settings.ConfigPath, core.SocketName) {
		t.Errorf("unexpected socket path %q", got)
	}
	if got := markerPathFor(settings); got != filepath.Join(settings.ConfigPath, core.MarkerFileName) {
		t.Errorf("unexpected marker path %q", got)
	}
}
