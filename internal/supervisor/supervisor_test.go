package supervisor

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	if cfg.Defaults.WaitBeforeRestart == 0 {
		cfg.Defaults.WaitBeforeRestart = 10 * time.Millisecond
	}
	sup := New(cfg)
	t.Cleanup(func() { sup.StopAll() })
	return sup
}

func TestForkAssignsIdentifiers(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	snap, err := sup.Fork(ForkRequest{Spec: SpawnSpec{Command: "sleep", Args: []string{"5"}}})
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	if snap.ID == "" {
		t.Error("expected a generated process id")
	}
	if snap.Pid <= 0 {
		t.Errorf("expected positive pid, got %d", snap.Pid)
	}
}

func TestForkIdempotentByID(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	first, err := sup.Fork(ForkRequest{ID: "dup", Spec: SpawnSpec{Command: "sleep", Args: []string{"5"}}})
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	// Same id resolves to the existing record, second command never runs
	second, err := sup.Fork(ForkRequest{ID: "dup", Spec: SpawnSpec{Command: "sleep", Args: []string{"60"}}})
	if err != nil {
		t.Fatalf("second fork failed: %v", err)
	}
	if first.Pid != second.Pid {
		t.Errorf("expected the original pid %d, got %d", first.Pid, second.Pid)
	}
	if len(sup.List()) != 1 {
		t.Errorf("expected exactly one supervised process, got %d", len(sup.List()))
	}
}

func TestConcurrentForkSameID(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Fork(ForkRequest{ID: "race", Spec: SpawnSpec{Command: "sleep", Args: []string{"5"}}})
		}()
	}
	wg.Wait()

	entries := sup.List()
	if len(entries) != 1 {
		t.Fatalf("expected a single process record, got %d", len(entries))
	}
	if entries[0].Pid <= 0 {
		t.Errorf("expected the surviving record to be running, got pid %d", entries[0].Pid)
	}
}

func TestStopUnknownProcess(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	_, err := sup.Stop("ghost")
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if notFound.ID != "ghost" {
		t.Errorf("expected the unknown id in the error, got %q", notFound.ID)
	}
}

func TestExitedProcessLeavesRegistry(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	_, err := sup.Fork(ForkRequest{Spec: SpawnSpec{Command: "sleep", Args: []string{"1"}}})
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sup.List()) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("exited process still listed after 5s")
}

func TestStatusZeroedWithoutNativeHandle(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	snap, err := sup.Fork(ForkRequest{
		Spec: SpawnSpec{Command: "/bin/sh", Args: []string{"-c", "exit 1"}},
		Options: &ForkOptions{
			AutoRestart:        boolPtr(true),
			WaitBeforeRestart:  "10s",
			MaximumAutoRestart: intPtr(3),
		},
	})
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var entry StatusEntry
	for time.Now().Before(deadline) {
		entries := sup.Status(snap.ID)
		if len(entries) == 0 {
			t.Fatal("status lost track of the process")
		}
		entry = entries[0]
		if entry.State == StateWaitingRestart {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if entry.State != StateWaitingRestart {
		t.Fatalf("process never reached waiting_restart, state %v", entry.State)
	}
	if entry.Pid != 0 || entry.Metrics.CPU != 0 || entry.Metrics.Elapsed != 0 {
		t.Errorf("expected zeroed metrics while waiting, got %+v", entry)
	}
}

func TestForkOptionsOverrideDefaults(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{Defaults: Defaults{
		AutoRestart:        true,
		WaitBeforeRestart:  10 * time.Millisecond,
		MaximumAutoRestart: 100,
	}})

	// Per-fork opt-out beats the global restart default
	snap, err := sup.Fork(ForkRequest{
		Spec:    SpawnSpec{Command: "true"},
		Options: &ForkOptions{AutoRestart: boolPtr(false)},
	})
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sup.List()) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	_ = snap
	t.Fatal("process with restarts disabled was restarted")
}

func TestAutoCloseAfterGraceWindow(t *testing.T) {
	quietLogger(t)

	idle := make(chan struct{}, 1)
	sup := newTestSupervisor(t, Config{
		AutoClose:   true,
		GraceWindow: 100 * time.Millisecond,
		OnIdle:      func() { idle <- struct{}{} },
	})

	if _, err := sup.Fork(ForkRequest{Spec: SpawnSpec{Command: "true"}}); err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	select {
	case <-idle:
	case <-time.After(5 * time.Second):
		t.Fatal("idle callback never fired")
	}
}

func TestAutoCloseCancelledByNewFork(t *testing.T) {
	quietLogger(t)

	idle := make(chan struct{}, 1)
	sup := newTestSupervisor(t, Config{
		AutoClose:   true,
		GraceWindow: 300 * time.Millisecond,
		OnIdle:      func() { idle <- struct{}{} },
	})

	snap, err := sup.Fork(ForkRequest{Spec: SpawnSpec{Command: "true"}})
	if err != nil {
		t.Fatalf("fork failed: %v", err)
	}

	// Wait for the first process to leave the registry, then refill it
	// inside the grace window
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sup.List()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := sup.Fork(ForkRequest{Spec: SpawnSpec{Command: "sleep", Args: []string{"10"}}}); err != nil {
		t.Fatalf("second fork failed: %v", err)
	}

	select {
	case <-idle:
		t.Error("idle callback fired despite a live process")
	case <-time.After(800 * time.Millisecond):
	}
	_ = snap
}

func TestForkWaitReturnsTerminalOutput(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	snapshot, err := sup.ForkWait(ForkRequest{
		Spec: SpawnSpec{Command: "/bin/sh", Args: []string{"-c", "echo finished"}},
	})
	if err != nil {
		t.Fatalf("forkWait failed: %v", err)
	}
	if !strings.Contains(strings.Join(snapshot.Output, ""), "finished") {
		t.Errorf("terminal output missing stdout: %q", snapshot.Output)
	}
}

func TestForkWaitResultSurvivesBackloggedSubscriber(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{})

	// A subscriber that never reads: its buffer fills and later events for
	// this id are dropped on the stream. The terminal result must not be.
	stalled := sup.Notifier().Subscribe("flood")
	t.Cleanup(func() { sup.Notifier().Unsubscribe(stalled) })

	const want = 600000
	snapshot, err := sup.ForkWait(ForkRequest{
		ID:   "flood",
		Spec: SpawnSpec{Command: "/bin/sh", Args: []string{"-c", "yes | head -c 600000"}},
	})
	if err != nil {
		t.Fatalf("forkWait failed: %v", err)
	}

	total := 0
	for _, chunk := range snapshot.Output {
		total += len(chunk)
	}
	if total != want {
		t.Errorf("terminal result lost output: got %d of %d bytes", total, want)
	}
}

func TestSetDefaultsAppliesToNewForks(t *testing.T) {
	quietLogger(t)
	sup := newTestSupervisor(t, Config{Defaults: Defaults{AutoRestart: true, WaitBeforeRestart: 10 * time.Millisecond, MaximumAutoRestart: 100}})

	sup.SetDefaults(Defaults{AutoRestart: false, WaitBeforeRestart: 10 * time.Millisecond})

	if _, err := sup.Fork(ForkRequest{Spec: SpawnSpec{Command: "true"}}); err != nil {
		t.Fatalf("fork failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(sup.List()) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("updated defaults were not applied")
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }
