package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Defaults is the restart policy applied when a fork request leaves an
// option unset. Hot-reloadable at runtime.
type Defaults struct {
	AutoRestart        bool
	WaitBeforeRestart  time.Duration
	MaximumAutoRestart int
}

// Config configures a Supervisor.
type Config struct {
	Defaults Defaults

	// AutoClose makes the supervisor schedule self-termination once the
	// registry empties, after GraceWindow elapses with the registry still
	// empty (so a concurrent fork cancels it).
	AutoClose   bool
	GraceWindow time.Duration
	OnIdle      func()

	// OnEvent, when set, receives lifecycle events for the event log.
	OnEvent func(id, eventType, details string)
}

// ForkOptions overrides the restart policy for one process. Nil pointer
// fields fall back to the supervisor defaults.
type ForkOptions struct {
	AutoRestart        *bool  `json:"auto_restart,omitempty"`
	WaitBeforeRestart  string `json:"wait_before_restart,omitempty"` // duration string, e.g. "500ms"
	MaximumAutoRestart *int   `json:"maximum_auto_restart,omitempty"`
}

// ForkRequest asks the supervisor to begin supervising a new process.
type ForkRequest struct {
	ID      string       `json:"id,omitempty"`
	Spec    SpawnSpec    `json:"spec"`
	Options *ForkOptions `json:"options,omitempty"`
}

// StatusEntry is a snapshot enriched with live OS metrics.
type StatusEntry struct {
	Snapshot
	Metrics
}

// Supervisor is the registry of managed processes. It exclusively owns
// every record it creates; records leave the registry exactly once, on
// terminal exit.
type Supervisor struct {
	cfg Config

	mu        sync.Mutex
	defaults  Defaults
	processes map[string]*Process
	order     []string

	notifier *Notifier
}

func New(cfg Config) *Supervisor {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Second
	}
	return &Supervisor{
		cfg:       cfg,
		defaults:  cfg.Defaults,
		processes: make(map[string]*Process),
		notifier:  NewNotifier(),
	}
}

// Notifier exposes the event stream for progress subscriptions.
func (s *Supervisor) Notifier() *Notifier { return s.notifier }

// SetDefaults replaces the restart policy defaults applied to future forks.
func (s *Supervisor) SetDefaults(d Defaults) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
}

// Fork registers and launches a new managed process. Fork is idempotent
// per id: when the id already exists the existing record is returned
// unchanged and no second OS process is spawned. The spawn itself is
// fire-and-forget; a launch failure surfaces on the error channel.
func (s *Supervisor) Fork(req ForkRequest) (Snapshot, error) {
	p, err := s.fork(req)
	if err != nil {
		return Snapshot{}, err
	}
	return p.Snapshot(), nil
}

// ForkWait forks and blocks until the record reaches its terminal state.
// The terminal snapshot comes from the record itself, not the event
// stream, so a backlogged subscriber cannot lose it.
func (s *Supervisor) ForkWait(req ForkRequest) (TerminalSnapshot, error) {
	p, err := s.fork(req)
	if err != nil {
		return TerminalSnapshot{}, err
	}
	<-p.Done()
	return p.terminalSnapshot(), nil
}

// fork resolves the request to a record, spawning only when the id is new.
func (s *Supervisor) fork(req ForkRequest) (*Process, error) {
	if strings.TrimSpace(req.Spec.Command) == "" {
		return nil, errors.New("spawn spec has no command")
	}

	s.mu.Lock()
	if req.ID != "" {
		if existing, ok := s.processes[req.ID]; ok {
			s.mu.Unlock()
			return existing, nil
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	policy := s.resolvePolicy(req.Options)
	p := newProcess(id, req.Spec, policy, s.notifier.Publish, s.handleTerminal)
	s.processes[id] = p
	s.order = append(s.order, id)
	s.mu.Unlock()

	s.event(id, "fork", fmt.Sprintf("%s %s", req.Spec.Command, strings.Join(req.Spec.Args, " ")))
	p.Start()
	return p, nil
}

// resolvePolicy merges fork options over the defaults. Caller holds s.mu.
func (s *Supervisor) resolvePolicy(opts *ForkOptions) Policy {
	policy := Policy{
		AutoRestart:        s.defaults.AutoRestart,
		WaitBeforeRestart:  s.defaults.WaitBeforeRestart,
		MaximumAutoRestart: s.defaults.MaximumAutoRestart,
	}
	if policy.WaitBeforeRestart <= 0 {
		policy.WaitBeforeRestart = time.Second
	}
	if opts == nil {
		return policy
	}
	if opts.AutoRestart != nil {
		policy.AutoRestart = *opts.AutoRestart
	}
	if opts.WaitBeforeRestart != "" {
		if d, err := time.ParseDuration(opts.WaitBeforeRestart); err == nil && d > 0 {
			policy.WaitBeforeRestart = d
		}
	}
	if opts.MaximumAutoRestart != nil {
		policy.MaximumAutoRestart = *opts.MaximumAutoRestart
	}
	return policy
}

// Stop delegates to the record's own stop. Unknown ids fail with NotFound.
func (s *Supervisor) Stop(id string) (TerminalSnapshot, error) {
	s.mu.Lock()
	p, ok := s.processes[id]
	s.mu.Unlock()
	if !ok {
		return TerminalSnapshot{}, &NotFoundError{ID: id}
	}

	s.event(id, "stop", "")
	return p.Stop()
}

// List snapshots the registry in insertion order.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.order))
	for _, id := range s.order {
		if p, ok := s.processes[id]; ok {
			procs = append(procs, p)
		}
	}
	s.mu.Unlock()

	snaps := make([]Snapshot, len(procs))
	for i, p := range procs {
		snaps[i] = p.Snapshot()
	}
	return snaps
}

// Status returns snapshots enriched with live cpu/memory/elapsed, sampled
// concurrently from the OS. An empty id matches every record; a record
// with no live handle reports zeroed metrics.
func (s *Supervisor) Status(id string) []StatusEntry {
	snaps := s.List()
	if id != "" {
		snaps = slices.DeleteFunc(snaps, func(snap Snapshot) bool { return snap.ID != id })
	}

	entries := make([]StatusEntry, len(snaps))
	var wg sync.WaitGroup
	for i, snap := range snaps {
		wg.Add(1)
		go func(i int, snap Snapshot) {
			defer wg.Done()
			entries[i] = StatusEntry{Snapshot: snap, Metrics: sampleMetrics(snap.Pid)}
		}(i, snap)
	}
	wg.Wait()
	return entries
}

// StopAll terminates every managed process, used at daemon shutdown.
func (s *Supervisor) StopAll() {
	for _, snap := range s.List() {
		if _, err := s.Stop(snap.ID); err != nil {
			var notFound *NotFoundError
			if !errors.As(err, &notFound) {
				slog.Error(fmt.Sprintf("Failed to stop process '%s': %v", snap.ID, err))
			}
		}
	}
}

// handleTerminal is the exit cascade: the record leaves the registry, its
// remaining subscriptions are torn down, and - when auto-close is on - a
// grace-window self-termination is scheduled that re-checks the registry
// is still empty when the window elapses.
func (s *Supervisor) handleTerminal(id string) {
	s.mu.Lock()
	delete(s.processes, id)
	s.order = slices.DeleteFunc(s.order, func(other string) bool { return other == id })
	empty := len(s.processes) == 0
	s.mu.Unlock()

	s.notifier.CloseID(id)
	s.event(id, "terminal", "")
	slog.Info(fmt.Sprintf("Process '%s' supervision ended", id))

	if s.cfg.AutoClose && empty {
		time.AfterFunc(s.cfg.GraceWindow, func() {
			s.mu.Lock()
			stillEmpty := len(s.processes) == 0
			s.mu.Unlock()
			if stillEmpty && s.cfg.OnIdle != nil {
				s.cfg.OnIdle()
			}
		})
	}
}

func (s *Supervisor) event(id, eventType, details string) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(id, eventType, details)
	}
}
