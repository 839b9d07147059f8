package supervisor

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// State is the lifecycle state of a managed process.
type State string

const (
	StateStarting       State = "starting"
	StateRunning        State = "running"
	StateWaitingRestart State = "waiting_restart"
	StateStopped        State = "stopped"
)

const killTimeout = 5 * time.Second

// SpawnSpec describes what to launch. Options is an open map consumed by
// the spawner; recognized keys:
//
//	cwd string            working directory
//	env map[string]string extra environment, merged over the daemon's
//	pty bool              allocate a pseudo-terminal for the child
type SpawnSpec struct {
	Command string         `json:"command"`
	Args    []string       `json:"args,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Policy is the resolved restart policy for one process.
type Policy struct {
	AutoRestart        bool
	WaitBeforeRestart  time.Duration
	MaximumAutoRestart int // negative means unlimited
}

// Snapshot is a point-in-time copy of a process record.
type Snapshot struct {
	ID          string    `json:"id"`
	Pid         int       `json:"pid"`
	Command     string    `json:"command"`
	Args        []string  `json:"args,omitempty"`
	State       State     `json:"state"`
	Started     time.Time `json:"started"`
	LastRestart time.Time `json:"last_restart,omitempty"`
	Restarts    int       `json:"restarts"`
	Stopped     bool      `json:"stop"`
}

// TerminalSnapshot is the record's final form, returned to stop callers
// and synchronous-wait forks.
type TerminalSnapshot struct {
	ID          string   `json:"id"`
	Restarts    int      `json:"restarts"`
	Output      []string `json:"result"`
	ErrorOutput []string `json:"error"`
}

// Process owns one OS process under supervision. All state transitions for
// a record are serialized behind its mutex; the OS child runs in true
// parallel with the supervisor.
type Process struct {
	ID     string
	Spec   SpawnSpec
	Policy Policy

	mu             sync.Mutex
	state          State
	cmd            *exec.Cmd // native handle; non-nil iff currently running
	ptmx           *os.File
	startedAt      time.Time
	lastRestartAt  time.Time
	restartHistory []time.Time
	stopped        bool
	output         []string
	errOutput      []string
	restartTimer   *time.Timer

	done     chan struct{}
	doneOnce sync.Once

	emit       func(Event)
	onTerminal func(id string)
}

func newProcess(id string, spec SpawnSpec, policy Policy, emit func(Event), onTerminal func(string)) *Process {
	return &Process{
		ID:         id,
		Spec:       spec,
		Policy:     policy,
		state:      StateStarting,
		done:       make(chan struct{}),
		emit:       emit,
		onTerminal: onTerminal,
	}
}

// Start launches the OS process immediately and returns without waiting
// for exit. A spawn failure is reported on the error channel and ends
// supervision; it does not count as a restart-triggering exit.
func (p *Process) Start() {
	p.mu.Lock()
	if p.stopped {
		// Terminal is final; a stop that raced the spawn wins and no
		// process may be launched on this record
		p.mu.Unlock()
		return
	}
	p.startedAt = time.Now()
	err := p.startLocked()
	p.mu.Unlock()

	if err != nil {
		p.reportSpawnFailure(err)
	}
}

// startLocked spawns the child. Caller holds p.mu.
func (p *Process) startLocked() error {
	cmd := exec.Command(p.Spec.Command, p.Spec.Args...)
	cmd.Env = append(os.Environ(), spawnEnv(p.Spec.Options)...)
	cmd.Dir = spawnCwd(p.Spec.Options)

	var readers sync.WaitGroup
	if spawnPty(p.Spec.Options) {
		// pty.Start puts the child in its own session with the pty as
		// controlling terminal; the session leader doubles as the group
		// leader for tree termination.
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return &SpawnError{ID: p.ID, Err: err}
		}
		p.ptmx = ptmx
		readers.Add(1)
		go func() {
			defer readers.Done()
			p.readOutput(ptmx, false)
		}()
	} else {
		// Own process group so stop() can take down the whole tree
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return &SpawnError{ID: p.ID, Err: err}
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return &SpawnError{ID: p.ID, Err: err}
		}
		if err := cmd.Start(); err != nil {
			return &SpawnError{ID: p.ID, Err: err}
		}
		readers.Add(2)
		go func() {
			defer readers.Done()
			p.readOutput(stdout, false)
		}()
		go func() {
			defer readers.Done()
			p.readOutput(stderr, true)
		}()
	}

	p.cmd = cmd
	p.state = StateRunning
	slog.Info(fmt.Sprintf("Process '%s' started (PID %d)", p.ID, cmd.Process.Pid))

	go p.monitor(cmd, &readers)
	return nil
}

// readOutput forwards raw chunks from the child as notifications and
// accumulates them for the terminal result.
func (p *Process) readOutput(r io.Reader, isErr bool) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			eventType := EventOutput
			p.mu.Lock()
			if isErr {
				p.errOutput = append(p.errOutput, chunk)
				eventType = EventErrorOutput
			} else {
				p.output = append(p.output, chunk)
			}
			p.mu.Unlock()
			p.emit(Event{Type: eventType, ID: p.ID, Chunk: chunk})
		}
		if err != nil {
			return
		}
	}
}

// monitor waits for the child to terminate and evaluates the restart
// policy. Only actual process termination gets here. The output readers
// must drain to EOF before Wait, which closes the parent pipe ends.
func (p *Process) monitor(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	waitErr := cmd.Wait()

	p.mu.Lock()
	if p.cmd != cmd {
		// Record was already re-spawned; a newer monitor owns it
		p.mu.Unlock()
		return
	}
	p.cmd = nil
	if p.ptmx != nil {
		p.ptmx.Close()
		p.ptmx = nil
	}

	if waitErr != nil {
		slog.Info(fmt.Sprintf("Process '%s' exited: %v", p.ID, waitErr))
	} else {
		slog.Info(fmt.Sprintf("Process '%s' exited cleanly", p.ID))
	}

	if p.stopped {
		// Explicit stop() requested; it owns the terminal transition
		p.mu.Unlock()
		p.finishTerminal()
		return
	}

	restarts := len(p.restartHistory)
	if p.Policy.AutoRestart && (p.Policy.MaximumAutoRestart < 0 || restarts < p.Policy.MaximumAutoRestart) {
		p.state = StateWaitingRestart
		p.restartTimer = time.AfterFunc(p.Policy.WaitBeforeRestart, p.restart)
		p.mu.Unlock()
		slog.Info(fmt.Sprintf("Process '%s' will restart in %v (restart %d)",
			p.ID, p.Policy.WaitBeforeRestart, restarts+1))
		return
	}

	if p.Policy.AutoRestart {
		slog.Info(fmt.Sprintf("Process '%s' exhausted restart budget (%d). Giving up.",
			p.ID, p.Policy.MaximumAutoRestart))
	}
	p.stopped = true
	p.mu.Unlock()
	p.finishTerminal()
}

// restart re-spawns the child after the restart delay. restarts and
// lastRestartAt advance here and nowhere else.
func (p *Process) restart() {
	p.mu.Lock()
	if p.stopped {
		// stop() raced the timer; it owns the terminal transition
		p.mu.Unlock()
		return
	}
	now := time.Now()
	p.restartHistory = append(p.restartHistory, now)
	p.lastRestartAt = now
	p.restartTimer = nil
	p.state = StateStarting
	err := p.startLocked()
	p.mu.Unlock()

	if err != nil {
		p.reportSpawnFailure(err)
	}
}

// reportSpawnFailure surfaces a launch failure on the error channel and
// ends supervision without evaluating the restart policy.
func (p *Process) reportSpawnFailure(err error) {
	slog.Error(fmt.Sprintf("Process '%s' failed to spawn: %v", p.ID, err))
	chunk := err.Error() + "\n"
	p.mu.Lock()
	p.errOutput = append(p.errOutput, chunk)
	p.stopped = true
	p.mu.Unlock()
	p.emit(Event{Type: EventErrorOutput, ID: p.ID, Chunk: chunk})
	p.finishTerminal()
}

// finishTerminal performs the one-and-only transition into the terminal
// state: emits the legacy exit notification plus the done notification
// with the accumulated output, and reports the record for removal.
func (p *Process) finishTerminal() {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.state = StateStopped
		p.stopped = true
		result := &Result{
			Output:      slices.Clone(p.output),
			ErrorOutput: slices.Clone(p.errOutput),
		}
		p.mu.Unlock()

		p.emit(Event{Type: EventExit, ID: p.ID})
		p.emit(Event{Type: EventDone, ID: p.ID, Result: result})
		close(p.done)
		if p.onTerminal != nil {
			p.onTerminal(p.ID)
		}
	})
}

// Stop requests termination of the entire process tree and marks the
// record terminal. Idempotent: the first call does the work, later calls
// (including after the process already died) resolve as already stopped.
func (p *Process) Stop() (TerminalSnapshot, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return p.terminalSnapshot(), nil
	}
	p.stopped = true
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		// No live handle: the record was waiting on a restart timer
		p.finishTerminal()
		return p.terminalSnapshot(), nil
	}

	if err := terminateTree(cmd.Process.Pid, killTimeout); err != nil {
		// The record still goes terminal; the caller learns the kill failed
		p.finishTerminal()
		return p.terminalSnapshot(), &KillError{ID: p.ID, Pid: cmd.Process.Pid, Err: err}
	}

	// The monitor goroutine observes the exit and completes the terminal
	// transition; stop resolves once tree termination is confirmed.
	<-p.done
	return p.terminalSnapshot(), nil
}

// Done is closed when supervision of this record has ended.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) terminalSnapshot() TerminalSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return TerminalSnapshot{
		ID:          p.ID,
		Restarts:    len(p.restartHistory),
		Output:      slices.Clone(p.output),
		ErrorOutput: slices.Clone(p.errOutput),
	}
}

// Snapshot copies the record's current state.
func (p *Process) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{
		ID:          p.ID,
		Command:     p.Spec.Command,
		Args:        slices.Clone(p.Spec.Args),
		State:       p.state,
		Started:     p.startedAt,
		LastRestart: p.lastRestartAt,
		Restarts:    len(p.restartHistory),
		Stopped:     p.stopped,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		s.Pid = p.cmd.Process.Pid
	}
	return s
}

func spawnCwd(options map[string]any) string {
	if cwd, ok := options["cwd"].(string); ok {
		return cwd
	}
	return ""
}

func spawnPty(options map[string]any) bool {
	usePty, _ := options["pty"].(bool)
	return usePty
}

func spawnEnv(options map[string]any) []string {
	raw, ok := options["env"].(map[string]any)
	if !ok {
		return nil
	}
	env := make([]string, 0, len(raw))
	for k, v := range raw {
		env = append(env, fmt.Sprintf("%s=%v", k, v))
	}
	slices.Sort(env)
	return env
}
