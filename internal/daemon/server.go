package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lmittmann/tint"
	"github.com/spf13/viper"

	"github.com/pleasure-js/forker/internal/core"
	"github.com/pleasure-js/forker/internal/db"
	"github.com/pleasure-js/forker/internal/ipc"
	"github.com/pleasure-js/forker/internal/supervisor"
)

// Daemon hosts the process supervisor and its RPC endpoint. One daemon per
// config path; the marker file enforces the singleton.
type Daemon struct {
	settings   core.Settings
	sup        *supervisor.Supervisor
	dispatcher *Dispatcher
	listener   net.Listener
	database   *db.DB

	quit     chan struct{}
	quitOnce sync.Once
}

func New(settings core.Settings) *Daemon {
	d := &Daemon{
		settings: settings,
		quit:     make(chan struct{}),
	}
	d.sup = supervisor.New(supervisor.Config{
		Defaults: supervisor.Defaults{
			AutoRestart:        settings.AutoRestart,
			WaitBeforeRestart:  settings.WaitDuration(),
			MaximumAutoRestart: settings.MaximumAutoRestart,
		},
		AutoClose:   settings.AutoClose,
		GraceWindow: settings.GraceDuration(),
		OnIdle: func() {
			slog.Info("Registry empty past grace window, shutting down")
			d.requestShutdown()
		},
		OnEvent: d.logProcessEvent,
	})
	d.dispatcher = NewDispatcher(d.sup, core.FormatVersion(core.Version), func() {
		// Give the response a moment to flush before tearing down
		time.AfterFunc(100*time.Millisecond, d.requestShutdown)
	})
	return d
}

// Supervisor exposes the registry, mainly for tests.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }

// Run boots the daemon: claims the singleton marker, opens the event log,
// starts listening, and serves until a shutdown signal or quit command.
func (d *Daemon) Run() error {
	d.setupLogging()

	if err := os.MkdirAll(d.settings.ConfigPath, 0o755); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}

	// Claim the singleton before anything else
	markerPath := markerPathFor(d.settings)
	markerFile, err := acquireMarker(markerPath, Marker{Settings: d.settings, Pid: os.Getpid()})
	if err != nil {
		return err
	}
	defer func() {
		markerFile.Close()
		os.Remove(markerPath)
	}()

	// Event log database; failure to open is not fatal for supervision
	dbPath := filepath.Join(d.settings.ConfigPath, core.DBFileName)
	if database, err := db.Open(dbPath); err != nil {
		slog.Error("Failed to open event database", "error", err, "path", dbPath)
	} else {
		d.database = database
		d.database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d",
			core.FormatVersion(core.Version), os.Getpid()))
	}

	socketPath := socketPathFor(d.settings)
	listener, err := listenUnix(socketPath)
	if err != nil {
		return err
	}
	d.listener = listener
	defer os.Remove(socketPath)
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	// Graceful shutdown on SIGTERM/SIGINT
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalChan
		slog.Info(fmt.Sprintf("Signal %v received, shutting down", sig))
		d.requestShutdown()
	}()

	d.watchConfig()

	go func() {
		for {
			conn, err := d.listener.Accept()
			if err != nil {
				if !strings.Contains(err.Error(), "use of closed network connection") {
					slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
				}
				return
			}
			go d.handleConnection(conn)
		}
	}()

	<-d.quit
	d.shutdown()
	return nil
}

// listenUnix creates the socket listener, clearing a stale socket file
// left behind by a daemon that died without cleanup.
func listenUnix(socketPath string) (net.Listener, error) {
	listener, err := net.Listen("unix", socketPath)
	if err == nil {
		return listener, nil
	}
	if _, statErr := os.Stat(socketPath); statErr == nil {
		if conn, dialErr := net.Dial("unix", socketPath); dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("daemon socket at %s is already in use", socketPath)
		}
		slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
		if removeErr := os.Remove(socketPath); removeErr != nil {
			return nil, fmt.Errorf("could not remove stale socket: %w", removeErr)
		}
		return net.Listen("unix", socketPath)
	}
	return nil, fmt.Errorf("could not create socket listener: %w", err)
}

// handleConnection reads requests off one client connection and dispatches
// each in its own goroutine, so a long synchronous fork does not stall
// later requests multiplexed on the same channel.
func (d *Daemon) handleConnection(nc net.Conn) {
	defer nc.Close()

	conn := ipc.NewConn(nc)
	for {
		req, err := conn.ReadRequest()
		if err != nil {
			if err != io.EOF {
				slog.Debug(fmt.Sprintf("Client connection closed: %v", err))
			}
			return
		}
		slog.Info(fmt.Sprintf("Executing command: %s", req.Method))
		go d.dispatcher.Dispatch(conn, req)
	}
}

func (d *Daemon) requestShutdown() {
	d.quitOnce.Do(func() { close(d.quit) })
}

func (d *Daemon) shutdown() {
	slog.Info("Stopping all managed processes")
	d.sup.StopAll()

	if d.listener != nil {
		d.listener.Close()
	}
	if d.database != nil {
		d.database.LogDaemonEvent("stop", fmt.Sprintf("daemon stopped - PID: %d", os.Getpid()))
		d.database.Close()
	}
}

func (d *Daemon) logProcessEvent(id, eventType, details string) {
	if d.database == nil {
		return
	}
	if err := d.database.LogProcessEvent(id, eventType, details); err != nil {
		slog.Error("Failed to log process event", "error", err)
	}
}

// setupLogging points slog at the daemon log file (the daemon is detached,
// so stderr usually goes nowhere) as well as stderr for foreground runs.
func (d *Daemon) setupLogging() {
	logPath := filepath.Join(d.settings.ConfigPath, "daemon.log")
	writer := io.Writer(os.Stderr)
	if logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
		writer = io.MultiWriter(os.Stderr, logFile)
	}

	handler := tint.NewHandler(writer, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.DateTime,
		NoColor:    true,
	})
	slog.SetDefault(slog.New(handler))
}

// watchConfig watches the config file and applies restart-policy default
// changes to the running supervisor without a daemon restart.
func (d *Daemon) watchConfig() {
	configFile := filepath.Join(d.settings.ConfigPath, "config.toml")
	if _, err := os.Stat(configFile); err != nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn(fmt.Sprintf("Config watcher unavailable: %v", err))
		return
	}
	if err := watcher.Add(configFile); err != nil {
		slog.Warn(fmt.Sprintf("Could not watch config file: %v", err))
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				d.reloadDefaults(configFile)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn(fmt.Sprintf("Config watcher error: %v", err))
			case <-d.quit:
				return
			}
		}
	}()
}

func (d *Daemon) reloadDefaults(configFile string) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetDefault("restart.auto", d.settings.AutoRestart)
	v.SetDefault("restart.wait", d.settings.WaitBeforeRestart)
	v.SetDefault("restart.max", d.settings.MaximumAutoRestart)
	if err := v.ReadInConfig(); err != nil {
		slog.Warn(fmt.Sprintf("Config reload failed: %v", err))
		return
	}

	wait, err := time.ParseDuration(v.GetString("restart.wait"))
	if err != nil || wait <= 0 {
		wait = d.settings.WaitDuration()
	}
	d.sup.SetDefaults(supervisor.Defaults{
		AutoRestart:        v.GetBool("restart.auto"),
		WaitBeforeRestart:  wait,
		MaximumAutoRestart: v.GetInt("restart.max"),
	})
	slog.Info("Restart policy defaults reloaded from config")
}
