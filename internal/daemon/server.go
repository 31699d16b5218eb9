// Package daemon wires the idle engine, device watcher and session bridge
// into the long-running process and serves the control socket the CLI talks
// to.
package daemon

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CamRed25/stasis/internal/core"
	"github.com/CamRed25/stasis/internal/db"
	"github.com/CamRed25/stasis/internal/device"
	"github.com/CamRed25/stasis/internal/engine"
	"github.com/CamRed25/stasis/internal/session"
)

// profilePollInterval is how often the power source is re-read. Power supply
// sysfs has no change notification worth relying on across drivers.
const profilePollInterval = 10 * time.Second

// Daemon owns every long-lived component of the idle manager.
type Daemon struct {
	coordinator  *engine.Coordinator
	bridge       *session.Bridge
	runner       *session.Runner
	watcher      *device.Watcher
	power        *device.PowerSource
	database     *db.DB
	logBroadcast *LogBroadcaster
	listener     net.Listener
	metricsSrv   *http.Server

	connSeq      atomic.Uint64
	shutdownOnce sync.Once
	ctx          context.Context
	cancelFunc   context.CancelFunc
}

// New creates a daemon. Configuration must already be loaded.
func New() *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		logBroadcast: NewLogBroadcaster(1000),
		power:        &device.PowerSource{},
		ctx:          ctx,
		cancelFunc:   cancel,
	}
}

// Run starts every component and serves the control socket until a stop
// command or signal arrives. It does not return.
func (d *Daemon) Run() {
	d.setupLogging()

	// Database for action/inhibit history
	dbPath := filepath.Join(core.Config.ConfigPath, "stasis.db")
	database, err := db.Open(dbPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", dbPath)
	} else {
		d.database = database
		slog.Info("Database opened", "path", dbPath)

		version := core.FormatVersion(core.Version)
		details := fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())
		if err := d.database.LogDaemonEvent("start", details); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	// Control socket, with stale-socket recovery
	socketPath := core.GetSocketPath()
	pidFilePath := core.GetPIDFilePath()

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		if _, statErr := os.Stat(socketPath); statErr == nil {
			conn, dialErr := net.Dial("unix", socketPath)
			if dialErr == nil {
				conn.Close()
				slog.Error("Fatal: Daemon is already running")
				os.Exit(1)
			}
			slog.Info(fmt.Sprintf("Removing stale socket file: %s", socketPath))
			if removeErr := os.Remove(socketPath); removeErr != nil {
				slog.Error(fmt.Sprintf("Fatal: Could not remove stale socket: %v", removeErr))
				os.Exit(1)
			}
			listener, err = net.Listen("unix", socketPath)
		}
		if err != nil {
			slog.Error(fmt.Sprintf("Fatal: Could not create socket listener: %v", err))
			os.Exit(1)
		}
	}
	d.listener = listener
	os.WriteFile(pidFilePath, []byte(strconv.Itoa(os.Getpid())), 0o644)
	slog.Info(fmt.Sprintf("Daemon listening on %s", socketPath))

	// Session bridge. A missing system bus is survivable: command and
	// brightness kinds still work, lock and suspend report their
	// unavailability when they fire.
	logind, err := session.ConnectLogind(nil)
	if err != nil {
		slog.Warn("logind unavailable, lock/suspend limited to configured commands", "error", err)
	}
	d.runner = session.NewRunner(core.Config.Session.CallTimeout, nil)
	d.bridge = session.NewBridge(session.BridgeConfig{
		Logind:            logind,
		Runner:            d.runner,
		LockCommand:       core.Config.Session.LockCommand,
		PreSuspendCommand: core.Config.Session.PreSuspendCommand,
		CallTimeout:       core.Config.Session.CallTimeout,
		OnLockerStarted:   d.watchLocker,
	})

	metrics := engine.NewMetrics(nil)
	d.startMetricsListener()

	// Input devices
	d.watcher = device.NewWatcher(device.WatcherConfig{
		Dir: core.Config.InputDir,
	})
	if err := d.watcher.Start(d.ctx); err != nil {
		slog.Error("Fatal: Could not start device watcher", "error", err)
		d.fail()
	}

	// Engine
	d.coordinator = engine.NewCoordinator(engine.CoordinatorConfig{
		Bridge:       d.bridge,
		Thresholds:   d.thresholdsForProfile,
		Profile:      d.power.Profile(),
		Devices:      d.watcher.Events(),
		RunCommand:   d.runner.Run,
		OnLid:        d.handleLid,
		OnActive:     d.bridge.RestoreBrightness,
		OnFired:      d.recordFired,
		OnFailure:    d.recordFailure,
		PollInterval: core.Config.Scheduler.PollInterval,
		RetryLimit:   core.Config.Scheduler.RetryLimit,
		Debounce:     core.Config.Debounce,
		Metrics:      metrics,
	})
	d.coordinator.Start()

	// Session-bus services feeding the inhibitor registry
	if _, err := session.StartScreenSaver(d.ctx, d.coordinator, nil); err != nil {
		slog.Warn("ScreenSaver service unavailable", "error", err)
	}
	if core.Config.MonitorMedia {
		media := session.NewMediaMonitor(d.coordinator, nil)
		if err := media.Start(d.ctx); err != nil {
			slog.Warn("Media monitor unavailable", "error", err)
		}
	}

	// Fresh idle period after resume from sleep
	sleepMon := session.NewSleepMonitor(nil, func() {
		if err := d.coordinator.NotifyActivity(); err != nil {
			slog.Warn("Failed to reset idle period after wake", "error", err)
		}
	}, nil)
	sleepMon.Start(d.ctx)

	go d.watchFatal()
	go d.pollPowerProfile()
	d.watchConfig()

	// Signals
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-shutdownChan
		slog.Info("Shutdown signal received", "signal", sig.String())
		d.shutdown("signal " + sig.String())
		os.Exit(0)
	}()

	sd.SdNotify(false, sd.SdNotifyReady)

	// Accept loop
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if !strings.Contains(err.Error(), "use of closed network connection") {
				slog.Info(fmt.Sprintf("Error accepting connection: %v", err))
			}
			break
		}
		go d.handleConnection(conn)
	}
}

// thresholdsForProfile converts the configured actions for a power profile
// into engine thresholds.
func (d *Daemon) thresholdsForProfile(profile string) []engine.Threshold {
	actions := core.Config.ActionsForProfile(profile)
	thresholds := make([]engine.Threshold, 0, len(actions))
	for _, a := range actions {
		kind, ok := engine.ParseActionKind(a.Kind)
		if !ok {
			// Validation rejects unknown kinds; a reload race could
			// still surface one here.
			slog.Warn("Skipping action with unknown kind", "action", a.Name, "kind", a.Kind)
			continue
		}
		thresholds = append(thresholds, engine.Threshold{
			Name:          a.Name,
			Kind:          kind,
			After:         a.Timeout,
			Command:       a.Command,
			ResumeCommand: a.ResumeCommand,
		})
	}
	return thresholds
}

// watchLocker follows an external locker process; its exit counts as
// activity since the user just authenticated.
func (d *Daemon) watchLocker(pid int) {
	session.WatchLocker(d.ctx, pid, time.Second, func() {
		if err := d.coordinator.NotifyActivity(); err != nil {
			slog.Warn("Failed to record unlock activity", "error", err)
		}
	}, nil)
}

// handleLid runs on the coordinator goroutine, so the trigger is dispatched
// asynchronously through the control plane.
func (d *Daemon) handleLid(closed bool) {
	if !closed || core.Config.LidCloseAction == "" {
		return
	}
	name := core.Config.LidCloseAction
	go func() {
		if err := d.coordinator.Trigger(name); err != nil {
			slog.Warn("Lid close action failed", "action", name, "error", err)
		}
	}()
}

func (d *Daemon) recordFired(t engine.Threshold) {
	if d.database == nil {
		return
	}
	details := fmt.Sprintf("after %s idle", t.After)
	if err := d.database.LogActionEvent(t.Name, t.Kind.String(), "fired", details); err != nil {
		slog.Warn("Failed to record action event", "error", err)
	}
}

func (d *Daemon) recordFailure(t engine.Threshold, ferr error) {
	if d.database == nil {
		return
	}
	if err := d.database.LogActionEvent(t.Name, t.Kind.String(), "failed", ferr.Error()); err != nil {
		slog.Warn("Failed to record action event", "error", err)
	}
}

// watchFatal terminates the daemon if the device watcher loses its hotplug
// mechanism. Without it the daemon would silently stop seeing input and
// lock sessions under active use.
func (d *Daemon) watchFatal() {
	select {
	case <-d.ctx.Done():
	case err, ok := <-d.watcher.Fatal():
		if !ok {
			return
		}
		slog.Error("Device watcher failed, shutting down", "error", err)
		d.shutdown("device watcher failure: " + err.Error())
		os.Exit(1)
	}
}

// pollPowerProfile tracks ac/battery transitions.
func (d *Daemon) pollPowerProfile() {
	ticker := time.NewTicker(profilePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if err := d.coordinator.SetProfile(d.power.Profile()); err != nil {
				return
			}
		}
	}
}

// startMetricsListener serves Prometheus metrics when configured.
func (d *Daemon) startMetricsListener() {
	listen := core.Config.Metrics.Listen
	if listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	d.metricsSrv = &http.Server{Addr: listen, Handler: mux}

	go func() {
		slog.Info("Metrics listener started", "addr", listen)
		if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Warn("Metrics listener failed", "error", err)
		}
	}()
}

// watchConfig reloads thresholds when the config file changes. Invalid
// configs are rejected and the running set stays in place.
func (d *Daemon) watchConfig() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("Config watcher unavailable", "error", err)
		return
	}
	if err := watcher.Add(core.Config.ConfigPath); err != nil {
		slog.Warn("Failed to watch config directory", "error", err)
		watcher.Close()
		return
	}

	go func() {
		defer watcher.Close()

		var reloadTimer *time.Timer
		for {
			select {
			case <-d.ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != "config.toml" {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of writes; reload once they settle
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(300*time.Millisecond, d.reloadConfig)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Config watcher error", "error", err)
			}
		}
	}()
}

func (d *Daemon) reloadConfig() {
	newCfg, err := core.LoadConfigFile(core.Config.ConfigPath)
	if err != nil {
		slog.Error("Config reload rejected", "error", err)
		return
	}
	newCfg.Verbose = core.Config.Verbose
	core.Config = newCfg

	if err := d.coordinator.ReloadThresholds(); err != nil {
		slog.Error("Failed to apply reloaded thresholds", "error", err)
		return
	}
	slog.Info("Configuration reloaded", "actions", len(newCfg.Actions))
	if d.database != nil {
		d.database.LogDaemonEvent("reload", fmt.Sprintf("%d actions configured", len(newCfg.Actions)))
	}
}

// fail shuts down after a fatal startup error.
func (d *Daemon) fail() {
	d.shutdown("startup failure")
	os.Exit(1)
}

// shutdown stops every component exactly once.
func (d *Daemon) shutdown(reason string) {
	d.shutdownOnce.Do(func() {
		sd.SdNotify(false, sd.SdNotifyStopping)
		slog.Info("Shutting down", "reason", reason)

		d.cancelFunc()

		if d.coordinator != nil {
			d.coordinator.Stop()
		}
		if d.watcher != nil {
			d.watcher.Stop()
		}
		if d.metricsSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			d.metricsSrv.Shutdown(ctx)
			cancel()
		}

		if d.database != nil {
			d.database.LogDaemonEvent("stop", reason)
			if err := d.database.Flush(); err != nil {
				slog.Error("Failed to flush database", "error", err)
			}
			if err := d.database.Close(); err != nil {
				slog.Error("Failed to close database", "error", err)
			}
		}

		if d.listener != nil {
			d.listener.Close()
		}
		os.Remove(core.GetSocketPath())
		os.Remove(core.GetPIDFilePath())
	})
}

// handleConnection serves one control-socket client.
func (d *Daemon) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}

	parts := strings.Fields(scanner.Text())
	if len(parts) == 0 {
		return
	}
	command, args := parts[0], parts[1:]

	if command != "VERSION" && command != "STATUS" {
		if len(args) > 0 {
			slog.Info(fmt.Sprintf("Executing command: %s %v", command, args))
		} else {
			slog.Info(fmt.Sprintf("Executing command: %s", command))
		}
	}

	var response Response
	switch command {
	case "STATUS":
		response = d.getStatus()
	case "VERSION":
		response = d.getVersion()
	case "TRIGGER":
		if len(args) < 1 {
			response = errorResponse("TRIGGER needs an action name")
		} else {
			response = d.triggerAction(args[0])
		}
	case "INHIBIT":
		// Holds the connection; the lease dies with the client
		d.handleInhibit(conn, args)
		return
	case "RELEASE":
		if len(args) < 1 {
			response = errorResponse("RELEASE needs a lease id")
		} else {
			response = d.releaseLease(args[0])
		}
	case "PAUSE":
		response = d.pause()
	case "RESUME":
		response = d.resume()
	case "ACTIVITY":
		response = d.simulateActivity()
	case "HISTORY":
		limit := 20
		if len(args) >= 1 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				limit = n
			}
		}
		response = d.getHistory(limit)
	case "LOGS":
		historyLines := 20
		showHistory := true
		if len(args) >= 1 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				historyLines = n
			}
			if args[0] == "no_history" || (len(args) >= 2 && args[1] == "no_history") {
				showHistory = false
			}
		}
		d.handleLogs(conn, showHistory, historyLines)
		return
	case "STOP":
		response.AddMessage("Daemon stopping", StatusInfo)
		conn.Write([]byte(response.ToJSON()))
		slog.Info("Stop command received. Shutting down daemon.")
		d.shutdown("stop command")
		os.Exit(0)
	default:
		response = errorResponse(fmt.Sprintf("Unknown command: %s", command))
	}

	conn.Write([]byte(response.ToJSON()))
}
