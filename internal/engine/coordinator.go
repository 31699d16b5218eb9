package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CamRed25/stasis/internal/device"
)

// ErrCoordinatorStopped is returned by control-plane calls made after the
// coordinator has shut down.
var ErrCoordinatorStopped = errors.New("coordinator stopped")

// Status is a consistent snapshot of the whole engine, taken on the
// coordinator goroutine for status reporting.
type Status struct {
	Idle         bool              `json:"idle"`
	Paused       bool              `json:"paused"`
	Profile      string            `json:"profile"`
	LastActivity time.Time         `json:"last_activity"`
	IdleFor      time.Duration     `json:"idle_for"`
	Thresholds   []ThresholdStatus `json:"thresholds"`
	Inhibitors   []Lease           `json:"inhibitors"`
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	// Bridge performs session effects for fired thresholds.
	Bridge Bridge

	// Thresholds returns the threshold set for a power profile. Called at
	// startup and again whenever the profile changes.
	Thresholds func(profile string) []Threshold

	// Profile is the power profile active at startup.
	Profile string

	// Devices is the event stream from the device watcher.
	Devices <-chan device.Event

	// RunCommand executes a resume command when activity ends an idle
	// period in which thresholds fired.
	RunCommand func(ctx context.Context, command string) error

	// OnLid is invoked on lid switch transitions. May be nil.
	OnLid func(closed bool)

	// OnActive is invoked once per idle-to-active edge, before resume
	// commands run. Used for built-in resume effects such as restoring
	// captured brightness. May be nil.
	OnActive func()

	// OnFired and OnFailure are notified after the scheduler's own
	// handling, for event persistence. May be nil.
	OnFired   func(Threshold)
	OnFailure func(Threshold, error)

	PollInterval time.Duration
	RetryLimit   int

	// Debounce discards activity arriving within this window after an
	// action fires, so the input burst that triggered a wake path cannot
	// immediately undo it. Zero disables the window.
	Debounce time.Duration

	Metrics *Metrics
	Logger  *slog.Logger
}

// Coordinator runs the engine on a single goroutine. Device events, timer
// expiries and control-plane requests all funnel into one loop and are
// processed sequentially, so the clock, registry and scheduler carry no
// locks. Pending activity is always drained before timers are evaluated: a
// wiggled mouse beats an expiring threshold that raced it.
type Coordinator struct {
	clock     *IdleClock
	registry  *Registry
	scheduler *Scheduler

	thresholds func(string) []Threshold
	profile    string
	paused     bool
	lastFired  time.Time

	devices    <-chan device.Event
	ops        chan func()
	runCommand func(ctx context.Context, command string) error
	onLid      func(bool)
	onActive   func()
	debounce   time.Duration

	timer   *time.Timer
	metrics *Metrics
	logger  *slog.Logger

	// lastActivityNano feeds the idle-seconds gauge without crossing into
	// coordinator-owned state.
	lastActivityNano atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCoordinator assembles the engine. Call Start to begin processing.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Profile == "" {
		cfg.Profile = "ac"
	}
	if cfg.RunCommand == nil {
		cfg.RunCommand = func(context.Context, string) error { return nil }
	}

	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ctx:        ctx,
		cancel:     cancel,
		clock:      NewIdleClock(now),
		registry:   NewRegistry(cfg.Logger),
		thresholds: cfg.Thresholds,
		profile:    cfg.Profile,
		devices:    cfg.Devices,
		ops:        make(chan func(), 64),
		runCommand: cfg.RunCommand,
		onLid:      cfg.OnLid,
		onActive:   cfg.OnActive,
		debounce:   cfg.Debounce,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	c.lastActivityNano.Store(now.UnixNano())

	c.scheduler = NewScheduler(SchedulerConfig{
		Registry:     c.registry,
		Bridge:       cfg.Bridge,
		PollInterval: cfg.PollInterval,
		RetryLimit:   cfg.RetryLimit,
		Logger:       cfg.Logger,
		OnFired: func(t Threshold) {
			c.clock.MarkIdle()
			c.lastFired = time.Now()
			if c.metrics != nil {
				c.metrics.ActionsFired.WithLabelValues(t.Kind.String()).Inc()
			}
			if cfg.OnFired != nil {
				cfg.OnFired(t)
			}
		},
		OnFailure: func(t Threshold, err error) {
			if c.metrics != nil {
				c.metrics.ActionFailures.WithLabelValues(t.Kind.String()).Inc()
			}
			if cfg.OnFailure != nil {
				cfg.OnFailure(t, err)
			}
		},
		OnBlocked: func(t Threshold) {
			if c.metrics != nil {
				c.metrics.InhibitBlocks.Inc()
			}
		},
	})

	if cfg.Metrics != nil {
		cfg.Metrics.bindIdleSeconds(&c.lastActivityNano)
	}
	return c
}

// Start begins the event loop.
func (c *Coordinator) Start() {
	c.scheduler.SetThresholds(c.thresholds(c.profile), time.Now())

	c.timer = time.NewTimer(time.Hour)
	c.resetTimer()

	c.wg.Add(1)
	go c.run(c.ctx)

	c.logger.Info("Coordinator started",
		"profile", c.profile, "thresholds", len(c.scheduler.entries))
}

// Stop shuts the loop down and waits for it to exit.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.logger.Info("Coordinator stopped")
	})
}

// run is the event loop. Every state mutation in the engine happens here.
func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.scheduler.Disarm()
			return

		case ev, ok := <-c.devices:
			if !ok {
				// Watcher gone; keep serving control-plane requests so
				// status and manual triggers still work during shutdown.
				c.devices = nil
				continue
			}
			c.handleDevice(ctx, ev)
			c.drainDevices(ctx)
			c.resetTimer()

		case op := <-c.ops:
			op()
			c.resetTimer()

		case <-c.timer.C:
			// Activity that raced the expiry wins; drain it first.
			c.drainDevices(ctx)
			if !c.paused {
				c.scheduler.Tick(ctx, time.Now())
			}
			c.resetTimer()
		}
	}
}

// drainDevices consumes all buffered device events without blocking.
func (c *Coordinator) drainDevices(ctx context.Context) {
	if c.devices == nil {
		return
	}
	for {
		select {
		case ev, ok := <-c.devices:
			if !ok {
				c.devices = nil
				return
			}
			c.handleDevice(ctx, ev)
		default:
			return
		}
	}
}

func (c *Coordinator) handleDevice(ctx context.Context, ev device.Event) {
	switch ev.Type {
	case device.Activity:
		c.recordActivity(ctx, ev.Timestamp)

	case device.LidClosed, device.LidOpened:
		closed := ev.Type == device.LidClosed
		c.logger.Info("Lid switch", "closed", closed)
		if c.onLid != nil {
			c.onLid(closed)
		}

	case device.SourceAdded, device.SourceRemoved:
		// Informational; the watcher already logged it.
	}
}

// recordActivity folds one activity observation into the engine. Called for
// device input and for explicit activity pokes from the IPC layer.
func (c *Coordinator) recordActivity(ctx context.Context, ts time.Time) {
	if c.metrics != nil {
		c.metrics.ActivityEvents.Inc()
	}
	if c.debounce > 0 && !c.lastFired.IsZero() && ts.Sub(c.lastFired) < c.debounce {
		c.logger.Debug("Activity within debounce window, ignoring",
			"since_fire", ts.Sub(c.lastFired))
		return
	}

	edge := c.clock.RecordActivity(ts)
	c.lastActivityNano.Store(c.clock.LastActivity().UnixNano())

	resume := c.scheduler.Reset(c.clock.LastActivity())
	if edge {
		c.logger.Info("Session active again", "resume_commands", len(resume))
		if c.onActive != nil {
			c.onActive()
		}
	}
	for _, cmd := range resume {
		if err := c.runCommand(ctx, cmd); err != nil {
			c.logger.Error("Resume command failed", "command", cmd, "error", err)
		}
	}
}

// do runs fn on the coordinator goroutine and waits for it to complete.
func (c *Coordinator) do(fn func()) error {
	done := make(chan struct{})
	op := func() {
		fn()
		close(done)
	}
	select {
	case c.ops <- op:
	case <-c.ctx.Done():
		return ErrCoordinatorStopped
	}
	select {
	case <-done:
		return nil
	case <-c.ctx.Done():
		return ErrCoordinatorStopped
	}
}

// NotifyActivity records external activity, e.g. a D-Bus SimulateUserActivity
// call. Non-blocking on the caller's side.
func (c *Coordinator) NotifyActivity() error {
	ts := time.Now()
	return c.do(func() {
		c.recordActivity(c.ctx, ts)
	})
}

// Acquire grants an inhibit lease.
func (c *Coordinator) Acquire(owner string, scope []ActionKind, reason string) (Lease, error) {
	var lease Lease
	err := c.do(func() {
		lease = c.registry.Acquire(owner, scope, reason)
	})
	return lease, err
}

// Release returns a lease. Unknown ids yield ErrLeaseNotFound.
func (c *Coordinator) Release(id string) error {
	var inner error
	if err := c.do(func() {
		inner = c.registry.Release(id)
	}); err != nil {
		return err
	}
	return inner
}

// ReleaseOwner drops every lease held by a disconnected owner.
func (c *Coordinator) ReleaseOwner(owner string) (int, error) {
	var n int
	err := c.do(func() {
		n = c.registry.ReleaseOwner(owner)
	})
	return n, err
}

// Trigger fires the named threshold immediately, bypassing its timer and any
// inhibitors.
func (c *Coordinator) Trigger(name string) error {
	var inner error
	if err := c.do(func() {
		inner = c.scheduler.Trigger(c.ctx, name)
	}); err != nil {
		return err
	}
	return inner
}

// Pause suspends idle management. The clock keeps tracking activity so status
// stays truthful, but no thresholds fire until Resume.
func (c *Coordinator) Pause() error {
	return c.do(func() {
		if c.paused {
			return
		}
		c.paused = true
		c.scheduler.Disarm()
		c.logger.Info("Idle management paused")
	})
}

// Resume re-enables idle management with a fresh idle period.
func (c *Coordinator) Resume() error {
	return c.do(func() {
		if !c.paused {
			return
		}
		c.paused = false
		c.clock.RecordActivity(time.Now())
		c.scheduler.Reset(c.clock.LastActivity())
		c.logger.Info("Idle management resumed")
	})
}

// SetProfile switches the active power profile. A no-op when the profile is
// unchanged; otherwise the threshold set for the new profile is installed and
// armed against the current idle period.
func (c *Coordinator) SetProfile(profile string) error {
	return c.do(func() {
		if profile == c.profile {
			return
		}
		c.logger.Info("Power profile changed", "from", c.profile, "to", profile)
		c.profile = profile
		c.scheduler.SetThresholds(c.thresholds(profile), c.clock.LastActivity())
		if c.paused {
			c.scheduler.Disarm()
		}
	})
}

// ReloadThresholds re-installs the threshold set for the current profile,
// armed against the current idle period. Called after a config reload.
func (c *Coordinator) ReloadThresholds() error {
	return c.do(func() {
		c.scheduler.SetThresholds(c.thresholds(c.profile), c.clock.LastActivity())
		if c.paused {
			c.scheduler.Disarm()
		}
		c.logger.Info("Thresholds reloaded", "profile", c.profile)
	})
}

// Status returns a consistent engine snapshot.
func (c *Coordinator) Status() (Status, error) {
	var st Status
	err := c.do(func() {
		now := time.Now()
		st = Status{
			Idle:         c.clock.Idle(),
			Paused:       c.paused,
			Profile:      c.profile,
			LastActivity: c.clock.LastActivity(),
			IdleFor:      c.clock.IdleFor(now),
			Thresholds:   c.scheduler.Snapshot(),
			Inhibitors:   c.registry.Leases(),
		}
	})
	return st, err
}

// resetTimer re-arms the wakeup timer for the earliest pending deadline.
// Runs on the loop goroutine only.
func (c *Coordinator) resetTimer() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	if c.paused {
		return
	}
	deadline, ok := c.scheduler.NextDeadline()
	if !ok {
		return
	}
	wait := time.Until(deadline)
	if wait < 0 {
		wait = 0
	}
	c.timer.Reset(wait)
}
