package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/CamRed25/stasis/internal/engine"
)

// defaultDimPercent is used by brightness actions with no explicit level.
const defaultDimPercent = 10

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// Logind may be nil when no system bus is reachable; lock and suspend
	// then report ErrInterfaceUnavailable unless a command is configured.
	Logind *Logind

	Runner     *Runner
	Brightness *Brightness

	// LockCommand overrides logind locking with an external locker, e.g.
	// swaylock. The locker runs detached; OnLockerStarted receives its pid.
	LockCommand     string
	OnLockerStarted func(pid int)

	// PreSuspendCommand runs before every suspend request. Its failure is
	// logged but does not cancel the suspend.
	PreSuspendCommand string

	// CallTimeout bounds each logind call.
	CallTimeout time.Duration

	Logger *slog.Logger
}

// Bridge translates fired actions into session effects: logind calls, shell
// commands and backlight writes. Each call is bounded by CallTimeout; retry
// policy stays with the scheduler.
type Bridge struct {
	logind          *Logind
	runner          *Runner
	brightness      *Brightness
	lockCommand     string
	onLockerStarted func(int)
	preSuspend      string
	callTimeout     time.Duration
	logger          *slog.Logger
}

// NewBridge assembles a bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Runner == nil {
		cfg.Runner = NewRunner(cfg.CallTimeout, cfg.Logger)
	}
	if cfg.Brightness == nil {
		cfg.Brightness = NewBrightness("", cfg.Logger)
	}
	return &Bridge{
		logind:          cfg.Logind,
		runner:          cfg.Runner,
		brightness:      cfg.Brightness,
		lockCommand:     cfg.LockCommand,
		onLockerStarted: cfg.OnLockerStarted,
		preSuspend:      cfg.PreSuspendCommand,
		callTimeout:     cfg.CallTimeout,
		logger:          cfg.Logger,
	}
}

// Perform dispatches one action. Implements engine.Bridge.
func (b *Bridge) Perform(ctx context.Context, action engine.Action) error {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	switch action.Kind {
	case engine.KindLock:
		return b.lock(ctx, action)
	case engine.KindSuspend:
		return b.suspend(ctx)
	case engine.KindDPMS:
		if action.Command == "" {
			return fmt.Errorf("dpms action %q has no command configured", action.Name)
		}
		return b.runner.Run(ctx, action.Command)
	case engine.KindBrightness:
		return b.dim(ctx, action)
	case engine.KindCommand:
		if action.Command == "" {
			return fmt.Errorf("action %q has no command configured", action.Name)
		}
		return b.runner.Run(ctx, action.Command)
	default:
		return fmt.Errorf("unknown action kind %d", action.Kind)
	}
}

func (b *Bridge) lock(ctx context.Context, action engine.Action) error {
	command := action.Command
	if command == "" {
		command = b.lockCommand
	}
	if command != "" {
		pid, err := b.runner.Start(command)
		if err != nil {
			return err
		}
		if b.onLockerStarted != nil {
			b.onLockerStarted(pid)
		}
		return nil
	}
	if b.logind == nil {
		return fmt.Errorf("lock: %w", ErrInterfaceUnavailable)
	}
	return b.logind.LockSession(ctx)
}

func (b *Bridge) suspend(ctx context.Context) error {
	if b.preSuspend != "" {
		if err := b.runner.Run(ctx, b.preSuspend); err != nil {
			// The machine still suspends; a broken hook must not keep
			// the lid-closed laptop awake in a bag.
			b.logger.Warn("Pre-suspend command failed", "error", err)
		}
	}
	if b.logind == nil {
		return fmt.Errorf("suspend: %w", ErrInterfaceUnavailable)
	}
	return b.logind.Suspend(ctx)
}

// dim treats a numeric command ("10" or "10%") as a target percentage for
// the built-in sysfs path; anything else runs as a shell command.
func (b *Bridge) dim(ctx context.Context, action engine.Action) error {
	command := strings.TrimSpace(action.Command)
	if command == "" {
		return b.brightness.Dim(defaultDimPercent)
	}
	if percent, err := strconv.Atoi(strings.TrimSuffix(command, "%")); err == nil {
		return b.brightness.Dim(percent)
	}
	return b.runner.Run(ctx, command)
}

// RestoreBrightness reverts any captured backlight levels. Called on the
// idle-to-active edge.
func (b *Bridge) RestoreBrightness() {
	b.brightness.Restore()
}
