package session

import (
	"context"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

// SleepMonitor mirrors logind's PrepareForSleep signal into callbacks. The
// wake callback feeds the engine a fresh idle period so a laptop that slept
// overnight does not lock itself the instant it resumes.
type SleepMonitor struct {
	onSleep func()
	onWake  func()
	logger  *slog.Logger
}

// NewSleepMonitor creates a monitor; either callback may be nil.
func NewSleepMonitor(onSleep, onWake func(), logger *slog.Logger) *SleepMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SleepMonitor{onSleep: onSleep, onWake: onWake, logger: logger}
}

// Start begins listening for sleep/wake transitions on the system bus.
// Falls back to no-op if D-Bus is unavailable.
func (m *SleepMonitor) Start(ctx context.Context) {
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			if os.Getenv("DBUS_SYSTEM_BUS_ADDRESS") == "" {
				m.logger.Debug("D-Bus unavailable, sleep monitor disabled")
			} else {
				m.logger.Warn("Failed to connect to D-Bus for sleep monitoring", "error", err)
			}
			return
		}

		if err := conn.AddMatchSignal(
			dbus.WithMatchObjectPath("/org/freedesktop/login1"),
			dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
			dbus.WithMatchMember("PrepareForSleep"),
		); err != nil {
			m.logger.Warn("Failed to subscribe to PrepareForSleep signal", "error", err)
			return
		}

		signals := make(chan *dbus.Signal, 8)
		conn.Signal(signals)

		m.logger.Info("Sleep monitor started (D-Bus logind)")

		for {
			select {
			case <-ctx.Done():
				conn.RemoveSignal(signals)
				m.logger.Debug("Sleep monitor stopped")
				return
			case sig := <-signals:
				if sig == nil {
					return
				}
				if sig.Name != "org.freedesktop.login1.Manager.PrepareForSleep" {
					continue
				}
				if len(sig.Body) < 1 {
					continue
				}
				entering, ok := sig.Body[0].(bool)
				if !ok {
					continue
				}
				if entering {
					m.logger.Info("System entering sleep")
					if m.onSleep != nil {
						m.onSleep()
					}
				} else {
					m.logger.Info("System woke from sleep")
					if m.onWake != nil {
						m.onWake()
					}
				}
			}
		}
	}()
}
