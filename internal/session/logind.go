package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	login1Dest    = "org.freedesktop.login1"
	login1Path    = dbus.ObjectPath("/org/freedesktop/login1")
	login1Manager = "org.freedesktop.login1.Manager"

	// "auto" resolves to the caller's own session.
	sessionAutoPath = dbus.ObjectPath("/org/freedesktop/login1/session/auto")
	sessionIface    = "org.freedesktop.login1.Session"
)

// Logind drives suspend and session locking through systemd-logind on the
// system bus. All calls are bounded by the caller's context; D-Bus failures
// come back as the package's typed errors.
type Logind struct {
	conn   *dbus.Conn
	logger *slog.Logger
}

// ConnectLogind opens the system bus connection. On machines without a
// system bus the daemon still runs; kinds that need logind report
// ErrInterfaceUnavailable when they fire.
func ConnectLogind(logger *slog.Logger) (*Logind, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Logind{conn: conn, logger: logger}, nil
}

// Suspend asks logind to suspend the machine. The interactive flag is false:
// polkit must not pop an auth dialog from a daemon.
func (l *Logind) Suspend(ctx context.Context) error {
	obj := l.conn.Object(login1Dest, login1Path)
	call := obj.CallWithContext(ctx, login1Manager+".Suspend", 0, false)
	if call.Err != nil {
		return fmt.Errorf("logind suspend: %w", mapDBusError(call.Err))
	}
	l.logger.Info("Suspend requested via logind")
	return nil
}

// LockSession asks logind to lock the calling user's session. Compositors
// and screen lockers that subscribe to the session Lock signal take it from
// there.
func (l *Logind) LockSession(ctx context.Context) error {
	obj := l.conn.Object(login1Dest, sessionAutoPath)
	call := obj.CallWithContext(ctx, sessionIface+".Lock", 0)
	if call.Err != nil {
		return fmt.Errorf("logind lock: %w", mapDBusError(call.Err))
	}
	l.logger.Info("Session lock requested via logind")
	return nil
}

// CanSuspend reports logind's suspend capability string ("yes", "no",
// "challenge" or "na").
func (l *Logind) CanSuspend(ctx context.Context) (string, error) {
	obj := l.conn.Object(login1Dest, login1Path)
	var result string
	call := obj.CallWithContext(ctx, login1Manager+".CanSuspend", 0)
	if call.Err != nil {
		return "", fmt.Errorf("logind CanSuspend: %w", mapDBusError(call.Err))
	}
	if err := call.Store(&result); err != nil {
		return "", err
	}
	return result, nil
}

// Conn exposes the underlying bus connection for signal subscribers.
func (l *Logind) Conn() *dbus.Conn {
	return l.conn
}

// Close releases the bus connection.
func (l *Logind) Close() error {
	return l.conn.Close()
}
