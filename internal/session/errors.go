// Package session performs the external side effects of fired idle actions:
// D-Bus calls into logind, shell hooks, backlight control and the session-bus
// services (screensaver inhibit, media watch) that feed inhibitor leases back
// into the engine.
package session

import (
	"context"
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Session failures are folded into three reportable classes so retry policy
// and status output do not depend on raw D-Bus error names.
var (
	// ErrPermissionDenied: the call reached the service but polkit or the
	// seat policy rejected it.
	ErrPermissionDenied = errors.New("session operation not permitted")

	// ErrInterfaceUnavailable: the target service, object or method does
	// not exist on the bus.
	ErrInterfaceUnavailable = errors.New("session interface unavailable")

	// ErrTimeout: the call did not complete within the configured bound.
	ErrTimeout = errors.New("session operation timed out")
)

// mapDBusError classifies a D-Bus call failure. The original error stays in
// the chain for logging.
func mapDBusError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}

	var dberr dbus.Error
	if errors.As(err, &dberr) {
		switch dberr.Name {
		case "org.freedesktop.DBus.Error.AccessDenied",
			"org.freedesktop.DBus.Error.AuthFailed",
			"org.freedesktop.login1.OperationInProgress",
			"org.freedesktop.PolicyKit1.Error.NotAuthorized":
			return errors.Join(ErrPermissionDenied, err)
		case "org.freedesktop.DBus.Error.NoReply",
			"org.freedesktop.DBus.Error.Timeout":
			return errors.Join(ErrTimeout, err)
		case "org.freedesktop.DBus.Error.ServiceUnknown",
			"org.freedesktop.DBus.Error.NameHasNoOwner",
			"org.freedesktop.DBus.Error.UnknownObject",
			"org.freedesktop.DBus.Error.UnknownInterface",
			"org.freedesktop.DBus.Error.UnknownMethod":
			return errors.Join(ErrInterfaceUnavailable, err)
		}
		if strings.HasPrefix(dberr.Name, "org.freedesktop.DBus.Error.Unknown") {
			return errors.Join(ErrInterfaceUnavailable, err)
		}
	}
	return err
}
