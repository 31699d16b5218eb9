package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/CamRed25/stasis/internal/engine"
)

// Engine is the slice of the coordinator the session-bus services need.
type Engine interface {
	Acquire(owner string, scope []engine.ActionKind, reason string) (engine.Lease, error)
	Release(id string) error
	ReleaseOwner(owner string) (int, error)
	NotifyActivity() error
}

const (
	screenSaverName  = "org.freedesktop.ScreenSaver"
	screenSaverIface = "org.freedesktop.ScreenSaver"
)

// Clients are inconsistent about the object path; Firefox uses the
// freedesktop one, mpv the short one. Export on both.
var screenSaverPaths = []dbus.ObjectPath{
	"/org/freedesktop/ScreenSaver",
	"/ScreenSaver",
}

// ScreenSaver implements the org.freedesktop.ScreenSaver interface on the
// session bus. Inhibit calls become inhibitor leases keyed to the caller's
// unique bus name, so a client that crashes without calling UnInhibit has
// its leases dropped on the NameOwnerChanged disconnect notification.
type ScreenSaver struct {
	conn   *dbus.Conn
	engine Engine
	logger *slog.Logger

	mu      sync.Mutex
	cookies map[uint32]cookie
	next    uint32
}

type cookie struct {
	leaseID string
	owner   string
}

// StartScreenSaver claims the bus name and begins serving. Failure to claim
// the name (another screensaver daemon is running) is an error the caller
// may choose to tolerate.
func StartScreenSaver(ctx context.Context, eng Engine, logger *slog.Logger) (*ScreenSaver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	s := &ScreenSaver{
		conn:    conn,
		engine:  eng,
		logger:  logger,
		cookies: make(map[uint32]cookie),
	}

	for _, path := range screenSaverPaths {
		if err := conn.Export(s, path, screenSaverIface); err != nil {
			return nil, fmt.Errorf("failed to export screensaver service: %w", err)
		}
	}

	reply, err := conn.RequestName(screenSaverName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, fmt.Errorf("failed to request %s: %w", screenSaverName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, fmt.Errorf("%s is already owned, is another screensaver daemon running?", screenSaverName)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return nil, fmt.Errorf("failed to subscribe to NameOwnerChanged: %w", err)
	}

	signals := make(chan *dbus.Signal, 32)
	conn.Signal(signals)
	go s.watchOwners(ctx, signals)

	logger.Info("ScreenSaver D-Bus service started", "name", screenSaverName)
	return s, nil
}

// Inhibit grants a cookie that blocks all idle actions until UnInhibit or
// caller disconnect.
func (s *ScreenSaver) Inhibit(application, reason string, sender dbus.Sender) (uint32, *dbus.Error) {
	owner := string(sender)
	lease, err := s.engine.Acquire(owner, engine.AllKinds,
		fmt.Sprintf("%s: %s", application, reason))
	if err != nil {
		return 0, dbus.MakeFailedError(err)
	}

	s.mu.Lock()
	s.next++
	id := s.next
	s.cookies[id] = cookie{leaseID: lease.ID, owner: owner}
	s.mu.Unlock()

	s.logger.Info("ScreenSaver inhibit",
		"cookie", id, "application", application, "reason", reason, "sender", owner)
	return id, nil
}

// UnInhibit releases a cookie. Only the cookie's creator may release it.
func (s *ScreenSaver) UnInhibit(id uint32, sender dbus.Sender) *dbus.Error {
	s.mu.Lock()
	c, ok := s.cookies[id]
	if ok && c.owner == string(sender) {
		delete(s.cookies, id)
	}
	s.mu.Unlock()

	if !ok || c.owner != string(sender) {
		return dbus.MakeFailedError(fmt.Errorf("unknown inhibit cookie %d", id))
	}
	if err := s.engine.Release(c.leaseID); err != nil {
		return dbus.MakeFailedError(err)
	}
	s.logger.Info("ScreenSaver uninhibit", "cookie", id, "sender", string(sender))
	return nil
}

// SimulateUserActivity resets the idle timer, matching what xdg-screensaver
// and presentation tools expect from the interface.
func (s *ScreenSaver) SimulateUserActivity() *dbus.Error {
	if err := s.engine.NotifyActivity(); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// watchOwners drops leases of clients that left the bus without uninhibiting.
func (s *ScreenSaver) watchOwners(ctx context.Context, signals chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			s.conn.RemoveSignal(signals)
			return
		case sig := <-signals:
			if sig == nil {
				return
			}
			if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) < 3 {
				continue
			}
			name, _ := sig.Body[0].(string)
			newOwner, _ := sig.Body[2].(string)
			if newOwner != "" {
				continue
			}
			s.dropOwner(name)
		}
	}
}

func (s *ScreenSaver) dropOwner(owner string) {
	s.mu.Lock()
	had := false
	for id, c := range s.cookies {
		if c.owner == owner {
			delete(s.cookies, id)
			had = true
		}
	}
	s.mu.Unlock()

	if !had {
		return
	}
	if n, err := s.engine.ReleaseOwner(owner); err == nil && n > 0 {
		s.logger.Info("Released inhibitors of disconnected client",
			"sender", owner, "count", n)
	}
}
