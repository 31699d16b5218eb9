package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/CamRed25/stasis/internal/engine"
)

const (
	mprisPrefix      = "org.mpris.MediaPlayer2."
	mprisPath        = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	mprisPlayerIface = "org.mpris.MediaPlayer2.Player"
)

// MediaMonitor watches MPRIS players on the session bus and holds an
// inhibitor lease for every player that is currently playing. Leases are
// keyed by the player's unique bus name, so a player that crashes mid-song
// releases its lease through the owner-disconnect path like any other
// client.
type MediaMonitor struct {
	engine Engine
	logger *slog.Logger

	mu     sync.Mutex
	leases map[string]string // unique bus name -> lease id
}

// NewMediaMonitor creates a monitor.
func NewMediaMonitor(eng Engine, logger *slog.Logger) *MediaMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaMonitor{
		engine: eng,
		logger: logger,
		leases: make(map[string]string),
	}
}

// Start scans the bus for players already playing and then follows
// PlaybackStatus changes. Returns an error only when the session bus itself
// is unreachable.
func (m *MediaMonitor) Start(ctx context.Context) error {
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(mprisPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("failed to subscribe to MPRIS property changes: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("failed to subscribe to NameOwnerChanged: %w", err)
	}

	m.scanExisting(conn)

	signals := make(chan *dbus.Signal, 32)
	conn.Signal(signals)
	go m.run(ctx, conn, signals)

	m.logger.Info("Media monitor started (MPRIS)")
	return nil
}

// scanExisting picks up players that were already playing when the daemon
// started.
func (m *MediaMonitor) scanExisting(conn *dbus.Conn) {
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		m.logger.Warn("Failed to list bus names for media scan", "error", err)
		return
	}
	for _, name := range names {
		if !strings.HasPrefix(name, mprisPrefix) {
			continue
		}
		var owner string
		if err := conn.BusObject().Call("org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner); err != nil {
			continue
		}
		variant, err := conn.Object(name, mprisPath).GetProperty(mprisPlayerIface + ".PlaybackStatus")
		if err != nil {
			continue
		}
		if status, ok := variant.Value().(string); ok {
			m.setPlaying(owner, name, status == "Playing")
		}
	}
}

func (m *MediaMonitor) run(ctx context.Context, conn *dbus.Conn, signals chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			conn.RemoveSignal(signals)
			return
		case sig := <-signals:
			if sig == nil {
				return
			}
			switch sig.Name {
			case "org.freedesktop.DBus.Properties.PropertiesChanged":
				m.handleProperties(sig)
			case "org.freedesktop.DBus.NameOwnerChanged":
				m.handleOwnerChange(sig)
			}
		}
	}
}

func (m *MediaMonitor) handleProperties(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	if iface != mprisPlayerIface {
		return
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	variant, ok := changed["PlaybackStatus"]
	if !ok {
		return
	}
	status, ok := variant.Value().(string)
	if !ok {
		return
	}
	m.setPlaying(sig.Sender, sig.Sender, status == "Playing")
}

// handleOwnerChange forgets players that left the bus. The engine-side lease
// is released by the coordinator's owner-disconnect path.
func (m *MediaMonitor) handleOwnerChange(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	if !strings.HasPrefix(name, mprisPrefix) || newOwner != "" {
		return
	}

	m.mu.Lock()
	_, had := m.leases[oldOwner]
	delete(m.leases, oldOwner)
	m.mu.Unlock()

	if had {
		if _, err := m.engine.ReleaseOwner(oldOwner); err != nil {
			m.logger.Warn("Failed to release lease of exited player",
				"player", name, "error", err)
		} else {
			m.logger.Info("Media player exited, lease released", "player", name)
		}
	}
}

// setPlaying reconciles one player's lease with its playback state.
func (m *MediaMonitor) setPlaying(owner, display string, playing bool) {
	m.mu.Lock()
	leaseID, held := m.leases[owner]
	m.mu.Unlock()

	switch {
	case playing && !held:
		lease, err := m.engine.Acquire(owner, engine.AllKinds,
			fmt.Sprintf("media playback (%s)", display))
		if err != nil {
			m.logger.Warn("Failed to acquire media lease", "player", display, "error", err)
			return
		}
		m.mu.Lock()
		m.leases[owner] = lease.ID
		m.mu.Unlock()
		m.logger.Info("Media playing, idle actions inhibited", "player", display)

	case !playing && held:
		m.mu.Lock()
		delete(m.leases, owner)
		m.mu.Unlock()
		if err := m.engine.Release(leaseID); err != nil {
			m.logger.Warn("Failed to release media lease", "player", display, "error", err)
			return
		}
		m.logger.Info("Media stopped, idle actions resume", "player", display)
	}
}
