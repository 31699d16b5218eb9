package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/CamRed25/stasis/internal/core"
	"github.com/CamRed25/stasis/internal/engine"
)

func (d *Daemon) getStatus() Response {
	var response Response

	status, err := d.coordinator.Status()
	if err != nil {
		return errorResponse(fmt.Sprintf("Engine unavailable: %v", err))
	}

	state := "active"
	if status.Paused {
		state = "paused"
	} else if status.Idle {
		state = "idle"
	}
	response.AddMessage(fmt.Sprintf("Session %s, idle for %s on %s power",
		state, status.IdleFor.Round(time.Second), status.Profile), StatusInfo)

	response.AddData("engine", status)
	response.AddData("sources", d.watcher.Sources())
	return response
}

func (d *Daemon) getVersion() Response {
	var response Response
	response.AddMessage(core.FormatVersion(core.Version), StatusInfo)
	response.AddData("version", core.Version)
	return response
}

func (d *Daemon) triggerAction(name string) Response {
	var response Response
	if err := d.coordinator.Trigger(name); err != nil {
		return errorResponse(fmt.Sprintf("Trigger failed: %v", err))
	}
	response.AddMessage(fmt.Sprintf("Action %q triggered", name), StatusInfo)
	return response
}

func (d *Daemon) releaseLease(id string) Response {
	var response Response
	if err := d.coordinator.Release(id); err != nil {
		return errorResponse(fmt.Sprintf("Release failed: %v", err))
	}
	if d.database != nil {
		d.database.LogInhibitEvent(id, "", "released", "")
	}
	response.AddMessage(fmt.Sprintf("Lease %s released", id), StatusInfo)
	return response
}

func (d *Daemon) pause() Response {
	var response Response
	if err := d.coordinator.Pause(); err != nil {
		return errorResponse(fmt.Sprintf("Pause failed: %v", err))
	}
	response.AddMessage("Idle management paused", StatusInfo)
	return response
}

func (d *Daemon) resume() Response {
	var response Response
	if err := d.coordinator.Resume(); err != nil {
		return errorResponse(fmt.Sprintf("Resume failed: %v", err))
	}
	response.AddMessage("Idle management resumed", StatusInfo)
	return response
}

func (d *Daemon) simulateActivity() Response {
	var response Response
	if err := d.coordinator.NotifyActivity(); err != nil {
		return errorResponse(fmt.Sprintf("Activity injection failed: %v", err))
	}
	response.AddMessage("Activity recorded", StatusInfo)
	return response
}

func (d *Daemon) getHistory(limit int) Response {
	var response Response
	if d.database == nil {
		return errorResponse("History unavailable: database not open")
	}
	if limit <= 0 {
		limit = 20
	}

	actions, err := d.database.GetRecentActionEvents(limit)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to read action history: %v", err))
	}
	inhibits, err := d.database.GetRecentInhibitEvents(limit)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to read inhibit history: %v", err))
	}
	daemonEvents, err := d.database.GetRecentDaemonEvents(limit)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to read daemon history: %v", err))
	}

	response.AddMessage(fmt.Sprintf("%d action, %d inhibit, %d daemon events",
		len(actions), len(inhibits), len(daemonEvents)), StatusInfo)
	response.AddData("action_events", actions)
	response.AddData("inhibit_events", inhibits)
	response.AddData("daemon_events", daemonEvents)
	return response
}

// handleInhibit grants a lease tied to the client connection: the lease is
// released when the connection closes, so a crashed client cannot leave the
// session uninhibitable forever.
func (d *Daemon) handleInhibit(conn net.Conn, args []string) {
	scope := engine.AllKinds
	reasonArgs := args

	// First argument may scope the lease: "lock", "suspend,dpms", "all"
	if len(args) > 0 {
		if kinds, ok := parseScope(args[0]); ok {
			scope = kinds
			reasonArgs = args[1:]
		}
	}
	reason := strings.Join(reasonArgs, " ")
	if reason == "" {
		reason = "manual inhibit"
	}

	owner := fmt.Sprintf("ipc:%d", d.connSeq.Add(1))
	lease, err := d.coordinator.Acquire(owner, scope, reason)
	if err != nil {
		resp := errorResponse(fmt.Sprintf("Inhibit failed: %v", err))
		conn.Write([]byte(resp.ToJSON()))
		return
	}
	if d.database != nil {
		d.database.LogInhibitEvent(lease.ID, owner, "acquired", reason)
	}

	var response Response
	response.AddMessage(fmt.Sprintf("Inhibiting: %s (lease %s, held until disconnect)",
		reason, lease.ID), StatusInfo)
	response.AddData("lease", lease)
	conn.Write([]byte(response.ToJSON() + "\n"))

	// Block until the client goes away
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}

	released, err := d.coordinator.ReleaseOwner(owner)
	if err != nil && !errors.Is(err, engine.ErrCoordinatorStopped) {
		slog.Warn("Failed to release inhibit lease", "owner", owner, "error", err)
		return
	}
	if released > 0 {
		slog.Info("Inhibit client disconnected, lease released", "lease", lease.ID, "reason", reason)
		if d.database != nil {
			d.database.LogInhibitEvent(lease.ID, owner, "released", "client disconnected")
		}
	}
}

// parseScope parses a comma-separated action kind list. "all" or any
// unrecognized token means the argument was not a scope.
func parseScope(s string) ([]engine.ActionKind, bool) {
	if s == "all" {
		return engine.AllKinds, true
	}
	var kinds []engine.ActionKind
	for _, part := range strings.Split(s, ",") {
		kind, ok := engine.ParseActionKind(part)
		if !ok {
			return nil, false
		}
		kinds = append(kinds, kind)
	}
	return kinds, true
}
