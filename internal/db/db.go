// Package db persists action and inhibitor history to SQLite, for the
// history command and for debugging "why did my machine suspend" reports.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the SQLite database at the specified path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps history writes from blocking status reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn != nil {
		db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return db.conn.Close()
	}
	return nil
}

// Flush forces a WAL checkpoint to write pending changes to the main
// database file.
func (db *DB) Flush() error {
	if db.conn != nil {
		_, err := db.conn.Exec("PRAGMA wal_checkpoint(RESTART)")
		return err
	}
	return nil
}

func (db *DB) initSchema() error {
	schema := `
	-- Threshold action lifecycle: fired, failed, blocked, triggered
	CREATE TABLE IF NOT EXISTS action_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action_name TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Inhibitor lease lifecycle: acquired, released, owner_disconnected
	CREATE TABLE IF NOT EXISTS inhibit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		lease_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		event_type TEXT NOT NULL,
		reason TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Daemon lifecycle events
	CREATE TABLE IF NOT EXISTS daemon_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_action_events_timestamp ON action_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_action_events_name ON action_events(action_name);
	CREATE INDEX IF NOT EXISTS idx_inhibit_events_timestamp ON inhibit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_inhibit_events_owner ON inhibit_events(owner);
	CREATE INDEX IF NOT EXISTS idx_daemon_events_timestamp ON daemon_events(timestamp);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// ActionEvent is one recorded threshold action transition.
type ActionEvent struct {
	ID         int64
	ActionName string
	ActionKind string
	EventType  string
	Details    string
	Timestamp  time.Time
}

// LogActionEvent records a threshold action transition. Briefly retries on
// SQLITE_BUSY; history is best-effort and must never block the engine.
func (db *DB) LogActionEvent(actionName, actionKind, eventType, details string) error {
	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		_, err := db.conn.Exec(
			`INSERT INTO action_events (action_name, action_kind, event_type, details, timestamp)
			 VALUES (?, ?, ?, ?, ?)`,
			actionName, actionKind, eventType, details, time.Now(),
		)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return err
	}
	return fmt.Errorf("failed to log action event after %d retries: database locked", maxRetries)
}

// InhibitEvent is one recorded lease transition.
type InhibitEvent struct {
	ID        int64
	LeaseID   string
	Owner     string
	EventType string
	Reason    string
	Timestamp time.Time
}

// LogInhibitEvent records an inhibitor lease transition.
func (db *DB) LogInhibitEvent(leaseID, owner, eventType, reason string) error {
	_, err := db.conn.Exec(
		`INSERT INTO inhibit_events (lease_id, owner, event_type, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		leaseID, owner, eventType, reason, time.Now(),
	)
	return err
}

// DaemonEvent is one recorded daemon lifecycle event.
type DaemonEvent struct {
	ID        int64
	EventType string
	Details   string
	Timestamp time.Time
}

// LogDaemonEvent records a daemon lifecycle event.
func (db *DB) LogDaemonEvent(eventType, details string) error {
	_, err := db.conn.Exec(
		`INSERT INTO daemon_events (event_type, details, timestamp)
		 VALUES (?, ?, ?)`,
		eventType, details, time.Now(),
	)
	return err
}

// GetRecentActionEvents retrieves recent action events, newest first.
func (db *DB) GetRecentActionEvents(limit int) ([]ActionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, action_name, action_kind, event_type, details, timestamp
		 FROM action_events
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ActionEvent
	for rows.Next() {
		var e ActionEvent
		if err := rows.Scan(&e.ID, &e.ActionName, &e.ActionKind, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentInhibitEvents retrieves recent inhibitor events, newest first.
func (db *DB) GetRecentInhibitEvents(limit int) ([]InhibitEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, lease_id, owner, event_type, reason, timestamp
		 FROM inhibit_events
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []InhibitEvent
	for rows.Next() {
		var e InhibitEvent
		if err := rows.Scan(&e.ID, &e.LeaseID, &e.Owner, &e.EventType, &e.Reason, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRecentDaemonEvents retrieves recent daemon events, newest first.
func (db *DB) GetRecentDaemonEvents(limit int) ([]DaemonEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, event_type, details, timestamp
		 FROM daemon_events
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []DaemonEvent
	for rows.Next() {
		var e DaemonEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLastActionEventPerName retrieves the most recent event for each action.
func (db *DB) GetLastActionEventPerName() ([]ActionEvent, error) {
	rows, err := db.conn.Query(
		`SELECT id, action_name, action_kind, event_type, details, timestamp
		 FROM action_events
		 WHERE id IN (
			 SELECT MAX(id)
			 FROM action_events
			 GROUP BY action_name
		 )
		 ORDER BY timestamp DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []ActionEvent
	for rows.Next() {
		var e ActionEvent
		if err := rows.Scan(&e.ID, &e.ActionName, &e.ActionKind, &e.EventType, &e.Details, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
