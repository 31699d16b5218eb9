package db

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_OpenAndClose(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	if err := db.Close(); err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}

func TestDB_OpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database in missing directory: %v", err)
	}
	db.Close()
}

func TestDB_ActionEvents(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogActionEvent("lock", "lock", "fired", "idle 5m0s"); err != nil {
		t.Errorf("Failed to log action event: %v", err)
	}
	if err := db.LogActionEvent("suspend", "suspend", "failed", "logind suspend: timeout"); err != nil {
		t.Errorf("Failed to log action event: %v", err)
	}

	events, err := db.GetRecentActionEvents(10)
	if err != nil {
		t.Fatalf("Failed to query action events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}

	byName := make(map[string]ActionEvent)
	for _, e := range events {
		byName[e.ActionName] = e
	}
	if e := byName["lock"]; e.EventType != "fired" || e.ActionKind != "lock" {
		t.Errorf("Unexpected lock event: %+v", e)
	}
	if e := byName["suspend"]; e.EventType != "failed" || e.Details != "logind suspend: timeout" {
		t.Errorf("Unexpected suspend event: %+v", e)
	}
}

func TestDB_InhibitEvents(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogInhibitEvent("lease-1", ":1.42", "acquired", "firefox: video playing"); err != nil {
		t.Errorf("Failed to log inhibit event: %v", err)
	}
	if err := db.LogInhibitEvent("lease-1", ":1.42", "owner_disconnected", ""); err != nil {
		t.Errorf("Failed to log inhibit event: %v", err)
	}

	events, err := db.GetRecentInhibitEvents(10)
	if err != nil {
		t.Fatalf("Failed to query inhibit events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	for _, e := range events {
		if e.LeaseID != "lease-1" || e.Owner != ":1.42" {
			t.Errorf("Unexpected inhibit event: %+v", e)
		}
	}
}

func TestDB_DaemonEvents(t *testing.T) {
	db := openTestDB(t)

	if err := db.LogDaemonEvent("started", "version 1.0.0"); err != nil {
		t.Errorf("Failed to log daemon event: %v", err)
	}

	events, err := db.GetRecentDaemonEvents(5)
	if err != nil {
		t.Fatalf("Failed to query daemon events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].EventType != "started" || events[0].Details != "version 1.0.0" {
		t.Errorf("Unexpected daemon event: %+v", events[0])
	}
}

func TestDB_GetRecentActionEventsRespectsLimit(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 10; i++ {
		if err := db.LogActionEvent("lock", "lock", "fired", fmt.Sprintf("run %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	events, err := db.GetRecentActionEvents(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Errorf("Expected 3 events, got %d", len(events))
	}
}

func TestDB_GetLastActionEventPerName(t *testing.T) {
	db := openTestDB(t)

	db.LogActionEvent("dim", "brightness", "fired", "")
	db.LogActionEvent("lock", "lock", "fired", "")
	db.LogActionEvent("dim", "brightness", "blocked", "media playback")

	events, err := db.GetLastActionEventPerName()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected one event per action, got %d", len(events))
	}
	for _, e := range events {
		if e.ActionName == "dim" && e.EventType != "blocked" {
			t.Errorf("Expected latest dim event 'blocked', got %q", e.EventType)
		}
	}
}

func TestDB_Flush(t *testing.T) {
	db := openTestDB(t)
	if err := db.LogDaemonEvent("started", ""); err != nil {
		t.Fatal(err)
	}
	if err := db.Flush(); err != nil {
		t.Errorf("Flush failed: %v", err)
	}
}
