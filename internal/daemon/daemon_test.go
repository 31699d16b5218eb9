package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/CamRed25/stasis/internal/device"
	"github.com/CamRed25/stasis/internal/engine"
)

type nopBridge struct{}

func (nopBridge) Perform(ctx context.Context, action engine.Action) error { return nil }

// testDaemon builds a daemon with a live coordinator but without sockets,
// database or real devices, enough to exercise handleConnection.
func testDaemon(t *testing.T) *Daemon {
	t.Helper()

	coordinator := engine.NewCoordinator(engine.CoordinatorConfig{
		Bridge: nopBridge{},
		Thresholds: func(string) []engine.Threshold {
			return []engine.Threshold{
				{Name: "lock_screen", Kind: engine.KindLock, After: time.Hour},
			}
		},
		PollInterval: 20 * time.Millisecond,
		RetryLimit:   1,
	})
	coordinator.Start()
	t.Cleanup(coordinator.Stop)

	d := New()
	d.coordinator = coordinator
	d.watcher = device.NewWatcher(device.WatcherConfig{Dir: t.TempDir()})
	return d
}

// roundTrip drives handleConnection over an in-memory pipe and returns the
// parsed response.
func roundTrip(t *testing.T, d *Daemon, command string) Response {
	t.Helper()

	client, server := net.Pipe()
	go d.handleConnection(server)

	if _, err := client.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	client.Close()

	var response Response
	if err := json.Unmarshal(raw, &response); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return response
}

func TestHandleConnection_Status(t *testing.T) {
	d := testDaemon(t)

	response := roundTrip(t, d, "STATUS")
	if response.HasError() {
		t.Fatalf("STATUS returned error: %+v", response.Messages)
	}
	if _, ok := response.Data["engine"]; !ok {
		t.Fatal("STATUS response missing engine data")
	}
	if _, ok := response.Data["sources"]; !ok {
		t.Fatal("STATUS response missing sources data")
	}
}

func TestHandleConnection_Version(t *testing.T) {
	d := testDaemon(t)

	response := roundTrip(t, d, "VERSION")
	if response.HasError() {
		t.Fatalf("VERSION returned error: %+v", response.Messages)
	}
	if len(response.Messages) == 0 {
		t.Fatal("VERSION returned no messages")
	}
}

func TestHandleConnection_PauseResume(t *testing.T) {
	d := testDaemon(t)

	if response := roundTrip(t, d, "PAUSE"); response.HasError() {
		t.Fatalf("PAUSE returned error: %+v", response.Messages)
	}
	status, err := d.coordinator.Status()
	if err != nil {
		t.Fatal(err)
	}
	if !status.Paused {
		t.Fatal("expected engine to be paused")
	}

	if response := roundTrip(t, d, "RESUME"); response.HasError() {
		t.Fatalf("RESUME returned error: %+v", response.Messages)
	}
	status, err = d.coordinator.Status()
	if err != nil {
		t.Fatal(err)
	}
	if status.Paused {
		t.Fatal("expected engine to be resumed")
	}
}

func TestHandleConnection_TriggerUnknown(t *testing.T) {
	d := testDaemon(t)

	response := roundTrip(t, d, "TRIGGER no_such_action")
	if !response.HasError() {
		t.Fatal("expected error for unknown action")
	}
}

func TestHandleConnection_UnknownCommand(t *testing.T) {
	d := testDaemon(t)

	response := roundTrip(t, d, "FLURB")
	if !response.HasError() {
		t.Fatal("expected error for unknown command")
	}
}

func TestHandleConnection_HistoryWithoutDatabase(t *testing.T) {
	d := testDaemon(t)

	response := roundTrip(t, d, "HISTORY")
	if !response.HasError() {
		t.Fatal("expected error when database is not open")
	}
}

func TestHandleConnection_InhibitHeldUntilDisconnect(t *testing.T) {
	d := testDaemon(t)

	client, server := net.Pipe()
	go d.handleConnection(server)

	if _, err := client.Write([]byte("INHIBIT lock presentation running\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := bufioReadLine(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var response Response
	if err := json.Unmarshal(line, &response); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	if response.HasError() {
		t.Fatalf("INHIBIT returned error: %+v", response.Messages)
	}

	status, err := d.coordinator.Status()
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Inhibitors) != 1 {
		t.Fatalf("expected 1 lease while connected, got %d", len(status.Inhibitors))
	}
	if status.Inhibitors[0].Reason != "presentation running" {
		t.Fatalf("unexpected reason %q", status.Inhibitors[0].Reason)
	}

	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err = d.coordinator.Status()
		if err != nil {
			t.Fatal(err)
		}
		if len(status.Inhibitors) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("lease not released after disconnect, %d remaining", len(status.Inhibitors))
}

func bufioReadLine(r io.Reader) ([]byte, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := r.Read(buf); err != nil {
			return line, err
		}
		if buf[0] == '\n' {
			return line, nil
		}
		line = append(line, buf[0])
	}
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		input string
		want  []engine.ActionKind
		ok    bool
	}{
		{"all", engine.AllKinds, true},
		{"lock", []engine.ActionKind{engine.KindLock}, true},
		{"lock,suspend", []engine.ActionKind{engine.KindLock, engine.KindSuspend}, true},
		{"presentation", nil, false},
		{"lock,bogus", nil, false},
	}
	for _, test := range tests {
		got, ok := parseScope(test.input)
		if ok != test.ok {
			t.Errorf("parseScope(%q) ok = %v, want %v", test.input, ok, test.ok)
			continue
		}
		if !ok {
			continue
		}
		if len(got) != len(test.want) {
			t.Errorf("parseScope(%q) = %v, want %v", test.input, got, test.want)
			continue
		}
		for i := range got {
			if got[i] != test.want[i] {
				t.Errorf("parseScope(%q)[%d] = %v, want %v", test.input, i, got[i], test.want[i])
			}
		}
	}
}

func TestResponse_HasError(t *testing.T) {
	var response Response
	response.AddMessage("all good", StatusInfo)
	if response.HasError() {
		t.Fatal("info message should not count as error")
	}
	response.AddMessage("boom", StatusError)
	if !response.HasError() {
		t.Fatal("error message not detected")
	}
}

func TestResponse_ToJSON(t *testing.T) {
	var response Response
	response.AddMessage("hello", StatusInfo)
	response.AddData("count", 3)

	out := response.ToJSON()
	if !strings.Contains(out, `"hello"`) || !strings.Contains(out, `"count":3`) {
		t.Fatalf("unexpected JSON: %s", out)
	}

	var parsed Response
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if len(parsed.Messages) != 1 || parsed.Messages[0].Status != StatusInfo {
		t.Fatalf("unexpected parsed response: %+v", parsed)
	}
}

func TestLogBroadcaster_SubscribeAndBroadcast(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch := lb.Subscribe()
	defer lb.Unsubscribe(ch)

	lb.Broadcast("line one")
	select {
	case got := <-ch:
		if got != "line one" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("broadcast not delivered")
	}
}

func TestLogBroadcaster_History(t *testing.T) {
	lb := NewLogBroadcaster(3)
	for _, line := range []string{"a", "b", "c", "d"} {
		lb.Broadcast(line)
	}

	ch, history := lb.SubscribeWithHistory(10)
	defer lb.Unsubscribe(ch)

	if len(history) != 3 {
		t.Fatalf("expected ring to cap history at 3, got %d", len(history))
	}
	if history[0] != "b" || history[2] != "d" {
		t.Fatalf("unexpected history order: %v", history)
	}

	ch2, history2 := lb.SubscribeWithHistory(2)
	defer lb.Unsubscribe(ch2)
	if len(history2) != 2 || history2[0] != "c" {
		t.Fatalf("unexpected limited history: %v", history2)
	}
}

func TestLogBroadcaster_SlowClientDoesNotBlock(t *testing.T) {
	lb := NewLogBroadcaster(10)
	ch := lb.Subscribe()
	defer lb.Unsubscribe(ch)

	// Never read from ch; broadcasts must still return
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			lb.Broadcast("flood")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on slow client")
	}
}
