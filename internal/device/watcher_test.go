package device

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeSysfs builds a fake /sys/class/input entry for a device id.
func writeSysfs(t *testing.T, root, id, name, evBits string) {
	t.Helper()
	dir := filepath.Join(root, id, "device", "capabilities")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ev"), []byte(evBits+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, id, "device", "name"), []byte(name+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestClassify(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		id     string
		evBits string
		want   Class
	}{
		// capability masks as found on real hardware
		{"event0", "120013", ClassKeyboard}, // EV_SYN|EV_KEY|EV_MSC|EV_LED|EV_REP
		{"event1", "17", ClassPointer},      // EV_SYN|EV_KEY|EV_REL
		{"event2", "b", ClassTouch},         // EV_SYN|EV_KEY|EV_ABS
		{"event3", "21", ClassSwitch},       // EV_SYN|EV_SW
		{"event4", "1", ClassOther},         // EV_SYN only
	}

	for _, tt := range tests {
		writeSysfs(t, root, tt.id, "dev "+tt.id, tt.evBits)
		if got := classify(root, tt.id); got != tt.want {
			t.Errorf("classify(%s bits=%s) = %s, want %s", tt.id, tt.evBits, got, tt.want)
		}
	}
}

func TestClassify_MissingSysfsFallsBackToOther(t *testing.T) {
	if got := classify(t.TempDir(), "event9"); got != ClassOther {
		t.Errorf("expected ClassOther for missing sysfs entry, got %s", got)
	}
}

func TestDeviceName(t *testing.T) {
	root := t.TempDir()
	writeSysfs(t, root, "event0", "AT Translated Set 2 keyboard", "120013")

	if got := deviceName(root, "event0"); got != "AT Translated Set 2 keyboard" {
		t.Errorf("unexpected name %q", got)
	}
	if got := deviceName(root, "event7"); got != "event7" {
		t.Errorf("expected id fallback, got %q", got)
	}
}

func TestIsEventNode(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"event0", true},
		{"event12", true},
		{"mouse0", false},
		{"mice", false},
		{"by-id", false},
		{"eventX", false},
	}
	for _, tt := range tests {
		if got := isEventNode(tt.name); got != tt.want {
			t.Errorf("isEventNode(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// packEvent encodes one input_event in the 64-bit on-disk layout.
func packEvent(typ, code uint16, value int32) []byte {
	buf := make([]byte, eventSize)
	binary.NativeEndian.PutUint16(buf[16:], typ)
	binary.NativeEndian.PutUint16(buf[18:], code)
	binary.NativeEndian.PutUint32(buf[20:], uint32(value))
	return buf
}

func collectEvents(t *testing.T, w *Watcher, wait time.Duration) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(wait)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestForward_CoalescesActivityPerBatch(t *testing.T) {
	w := NewWatcher(WatcherConfig{Dir: t.TempDir(), SysfsRoot: t.TempDir()})
	src := &Source{ID: "event0", Class: ClassKeyboard}

	var raw []byte
	raw = append(raw, packEvent(evKey, 30, 1)...) // key down
	raw = append(raw, packEvent(evSyn, 0, 0)...)
	raw = append(raw, packEvent(evKey, 30, 0)...) // key up
	raw = append(raw, packEvent(evSyn, 0, 0)...)
	w.forward(src, raw)

	events := collectEvents(t, w, 50*time.Millisecond)
	if len(events) != 1 {
		t.Fatalf("expected 1 coalesced activity event, got %d", len(events))
	}
	if events[0].Type != Activity || events[0].SourceID != "event0" {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestForward_LidSwitch(t *testing.T) {
	w := NewWatcher(WatcherConfig{Dir: t.TempDir(), SysfsRoot: t.TempDir()})
	src := &Source{ID: "event3", Class: ClassSwitch}

	w.forward(src, packEvent(evSw, swLid, 1))
	w.forward(src, packEvent(evSw, swLid, 0))

	events := collectEvents(t, w, 50*time.Millisecond)
	if len(events) != 2 {
		t.Fatalf("expected 2 lid events, got %d", len(events))
	}
	if events[0].Type != LidClosed || events[1].Type != LidOpened {
		t.Errorf("unexpected lid sequence: %+v", events)
	}
}

func TestForward_IgnoresSynAndMsc(t *testing.T) {
	w := NewWatcher(WatcherConfig{Dir: t.TempDir(), SysfsRoot: t.TempDir()})
	src := &Source{ID: "event0", Class: ClassKeyboard}

	var raw []byte
	raw = append(raw, packEvent(evSyn, 0, 0)...)
	raw = append(raw, packEvent(evMsc, 4, 458756)...)
	w.forward(src, raw)

	if events := collectEvents(t, w, 50*time.Millisecond); len(events) != 0 {
		t.Errorf("EV_SYN/EV_MSC must not count as activity, got %+v", events)
	}
}

func TestWatcher_HotplugRemoveAndReadd(t *testing.T) {
	devDir := t.TempDir()
	sysRoot := t.TempDir()
	writeSysfs(t, sysRoot, "event0", "test keyboard", "120013")

	// A regular file stands in for the device node; opening succeeds and the
	// poll loop simply never reports input.
	node := filepath.Join(devDir, "event0")
	if err := os.WriteFile(node, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	w := NewWatcher(WatcherConfig{Dir: devDir, SysfsRoot: sysRoot})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	// Initial enumeration registered the existing node
	if events := collectEvents(t, w, 100*time.Millisecond); len(events) != 1 || events[0].Type != SourceAdded {
		t.Fatalf("expected SourceAdded for existing node, got %+v", events)
	}

	// Hotplug remove mid-run: no crash, source deregistered
	if err := os.Remove(node); err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, w, 500*time.Millisecond)
	found := false
	for _, ev := range events {
		if ev.Type == SourceRemoved && ev.SourceID == "event0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SourceRemoved, got %+v", events)
	}

	// Re-adding the device resumes monitoring
	if err := os.WriteFile(node, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	events = collectEvents(t, w, 500*time.Millisecond)
	found = false
	for _, ev := range events {
		if ev.Type == SourceAdded && ev.SourceID == "event0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected SourceAdded after re-add, got %+v", events)
	}
}

func TestWatcher_StartFailsOnMissingDir(t *testing.T) {
	w := NewWatcher(WatcherConfig{
		Dir:       filepath.Join(t.TempDir(), "does-not-exist"),
		SysfsRoot: t.TempDir(),
	})
	if err := w.Start(context.Background()); err == nil {
		w.Stop()
		t.Fatal("expected fatal error for unwatchable directory")
	}
}

func TestPowerSource_Profile(t *testing.T) {
	root := t.TempDir()

	write := func(path, content string) {
		t.Helper()
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p := PowerSource{Root: root}

	// Desktop without battery
	if got := p.Profile(); got != "ac" {
		t.Errorf("empty power_supply: expected ac, got %s", got)
	}

	// Laptop on battery
	write("BAT0/type", "Battery")
	write("AC/type", "Mains")
	write("AC/online", "0")
	if got := p.Profile(); got != "battery" {
		t.Errorf("adapter offline: expected battery, got %s", got)
	}

	// Laptop plugged in
	write("AC/online", "1")
	if got := p.Profile(); got != "ac" {
		t.Errorf("adapter online: expected ac, got %s", got)
	}
}
