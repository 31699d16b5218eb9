package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CamRed25/stasis/internal/engine"
)

func testBridge(t *testing.T, cfg BridgeConfig) *Bridge {
	t.Helper()
	if cfg.Brightness == nil {
		cfg.Brightness = NewBrightness(t.TempDir(), nil)
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return NewBridge(cfg)
}

func TestBridge_CommandAction(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "notified")
	b := testBridge(t, BridgeConfig{})

	err := b.Perform(context.Background(), engine.Action{
		Name:    "notify",
		Kind:    engine.KindCommand,
		Command: "touch " + marker,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("command did not run: %v", err)
	}
}

func TestBridge_CommandActionRequiresCommand(t *testing.T) {
	b := testBridge(t, BridgeConfig{})
	err := b.Perform(context.Background(), engine.Action{Name: "empty", Kind: engine.KindCommand})
	if err == nil {
		t.Error("expected error for command action without command")
	}
}

func TestBridge_DPMSRequiresCommand(t *testing.T) {
	b := testBridge(t, BridgeConfig{})
	err := b.Perform(context.Background(), engine.Action{Name: "screens-off", Kind: engine.KindDPMS})
	if err == nil {
		t.Error("expected error for dpms action without command")
	}
}

func TestBridge_LockViaCommandStartsLocker(t *testing.T) {
	var mu sync.Mutex
	var lockerPid int

	b := testBridge(t, BridgeConfig{
		LockCommand: "sleep 0.2",
		OnLockerStarted: func(pid int) {
			mu.Lock()
			lockerPid = pid
			mu.Unlock()
		},
	})

	err := b.Perform(context.Background(), engine.Action{Name: "lock", Kind: engine.KindLock})
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if lockerPid <= 0 {
		t.Errorf("expected locker pid, got %d", lockerPid)
	}
}

func TestBridge_LockWithoutAnyMechanism(t *testing.T) {
	b := testBridge(t, BridgeConfig{})
	err := b.Perform(context.Background(), engine.Action{Name: "lock", Kind: engine.KindLock})
	if !errors.Is(err, ErrInterfaceUnavailable) {
		t.Errorf("expected ErrInterfaceUnavailable, got %v", err)
	}
}

func TestBridge_SuspendWithoutLogind(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "pre-suspend")

	b := testBridge(t, BridgeConfig{
		PreSuspendCommand: "touch " + marker,
	})

	err := b.Perform(context.Background(), engine.Action{Name: "suspend", Kind: engine.KindSuspend})
	if !errors.Is(err, ErrInterfaceUnavailable) {
		t.Errorf("expected ErrInterfaceUnavailable, got %v", err)
	}
	// The pre-suspend hook still ran before the suspend attempt
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("pre-suspend command did not run: %v", err)
	}
}

func TestBridge_BrightnessNumericCommand(t *testing.T) {
	bl := newBacklightFixture(t, map[string][2]int{
		"intel_backlight": {800, 1000},
	})
	b := testBridge(t, BridgeConfig{Brightness: bl})

	for _, command := range []string{"20", "20%"} {
		err := b.Perform(context.Background(), engine.Action{
			Name: "dim", Kind: engine.KindBrightness, Command: command,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got := readBacklight(t, bl, "intel_backlight"); got != 200 {
			t.Errorf("command %q: expected 200, got %d", command, got)
		}
		bl.Restore()
	}
}

func TestBridge_BrightnessShellCommand(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "dimmed")
	b := testBridge(t, BridgeConfig{})

	err := b.Perform(context.Background(), engine.Action{
		Name: "dim", Kind: engine.KindBrightness,
		Command: "echo external > " + marker,
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(raw)) != "external" {
		t.Errorf("unexpected marker %q", raw)
	}
}

func TestBridge_RestoreBrightness(t *testing.T) {
	bl := newBacklightFixture(t, map[string][2]int{
		"intel_backlight": {640, 1000},
	})
	b := testBridge(t, BridgeConfig{Brightness: bl})

	if err := b.Perform(context.Background(), engine.Action{
		Name: "dim", Kind: engine.KindBrightness,
	}); err != nil {
		t.Fatal(err)
	}
	if got := readBacklight(t, bl, "intel_backlight"); got != 100 {
		t.Errorf("expected default 10%% dim = 100, got %d", got)
	}

	b.RestoreBrightness()
	if got := readBacklight(t, bl, "intel_backlight"); got != 640 {
		t.Errorf("expected restored 640, got %d", got)
	}
}
