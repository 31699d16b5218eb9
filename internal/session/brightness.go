package session

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Brightness dims and restores backlights through sysfs. Current levels are
// captured on the first Dim of an idle period and written back on Restore;
// a Dim while levels are already captured keeps the original capture so
// stacked brightness thresholds still restore to the user's setting.
type Brightness struct {
	// Root is the backlight class directory, normally /sys/class/backlight.
	Root   string
	Logger *slog.Logger

	mu    sync.Mutex
	saved map[string]int
}

// NewBrightness creates a controller over the given sysfs root. An empty
// root selects /sys/class/backlight.
func NewBrightness(root string, logger *slog.Logger) *Brightness {
	if root == "" {
		root = "/sys/class/backlight"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Brightness{Root: root, Logger: logger}
}

// Dim sets every backlight to percent of its maximum, capturing the current
// level first. Percent is clamped to 0..100.
func (b *Brightness) Dim(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	entries, err := os.ReadDir(b.Root)
	if err != nil {
		return fmt.Errorf("no backlight devices: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("no backlight devices under %s", b.Root)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saved == nil {
		b.saved = make(map[string]int)
	}

	var firstErr error
	for _, entry := range entries {
		dev := entry.Name()
		current, err := b.readInt(dev, "brightness")
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		max, err := b.readInt(dev, "max_brightness")
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if _, captured := b.saved[dev]; !captured {
			b.saved[dev] = current
		}

		target := max * percent / 100
		if err := b.writeInt(dev, "brightness", target); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.Logger.Info("Backlight dimmed",
			"device", dev, "from", current, "to", target, "percent", percent)
	}
	return firstErr
}

// Restore writes back the captured levels and clears the capture. A Restore
// with nothing captured is a no-op.
func (b *Brightness) Restore() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for dev, level := range b.saved {
		if err := b.writeInt(dev, "brightness", level); err != nil {
			b.Logger.Warn("Failed to restore backlight",
				"device", dev, "level", level, "error", err)
			continue
		}
		b.Logger.Info("Backlight restored", "device", dev, "level", level)
	}
	b.saved = nil
}

func (b *Brightness) readInt(dev, file string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(b.Root, dev, file))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("unparsable %s for %s: %w", file, dev, err)
	}
	return n, nil
}

func (b *Brightness) writeInt(dev, file string, value int) error {
	path := filepath.Join(b.Root, dev, file)
	return os.WriteFile(path, []byte(strconv.Itoa(value)), 0o644)
}
