package device

import (
	"os"
	"path/filepath"
	"strings"
)

// PowerSource reads the AC adapter state from sysfs. Zero value uses the
// production path; tests point Root at a fixture directory.
type PowerSource struct {
	// Root is the power supply directory, normally /sys/class/power_supply.
	Root string
}

// Profile returns "ac" or "battery" for the current power source. A machine
// without any battery reports "ac"; unreadable sysfs also falls back to "ac",
// the conservative choice for idle policy.
func (p PowerSource) Profile() string {
	root := p.Root
	if root == "" {
		root = "/sys/class/power_supply"
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "ac"
	}

	hasBattery := false
	for _, entry := range entries {
		base := filepath.Join(root, entry.Name())
		kind, err := os.ReadFile(filepath.Join(base, "type"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(kind)) {
		case "Mains":
			online, err := os.ReadFile(filepath.Join(base, "online"))
			if err == nil && strings.TrimSpace(string(online)) == "1" {
				return "ac"
			}
		case "Battery":
			hasBattery = true
		}
	}

	if hasBattery {
		return "battery"
	}
	return "ac"
}
