// Package device enumerates evdev input sources under /dev/input, follows
// hotplug add/remove, and forwards raw activity signals to the coordinator.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Class is the closed set of input device classes.
type Class int

const (
	ClassPointer Class = iota
	ClassKeyboard
	ClassTouch
	ClassSwitch
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassPointer:
		return "pointer"
	case ClassKeyboard:
		return "keyboard"
	case ClassTouch:
		return "touch"
	case ClassSwitch:
		return "switch"
	case ClassOther:
		return "other"
	default:
		return "unknown"
	}
}

// Source describes one live input device. Sources are created on hotplug add
// and destroyed on hotplug remove; the watcher owns them exclusively.
type Source struct {
	// ID is the kernel device name, e.g. "event3".
	ID string

	// Path is the device node, e.g. "/dev/input/event3".
	Path string

	// Name is the human-readable name from sysfs.
	Name string

	// Class is the device class derived from the evdev capability bits.
	Class Class

	// Alive is false for sources that failed to open; they are retried on
	// the next hotplug notification.
	Alive bool
}

// EventType discriminates watcher events.
type EventType int

const (
	// Activity is user input on a live source.
	Activity EventType = iota
	// SourceAdded is a hotplug add (or a successful open retry).
	SourceAdded
	// SourceRemoved is a hotplug remove.
	SourceRemoved
	// LidClosed and LidOpened are lid switch transitions.
	LidClosed
	LidOpened
)

// Event is one watcher observation. Activity events are ephemeral: they are
// consumed immediately by the idle clock and never persisted.
type Event struct {
	Type      EventType
	SourceID  string
	Class     Class
	Timestamp time.Time
}

// evdev event type codes, from linux/input-event-codes.h
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03
	evMsc = 0x04
	evSw  = 0x05

	swLid = 0x00
)

// classify derives the device class from the sysfs capability bitmask for a
// device id like "event3". sysfsRoot is /sys/class/input in production and a
// fixture directory in tests.
func classify(sysfsRoot, id string) Class {
	raw, err := os.ReadFile(filepath.Join(sysfsRoot, id, "device", "capabilities", "ev"))
	if err != nil {
		return ClassOther
	}
	bits, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 16, 64)
	if err != nil {
		return ClassOther
	}

	switch {
	case bits&(1<<evRel) != 0:
		return ClassPointer
	case bits&(1<<evAbs) != 0:
		return ClassTouch
	case bits&(1<<evSw) != 0:
		return ClassSwitch
	case bits&(1<<evKey) != 0:
		return ClassKeyboard
	default:
		return ClassOther
	}
}

// deviceName reads the human-readable name from sysfs, falling back to the id.
func deviceName(sysfsRoot, id string) string {
	raw, err := os.ReadFile(filepath.Join(sysfsRoot, id, "device", "name"))
	if err != nil {
		return id
	}
	name := strings.TrimSpace(string(raw))
	if name == "" {
		return id
	}
	return name
}

// isEventNode reports whether a /dev/input entry is an evdev event node.
func isEventNode(name string) bool {
	if !strings.HasPrefix(name, "event") {
		return false
	}
	_, err := strconv.Atoi(strings.TrimPrefix(name, "event"))
	return err == nil
}

func (s *Source) String() string {
	return fmt.Sprintf("%s (%s, %s)", s.ID, s.Name, s.Class)
}
