// Package engine implements the idle-tracking core: the idle clock, the
// inhibitor registry, the threshold scheduler and the coordinator that runs
// all of them on a single goroutine. All state is owned by the coordinator
// and mutated sequentially, so no component needs a lock.
package engine

import (
	"context"
	"time"
)

// ActionKind enumerates the session actions a threshold can dispatch.
type ActionKind int

const (
	KindLock ActionKind = iota
	KindSuspend
	KindDPMS
	KindBrightness
	KindCommand
)

func (k ActionKind) String() string {
	switch k {
	case KindLock:
		return "lock"
	case KindSuspend:
		return "suspend"
	case KindDPMS:
		return "dpms"
	case KindBrightness:
		return "brightness"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// ParseActionKind maps a config kind string to its ActionKind.
func ParseActionKind(s string) (ActionKind, bool) {
	switch s {
	case "lock":
		return KindLock, true
	case "suspend":
		return KindSuspend, true
	case "dpms":
		return KindDPMS, true
	case "brightness":
		return KindBrightness, true
	case "command":
		return KindCommand, true
	default:
		return 0, false
	}
}

// AllKinds is the full inhibit scope, used for leases that block everything.
var AllKinds = []ActionKind{KindLock, KindSuspend, KindDPMS, KindBrightness, KindCommand}

// Action is the payload handed to the session bridge when a threshold fires.
type Action struct {
	Name    string
	Kind    ActionKind
	Command string
}

// Threshold is one configured (idle duration, action) pair. The set of
// thresholds is immutable for the duration of a run; only the armed/fired
// state tracked by the scheduler changes.
type Threshold struct {
	Name          string
	Kind          ActionKind
	After         time.Duration
	Command       string
	ResumeCommand string
}

// Action returns the dispatchable action for this threshold.
func (t Threshold) Action() Action {
	return Action{Name: t.Name, Kind: t.Kind, Command: t.Command}
}

// ThresholdState is the lifecycle state of a threshold within one idle period.
type ThresholdState int

const (
	// Disarmed: session active, no timer pending.
	Disarmed ThresholdState = iota
	// Armed: timer counting toward the threshold duration.
	Armed
	// Fired: action dispatched for the current idle period.
	Fired
)

func (s ThresholdState) String() string {
	switch s {
	case Disarmed:
		return "disarmed"
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	default:
		return "unknown"
	}
}

// Bridge performs the external session effect for a fired threshold. It
// applies its own bounded per-call timeout; retry policy belongs to the
// scheduler.
type Bridge interface {
	Perform(ctx context.Context, action Action) error
}

// ThresholdStatus is a read-only snapshot of one scheduler entry, used by the
// daemon's status reporting.
type ThresholdStatus struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	After    time.Duration  `json:"after"`
	State    ThresholdState `json:"-"`
	StateStr string         `json:"state"`
	Deadline time.Time      `json:"deadline,omitempty"`
	Retries  int            `json:"retries,omitempty"`
}
