package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// SchedulerConfig configures an ActionScheduler.
type SchedulerConfig struct {
	// Registry is consulted before every dispatch.
	Registry *Registry

	// Bridge performs the session effects.
	Bridge Bridge

	// PollInterval is the recheck interval for blocked-but-armed thresholds
	// and the retry spacing after a failed dispatch.
	PollInterval time.Duration

	// RetryLimit is the number of consecutive dispatch failures after which
	// the failure is surfaced through OnFailure.
	RetryLimit int

	// OnFired is called after a successful dispatch.
	OnFired func(Threshold)

	// OnFailure is called once per exhausted retry round. The threshold
	// stays armed; this is the reportable-error channel for unmet actions.
	OnFailure func(Threshold, error)

	// OnBlocked is called when an expired threshold is held back by an
	// inhibitor. Metrics hook, may be nil.
	OnBlocked func(Threshold)

	Logger *slog.Logger
}

type schedulerEntry struct {
	threshold Threshold
	state     ThresholdState
	deadline  time.Time
	retries   int
}

// Scheduler walks each threshold through Disarmed -> Armed -> Fired and back.
// Thresholds are kept sorted by ascending duration so a shorter action always
// gets its chance to fire before a longer one within the same tick. All
// methods run on the coordinator goroutine.
type Scheduler struct {
	entries      []*schedulerEntry
	registry     *Registry
	bridge       Bridge
	pollInterval time.Duration
	retryLimit   int
	onFired      func(Threshold)
	onFailure    func(Threshold, error)
	onBlocked    func(Threshold)
	logger       *slog.Logger
}

// NewScheduler creates a scheduler with no thresholds armed. Call
// SetThresholds to install the configured set.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.RetryLimit < 1 {
		cfg.RetryLimit = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		registry:     cfg.Registry,
		bridge:       cfg.Bridge,
		pollInterval: cfg.PollInterval,
		retryLimit:   cfg.RetryLimit,
		onFired:      cfg.OnFired,
		onFailure:    cfg.OnFailure,
		onBlocked:    cfg.OnBlocked,
		logger:       cfg.Logger,
	}
}

// SetThresholds replaces the threshold set and arms it against a fresh idle
// period starting at now. Used at startup and when the active power profile
// or configuration changes; within a run the installed set is immutable.
func (s *Scheduler) SetThresholds(thresholds []Threshold, now time.Time) {
	s.entries = make([]*schedulerEntry, 0, len(thresholds))
	for _, t := range thresholds {
		s.entries = append(s.entries, &schedulerEntry{threshold: t})
	}
	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].threshold.After < s.entries[j].threshold.After
	})
	s.arm(now)
}

// Reset returns every armed or fired threshold to Disarmed and re-arms the
// whole set against the idle period starting at now. It returns the resume
// commands of thresholds that had fired, for the caller to dispatch. The
// coordinator calls this on every activity batch to keep deadlines aligned
// with the last activity; resume commands come back at most once per fire
// because resetting also clears the fired state.
func (s *Scheduler) Reset(now time.Time) []string {
	var resume []string
	for _, e := range s.entries {
		if e.state == Fired && e.threshold.ResumeCommand != "" {
			resume = append(resume, e.threshold.ResumeCommand)
		}
		e.state = Disarmed
		e.retries = 0
	}
	s.arm(now)
	return resume
}

// arm moves every disarmed threshold to Armed with a deadline measured from
// the start of the idle period. Armed is always visited, even for instant
// thresholds whose deadline is already due.
func (s *Scheduler) arm(now time.Time) {
	for _, e := range s.entries {
		if e.state != Disarmed {
			continue
		}
		e.state = Armed
		e.deadline = now.Add(e.threshold.After)
	}
}

// Disarm cancels all pending timers, e.g. on shutdown.
func (s *Scheduler) Disarm() {
	for _, e := range s.entries {
		e.state = Disarmed
		e.retries = 0
	}
}

// Tick evaluates expired thresholds in ascending duration order. now is
// passed in by the coordinator so the whole dispatch cycle observes one
// consistent instant.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	for _, e := range s.entries {
		if e.state != Armed || e.deadline.After(now) {
			continue
		}
		s.dispatch(ctx, e, now)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, e *schedulerEntry, now time.Time) {
	t := e.threshold

	if s.registry != nil && s.registry.IsBlocked(t.Kind) {
		// Stay armed, recheck on the poll interval rather than busy-looping
		e.deadline = now.Add(s.pollInterval)
		s.logger.Debug("Threshold blocked by inhibitor",
			"threshold", t.Name, "kind", t.Kind.String(), "recheck", s.pollInterval)
		if s.onBlocked != nil {
			s.onBlocked(t)
		}
		return
	}

	err := s.bridge.Perform(ctx, t.Action())
	if err != nil {
		e.retries++
		e.deadline = now.Add(s.pollInterval)
		if e.retries >= s.retryLimit {
			s.logger.Error("Action failed, retries exhausted",
				"threshold", t.Name, "kind", t.Kind.String(),
				"attempts", e.retries, "error", err)
			if s.onFailure != nil {
				s.onFailure(t, fmt.Errorf("%s failed after %d attempts: %w", t.Name, e.retries, err))
			}
			// Fresh retry round on the next expiry, the threshold stays armed
			e.retries = 0
			return
		}
		s.logger.Warn("Action failed, will retry",
			"threshold", t.Name, "kind", t.Kind.String(),
			"attempt", e.retries, "limit", s.retryLimit, "error", err)
		return
	}

	e.state = Fired
	e.retries = 0
	s.logger.Info("Action fired",
		"threshold", t.Name, "kind", t.Kind.String(), "after", t.After)
	if s.onFired != nil {
		s.onFired(t)
	}
}

// Trigger fires the named threshold immediately, bypassing its timer and any
// inhibitors. Used for manual dispatch over the control socket.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	for _, e := range s.entries {
		if e.threshold.Name != name {
			continue
		}
		if e.state == Fired {
			return fmt.Errorf("threshold %q already fired", name)
		}
		if err := s.bridge.Perform(ctx, e.threshold.Action()); err != nil {
			return err
		}
		e.state = Fired
		if s.onFired != nil {
			s.onFired(e.threshold)
		}
		return nil
	}
	return fmt.Errorf("no threshold named %q (have %v)", name, s.names())
}

// NextDeadline returns the earliest pending deadline, or false when nothing
// is armed.
func (s *Scheduler) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for _, e := range s.entries {
		if e.state != Armed {
			continue
		}
		if !found || e.deadline.Before(next) {
			next = e.deadline
			found = true
		}
	}
	return next, found
}

// Snapshot returns the current state of every threshold for status reporting.
func (s *Scheduler) Snapshot() []ThresholdStatus {
	out := make([]ThresholdStatus, 0, len(s.entries))
	for _, e := range s.entries {
		st := ThresholdStatus{
			Name:     e.threshold.Name,
			Kind:     e.threshold.Kind.String(),
			After:    e.threshold.After,
			State:    e.state,
			StateStr: e.state.String(),
			Retries:  e.retries,
		}
		if e.state == Armed {
			st.Deadline = e.deadline
		}
		out = append(out, st)
	}
	return out
}

func (s *Scheduler) names() []string {
	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.threshold.Name
	}
	return names
}
