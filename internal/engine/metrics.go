package engine

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instrumentation. All counters are
// incremented from the coordinator goroutine; the idle gauge reads an atomic
// published by the coordinator so scrapes never touch loop-owned state.
type Metrics struct {
	ActionsFired   *prometheus.CounterVec
	ActionFailures *prometheus.CounterVec
	InhibitBlocks  prometheus.Counter
	ActivityEvents prometheus.Counter

	registerer prometheus.Registerer
}

// NewMetrics creates and registers the engine metrics. Passing nil registers
// against the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ActionsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "actions_fired_total",
			Help:      "Idle actions dispatched successfully, by kind.",
		}, []string{"kind"}),
		ActionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "action_failures_total",
			Help:      "Idle actions that exhausted their retries, by kind.",
		}, []string{"kind"}),
		InhibitBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "inhibit_blocks_total",
			Help:      "Expired thresholds held back by an inhibitor lease.",
		}),
		ActivityEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stasis",
			Name:      "activity_events_total",
			Help:      "Coalesced user activity events observed.",
		}),
		registerer: reg,
	}
	reg.MustRegister(m.ActionsFired, m.ActionFailures, m.InhibitBlocks, m.ActivityEvents)
	return m
}

// bindIdleSeconds registers the idle duration gauge against the coordinator's
// published last-activity timestamp.
func (m *Metrics) bindIdleSeconds(lastActivityNano *atomic.Int64) {
	m.registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "stasis",
		Name:      "idle_seconds",
		Help:      "Seconds since the last observed user activity.",
	}, func() float64 {
		idle := time.Since(time.Unix(0, lastActivityNano.Load())).Seconds()
		if idle < 0 {
			return 0
		}
		return idle
	}))
}
