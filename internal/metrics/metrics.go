package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "livesync"

// Metrics holds every collector exported by livesync.
type Metrics struct {
	Transitions     *prometheus.CounterVec
	ProbeResults    *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	PollTicks       *prometheus.CounterVec
	PollFailures    *prometheus.CounterVec
	PollInterval    *prometheus.GaugeVec
	ActivePolls     prometheus.Gauge
	NotifyRequests  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_transitions_total",
				Help:      "Orchestrator phase transitions by component and target phase",
			},
			[]string{"component", "phase"},
		),
		ProbeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Health probe outcomes",
			},
			[]string{"result"},
		),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Push connect attempts by component and outcome",
			},
			[]string{"component", "outcome"},
		),
		PollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Polling callback invocations",
			},
			[]string{"component"},
		),
		PollFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_failures_total",
				Help:      "Polling callbacks that returned an error or panicked",
			},
			[]string{"component"},
		),
		PollInterval: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poll_interval_seconds",
				Help:      "Current polling interval per component",
			},
			[]string{"component"},
		),
		ActivePolls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_polls",
				Help:      "Registered polling loops",
			},
		),
		NotifyRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notify_requests_total",
				Help:      "Outbound notify requests by result",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Transitions,
			m.ProbeResults,
			m.ConnectAttempts,
			m.PollTicks,
			m.PollFailures,
			m.PollInterval,
			m.ActivePolls,
			m.NotifyRequests,
		)
	}

	return m
}

// Transition records a phase change.
func (m *Metrics) Transition(component, phase string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(component, phase).Inc()
}

// Probe records a health probe outcome.
func (m *Metrics) Probe(healthy bool) {
	if m == nil {
		return
	}
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	m.ProbeResults.WithLabelValues(result).Inc()
}

// ConnectAttempt records a push connect attempt outcome
// ("started", "connected", "failed", "throttled").
func (m *Metrics) ConnectAttempt(component, outcome string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(component, outcome).Inc()
}

// PollTick records one callback invocation and its outcome.
func (m *Metrics) PollTick(component string, failed bool) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(component).Inc()
	if failed {
		m.PollFailures.WithLabelValues(component).Inc()
	}
}

// PollRegistered tracks a loop being armed at interval.
func (m *Metrics) PollRegistered(component string, interval time.Duration) {
	if m == nil {
		return
	}
	m.PollInterval.WithLabelValues(component).Set(interval.Seconds())
}

// PollRemoved drops the interval series for a stopped loop.
func (m *Metrics) PollRemoved(component string) {
	if m == nil {
		return
	}
	m.PollInterval.DeleteLabelValues(component)
}

// SetActivePolls sets the number of registered loops.
func (m *Metrics) SetActivePolls(n int) {
	if m == nil {
		return
	}
	m.ActivePolls.Set(float64(n))
}

// Notify records an outbound notify result ("ok", "error", "breaker_open").
func (m *Metrics) Notify(result string) {
	if m == nil {
		return
	}
	m.NotifyRequests.WithLabelValues(result).Inc()
}
