package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/search"
)

// Metrics holds the Prometheus collectors for case processing and the
// session pool. It satisfies session.Observer.
type Metrics struct {
	// SearchSteps counts executed cascade steps by strategy and whether the
	// step produced a usable candidate.
	SearchSteps *prometheus.CounterVec

	// CaseTransitions counts lifecycle transitions by destination status.
	CaseTransitions *prometheus.CounterVec

	// Downloads counts document downloads by outcome.
	Downloads *prometheus.CounterVec

	// SessionEvents counts logins, expiries and blocks.
	SessionEvents *prometheus.CounterVec

	// RateWait observes time spent waiting on the platform quotas.
	RateWait *prometheus.HistogramVec

	// EventsDropped counts progress events lost to slow subscribers.
	EventsDropped prometheus.Counter

	SessionsUsable     prometheus.Gauge
	CasesAwaitingHuman prometheus.Gauge
}

// NewMetrics registers all collectors with reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SearchSteps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_steps_total",
			Help:      "Cascade steps executed, by strategy and usability",
		}, []string{"strategy", "usable"}),
		CaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "case_transitions_total",
			Help:      "Case lifecycle transitions, by destination status",
		}, []string{"status"}),
		Downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Document downloads, by outcome",
		}, []string{"outcome"}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session pool events (login, expired, blocked)",
		}, []string{"event"}),
		RateWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_wait_seconds",
			Help:      "Time spent waiting for platform quota",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"action"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Progress events dropped because a subscriber was full",
		}),
		SessionsUsable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_usable",
			Help:      "Sessions in the pool that are not blocked",
		}),
		CasesAwaitingHuman: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cases_awaiting_human",
			Help:      "Cases in the lookback window parked for an operator decision",
		}),
	}
}

// ObserveSnapshot copies point-in-time values from snap into the gauges.
func (m *Metrics) ObserveSnapshot(snap *MetricsSnapshot) {
	m.SessionsUsable.Set(float64(snap.SessionsUsable))
	m.CasesAwaitingHuman.Set(float64(snap.CasesAwaitingHuman))
}

func (m *Metrics) ObserveRateWait(action string, d time.Duration) {
	m.RateWait.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) SessionEvent(event string) {
	m.SessionEvents.WithLabelValues(event).Inc()
}

// ObserveStep matches search.Config.OnStep.
func (m *Metrics) ObserveStep(_ string, r search.StepReport) {
	usable := "false"
	if r.Usable {
		usable = "true"
	}
	m.SearchSteps.WithLabelValues(string(r.Strategy), usable).Inc()
}

func (m *Metrics) CaseTransition(status model.CaseStatus) {
	m.CaseTransitions.WithLabelValues(string(status)).Inc()
}

// Download records a download outcome: ok, unavailable, blocked or error.
func (m *Metrics) Download(outcome string) {
	m.Downloads.WithLabelValues(outcome).Inc()
}
