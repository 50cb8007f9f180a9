package monitoring

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/config"
)

// Checker evaluates alert thresholds against a fresh snapshot each time
// Check is called. An alert fires when its condition starts and again only
// after the condition has cleared in between, so a pool that stays blocked
// for hours pages once.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	metrics   *Metrics
	lookback  int

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates an alert checker. metrics may be nil.
func NewChecker(collector *Collector, alerter *Alerter, metrics *Metrics, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		metrics:   metrics,
		lookback:  cfg.LookbackWindowHours,
		firing:    make(map[AlertType]bool),
	}
}

// Check collects a snapshot, refreshes the pool gauges and sends alerts whose
// condition newly holds. It returns the number of alerts delivered.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: collect snapshot", zap.Error(err))
		return 0
	}
	if c.metrics != nil {
		c.metrics.ObserveSnapshot(snap)
	}

	fresh := c.edge(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		log.Debug("monitoring: no new alerts",
			zap.Int("sessions_usable", snap.SessionsUsable),
			zap.Int("cases_awaiting_human", snap.CasesAwaitingHuman),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(fresh)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

// edge keeps the alerts that were not firing on the previous check and
// forgets the ones that have cleared.
func (c *Checker) edge(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.firing = now
	return fresh
}
