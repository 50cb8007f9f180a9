package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Batches created within the lookback window.
	Batches            int     `json:"batches"`
	CasesTotal         int     `json:"cases_total"`
	CasesCompleted     int     `json:"cases_completed"`
	CasesError         int     `json:"cases_error"`
	CasesAwaitingHuman int     `json:"cases_awaiting_human"`
	CaseErrorRate      float64 `json:"case_error_rate"`

	// Session pool at collection time.
	SessionsTotal   int `json:"sessions_total"`
	SessionsUsable  int `json:"sessions_usable"`
	SessionsBlocked int `json:"sessions_blocked"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SessionSource exposes the session pool snapshot.
type SessionSource interface {
	Sessions() []model.CrawlerSession
}

// Collector gathers metrics from the store and the session pool.
type Collector struct {
	store    store.Store
	sessions SessionSource
}

// NewCollector creates a new metrics collector. sessions may be nil.
func NewCollector(st store.Store, sessions SessionSource) *Collector {
	return &Collector{store: st, sessions: sessions}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	batches, err := c.store.ListBatches(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}
	for _, b := range batches {
		if b.CreatedAt.Before(cutoff) {
			continue
		}
		snap.Batches++
		snap.CasesTotal += b.TotalCases
		for status, n := range b.Counts {
			switch {
			case status == model.CaseStatusCompleted:
				snap.CasesCompleted += n
			case status == model.CaseStatusError:
				snap.CasesError += n
			case status.AwaitsHuman():
				snap.CasesAwaitingHuman += n
			}
		}
	}
	if finished := snap.CasesCompleted + snap.CasesError; finished > 0 {
		snap.CaseErrorRate = float64(snap.CasesError) / float64(finished)
	}

	if c.sessions != nil {
		for _, s := range c.sessions.Sessions() {
			snap.SessionsTotal++
			if s.Status == model.SessionCaptchaBlocked {
				snap.SessionsBlocked++
			} else {
				snap.SessionsUsable++
			}
		}
	}
	return snap, nil
}
