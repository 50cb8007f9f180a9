package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/config"
	"github.com/casecrawl/casecrawl/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSessionBlocked AlertType = "session_blocked"
	AlertNoSessions     AlertType = "no_sessions"
	AlertCaseErrorRate  AlertType = "case_error_rate"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and sends
// alerts via webhook. It also satisfies session.Alerter.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SessionBlocked sends an immediate alert for a session hit by a challenge.
func (a *Alerter) SessionBlocked(ctx context.Context, sess model.CrawlerSession, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	a.SendAlerts(ctx, []Alert{{
		Type:     AlertSessionBlocked,
		Severity: "critical",
		Message:  fmt.Sprintf("Session %s (%s) was blocked by the platform and removed from the pool", sess.ID, sess.Account),
		Details: map[string]any{
			"session_id": sess.ID,
			"account":    sess.Account,
			"reason":     reason,
		},
		Timestamp: time.Now().UTC(),
	}})
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if snap.SessionsTotal > 0 && snap.SessionsUsable == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertNoSessions,
			Severity: "critical",
			Message:  fmt.Sprintf("No usable sessions: %d of %d blocked", snap.SessionsBlocked, snap.SessionsTotal),
			Details: map[string]any{
				"total":   snap.SessionsTotal,
				"blocked": snap.SessionsBlocked,
			},
			Timestamp: now,
		})
	}

	finished := snap.CasesCompleted + snap.CasesError
	if finished >= 5 && snap.CaseErrorRate > a.cfg.ErrorRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertCaseErrorRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Case error rate %.1f%% exceeds threshold %.1f%% (%d errored / %d finished in last %dh)",
				snap.CaseErrorRate*100, a.cfg.ErrorRateThreshold*100,
				snap.CasesError, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"error_rate": snap.CaseErrorRate,
				"threshold":  a.cfg.ErrorRateThreshold,
				"errored":    snap.CasesError,
				"finished":   finished,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert (no webhook configured)",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		}
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
