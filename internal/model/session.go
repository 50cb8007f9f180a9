package model

import "time"

// SessionStatus represents the health of a platform session.
type SessionStatus string

const (
	SessionActive         SessionStatus = "active"
	SessionExpired        SessionStatus = "expired"
	SessionCaptchaBlocked SessionStatus = "captcha_blocked"
)

// CrawlerSession is an authenticated, time-boxed context against the platform.
type CrawlerSession struct {
	ID               string        `json:"id"`
	Account          string        `json:"account"`
	Status           SessionStatus `json:"status"`
	Cookies          []Cookie      `json:"-"`
	IssuedAt         time.Time     `json:"issued_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	LastUsed         time.Time     `json:"last_used,omitempty"`
	ActionsPerformed int           `json:"actions_performed"`
	Error            string        `json:"error,omitempty"`
}

// Valid reports whether the session is active and inside its validity window.
func (s *CrawlerSession) Valid(now time.Time) bool {
	return s.Status == SessionActive && now.Before(s.ExpiresAt)
}

// Cookie is a single browser cookie captured after login.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// EventType identifies a progress event.
type EventType string

const (
	EventCaseStatusChanged EventType = "case_status_changed"
	EventBatchCompleted    EventType = "batch_completed"
)

// Event is emitted on every case transition and on batch completion.
type Event struct {
	Type    EventType  `json:"type"`
	BatchID string     `json:"batch_id"`
	CaseID  string     `json:"case_id,omitempty"`
	Status  CaseStatus `json:"status,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Stats   BatchStats `json:"stats"`
	At      time.Time  `json:"at"`
}
