// Package session owns the pool of authenticated platform sessions and the
// rate discipline every platform action goes through.
package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/resilience"
)

var (
	// ErrSessionExpired is returned by a driver when the platform logged the session out.
	ErrSessionExpired = eris.New("session expired")
	// ErrSessionBlocked is returned by a driver on a captcha or challenge page.
	ErrSessionBlocked = eris.New("session blocked")
	// ErrDocumentUnavailable is returned by a driver when no primary document can be downloaded.
	ErrDocumentUnavailable = eris.New("document unavailable")
	// ErrNoSessions is returned when every session has been evicted.
	ErrNoSessions = eris.New("no usable sessions")
)

// Document is a downloaded file.
type Document struct {
	Name        string
	ContentType string
	Type        model.DocumentType
	Body        []byte
}

// Driver performs actions against the platform for a given session. The
// session passed in is a read-only snapshot.
type Driver interface {
	Login(ctx context.Context, cred Credential) ([]model.Cookie, error)
	Search(ctx context.Context, sess *model.CrawlerSession, q model.SearchQuery) ([]model.CandidateResult, error)
	Download(ctx context.Context, sess *model.CrawlerSession, cand model.CandidateResult) (*Document, error)
}

// SessionCloser is implemented by drivers that hold per-account browser
// resources.
type SessionCloser interface {
	CloseSession(account string)
}

// Alerter notifies an operator that a session was blocked.
type Alerter interface {
	SessionBlocked(ctx context.Context, sess model.CrawlerSession, cause error)
}

// Observer receives session and rate-limit measurements.
type Observer interface {
	ObserveRateWait(action string, d time.Duration)
	SessionEvent(event string)
}

// Config tunes the manager.
type Config struct {
	SearchesPerMinute  int
	DownloadsPerMinute int
	SearchBurst        int
	DownloadBurst      int
	DelayMin           time.Duration
	DelayMax           time.Duration
	Validity           time.Duration
	PoolSize           int
	Circuit            resilience.CircuitBreakerConfig
}

// DefaultConfig returns the platform defaults: 4 searches and 3 downloads a
// minute, 3-8s between actions and an 8 hour session window.
func DefaultConfig() Config {
	return Config{
		SearchesPerMinute:  4,
		DownloadsPerMinute: 3,
		SearchBurst:        1,
		DownloadBurst:      1,
		DelayMin:           3 * time.Second,
		DelayMax:           8 * time.Second,
		Validity:           8 * time.Hour,
		Circuit:            resilience.DefaultCircuitBreakerConfig(),
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithAlerter sets the operator alert hook.
func WithAlerter(a Alerter) Option { return func(m *Manager) { m.alerter = a } }

// WithObserver sets the metrics hook.
func WithObserver(o Observer) Option { return func(m *Manager) { m.observer = o } }

// WithOnChange registers a callback that receives a snapshot after every
// session state change.
func WithOnChange(fn func(model.CrawlerSession)) Option {
	return func(m *Manager) { m.onChange = fn }
}

// WithSleep replaces the delay function.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option { return func(m *Manager) { m.now = fn } }

type entry struct {
	sess model.CrawlerSession
	cred Credential
}

// Manager checks sessions out for exactly one action at a time, enforcing
// per-minute quotas and a randomized delay before each action.
type Manager struct {
	cfg    Config
	driver Driver

	idle    chan *entry
	drained chan struct{}

	mu      sync.Mutex
	entries []*entry
	live    int

	searches  *rate.Limiter
	downloads *rate.Limiter
	breaker   *resilience.CircuitBreaker

	alerter  Alerter
	observer Observer
	onChange func(model.CrawlerSession)
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

// NewManager creates a pool with one session per credential, up to PoolSize.
// Sessions log in lazily on first checkout.
func NewManager(cfg Config, driver Driver, creds []Credential, opts ...Option) (*Manager, error) {
	if len(creds) == 0 {
		return nil, eris.New("session: at least one credential is required")
	}
	def := DefaultConfig()
	if cfg.SearchesPerMinute <= 0 {
		cfg.SearchesPerMinute = def.SearchesPerMinute
	}
	if cfg.DownloadsPerMinute <= 0 {
		cfg.DownloadsPerMinute = def.DownloadsPerMinute
	}
	if cfg.SearchBurst <= 0 {
		cfg.SearchBurst = 1
	}
	if cfg.DownloadBurst <= 0 {
		cfg.DownloadBurst = 1
	}
	if cfg.Validity <= 0 {
		cfg.Validity = def.Validity
	}
	if cfg.DelayMax < cfg.DelayMin {
		return nil, eris.Errorf("session: delay_max %s is below delay_min %s", cfg.DelayMax, cfg.DelayMin)
	}
	if cfg.PoolSize > 0 && cfg.PoolSize < len(creds) {
		creds = creds[:cfg.PoolSize]
	}

	m := &Manager{
		cfg:       cfg,
		driver:    driver,
		idle:      make(chan *entry, len(creds)),
		drained:   make(chan struct{}),
		searches:  rate.NewLimiter(perMinute(cfg.SearchesPerMinute), cfg.SearchBurst),
		downloads: rate.NewLimiter(perMinute(cfg.DownloadsPerMinute), cfg.DownloadBurst),
		breaker:   resilience.NewCircuitBreaker(cfg.Circuit),
		sleep:     sleepCtx,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(m)
	}

	for _, c := range creds {
		e := &entry{
			sess: model.CrawlerSession{ID: uuid.New().String(), Account: c.Account, Status: model.SessionExpired},
			cred: c,
		}
		m.entries = append(m.entries, e)
		m.idle <- e
	}
	m.live = len(creds)
	return m, nil
}

func perMinute(n int) rate.Limit {
	return rate.Every(time.Minute / time.Duration(n))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Search runs a platform search through the search quota.
func (m *Manager) Search(ctx context.Context, q model.SearchQuery) ([]model.CandidateResult, error) {
	return perform(ctx, m, "search", m.searches, func(ctx context.Context, s *model.CrawlerSession) ([]model.CandidateResult, error) {
		return m.driver.Search(ctx, s, q)
	})
}

// Download fetches the document for cand through the download quota.
func (m *Manager) Download(ctx context.Context, cand model.CandidateResult) (*Document, error) {
	return perform(ctx, m, "download", m.downloads, func(ctx context.Context, s *model.CrawlerSession) (*Document, error) {
		return m.driver.Download(ctx, s, cand)
	})
}

// perform runs one action on one checked-out session. An expired session is
// re-authenticated and the action retried once; a blocked session is evicted
// and the block returned without retry.
func perform[T any](ctx context.Context, m *Manager, action string, lim *rate.Limiter,
	fn func(ctx context.Context, s *model.CrawlerSession) (T, error)) (T, error) {
	var zero T

	if err := m.waitQuota(ctx, action, lim); err != nil {
		return zero, err
	}

	e, err := m.checkout(ctx)
	if err != nil {
		return zero, err
	}
	defer m.checkin(e)

	if err := m.sleep(ctx, m.randomDelay()); err != nil {
		return zero, eris.Wrapf(err, "session: %s delay", action)
	}

	for attempt := 0; ; attempt++ {
		snap := m.snapshot(e)
		val, err := resilience.ExecuteVal(ctx, m.breaker, func(ctx context.Context) (T, error) {
			return fn(ctx, &snap)
		})
		switch {
		case err == nil:
			m.touch(e)
			return val, nil
		case errors.Is(err, ErrSessionBlocked):
			m.block(ctx, e, err)
			return zero, eris.Wrapf(err, "session: %s", action)
		case errors.Is(err, ErrSessionExpired) && attempt == 0:
			m.event("expired")
			m.setStatus(e, model.SessionExpired, err.Error())
			if err := m.login(ctx, e); err != nil {
				return zero, err
			}
			// The retry is another request to the platform.
			if err := m.waitQuota(ctx, action, lim); err != nil {
				return zero, err
			}
			continue
		case errors.Is(err, ErrSessionExpired):
			m.setStatus(e, model.SessionExpired, err.Error())
			return zero, resilience.NewTransientError(eris.Wrapf(err, "session: %s after re-login", action), 0)
		default:
			return zero, eris.Wrapf(err, "session: %s", action)
		}
	}
}

func (m *Manager) waitQuota(ctx context.Context, action string, lim *rate.Limiter) error {
	start := time.Now()
	if err := lim.Wait(ctx); err != nil {
		return eris.Wrapf(err, "session: %s quota", action)
	}
	if m.observer != nil {
		m.observer.ObserveRateWait(action, time.Since(start))
	}
	return nil
}

func (m *Manager) randomDelay() time.Duration {
	span := m.cfg.DelayMax - m.cfg.DelayMin
	if span <= 0 {
		return m.cfg.DelayMin
	}
	return m.cfg.DelayMin + time.Duration(rand.Int64N(int64(span)+1))
}

// checkout takes an idle session, logging it in when its window has lapsed.
func (m *Manager) checkout(ctx context.Context) (*entry, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "session: checkout")
		case <-m.drained:
			return nil, ErrNoSessions
		case e := <-m.idle:
			if m.valid(e) {
				return e, nil
			}
			if err := m.login(ctx, e); err != nil {
				m.checkin(e)
				return nil, err
			}
			return e, nil
		}
	}
}

// checkin returns a session to the idle pool unless it has been evicted.
func (m *Manager) checkin(e *entry) {
	m.mu.Lock()
	blocked := e.sess.Status == model.SessionCaptchaBlocked
	m.mu.Unlock()
	if blocked {
		return
	}
	m.idle <- e
}

func (m *Manager) login(ctx context.Context, e *entry) error {
	cookies, err := m.driver.Login(ctx, e.cred)
	if err != nil {
		if errors.Is(err, ErrSessionBlocked) {
			m.block(ctx, e, err)
			return eris.Wrapf(err, "session: login %s", e.cred.Account)
		}
		m.setStatus(e, model.SessionExpired, err.Error())
		return resilience.NewTransientError(eris.Wrapf(err, "session: login %s", e.cred.Account), 0)
	}

	now := m.now()
	m.mu.Lock()
	e.sess.Status = model.SessionActive
	e.sess.Cookies = cookies
	e.sess.IssuedAt = now
	e.sess.ExpiresAt = now.Add(m.cfg.Validity)
	e.sess.Error = ""
	snap := e.sess
	m.mu.Unlock()

	m.event("login")
	zap.L().Info("session authenticated",
		zap.String("session_id", snap.ID),
		zap.String("account", snap.Account),
		zap.Time("expires_at", snap.ExpiresAt),
	)
	m.changed(snap)
	return nil
}

// block marks the session captcha_blocked and removes it from the pool.
func (m *Manager) block(ctx context.Context, e *entry, cause error) {
	m.mu.Lock()
	if e.sess.Status == model.SessionCaptchaBlocked {
		m.mu.Unlock()
		return
	}
	e.sess.Status = model.SessionCaptchaBlocked
	e.sess.Error = cause.Error()
	snap := e.sess
	m.live--
	if m.live == 0 {
		close(m.drained)
	}
	m.mu.Unlock()

	m.event("blocked")
	zap.L().Error("session blocked; evicted from pool",
		zap.String("session_id", snap.ID),
		zap.String("account", snap.Account),
		zap.Error(cause),
	)
	if c, ok := m.driver.(SessionCloser); ok {
		c.CloseSession(snap.Account)
	}
	if m.alerter != nil {
		m.alerter.SessionBlocked(context.WithoutCancel(ctx), snap, cause)
	}
	m.changed(snap)
}

func (m *Manager) valid(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.sess.Valid(m.now())
}

func (m *Manager) snapshot(e *entry) model.CrawlerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := e.sess
	s.Cookies = append([]model.Cookie(nil), e.sess.Cookies...)
	return s
}

func (m *Manager) touch(e *entry) {
	m.mu.Lock()
	e.sess.LastUsed = m.now()
	e.sess.ActionsPerformed++
	m.mu.Unlock()
}

func (m *Manager) setStatus(e *entry, status model.SessionStatus, reason string) {
	m.mu.Lock()
	if e.sess.Status == model.SessionCaptchaBlocked {
		m.mu.Unlock()
		return
	}
	e.sess.Status = status
	e.sess.Error = reason
	snap := e.sess
	m.mu.Unlock()
	m.changed(snap)
}

func (m *Manager) event(name string) {
	if m.observer != nil {
		m.observer.SessionEvent(name)
	}
}

func (m *Manager) changed(s model.CrawlerSession) {
	if m.onChange != nil {
		s.Cookies = nil
		m.onChange(s)
	}
}

// Sessions returns a snapshot of every session, including evicted ones.
func (m *Manager) Sessions() []model.CrawlerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CrawlerSession, 0, len(m.entries))
	for _, e := range m.entries {
		s := e.sess
		s.Cookies = nil
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Live returns the number of sessions still in the pool.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// Sweep marks active sessions whose window has lapsed as expired and returns
// how many changed. Expired sessions re-authenticate on next checkout.
func (m *Manager) Sweep() int {
	now := m.now()
	var changed []model.CrawlerSession
	m.mu.Lock()
	for _, e := range m.entries {
		if e.sess.Status == model.SessionActive && !now.Before(e.sess.ExpiresAt) {
			e.sess.Status = model.SessionExpired
			changed = append(changed, e.sess)
		}
	}
	m.mu.Unlock()

	for _, s := range changed {
		m.changed(s)
	}
	if len(changed) > 0 {
		zap.L().Info("expired sessions swept", zap.Int("count", len(changed)))
	}
	return len(changed)
}
