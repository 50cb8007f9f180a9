package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/resilience"
)

type fakeDriver struct {
	mu        sync.Mutex
	logins    map[string]int
	loginErr  error
	searchErr []error
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	seen      []string
	closed    []string
}

func (d *fakeDriver) Login(_ context.Context, cred Credential) ([]model.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loginErr != nil {
		return nil, d.loginErr
	}
	if d.logins == nil {
		d.logins = map[string]int{}
	}
	d.logins[cred.Account]++
	return []model.Cookie{{Name: "sid", Value: cred.Account}}, nil
}

func (d *fakeDriver) Search(_ context.Context, s *model.CrawlerSession, q model.SearchQuery) ([]model.CandidateResult, error) {
	n := d.inFlight.Add(1)
	defer d.inFlight.Add(-1)
	for {
		m := d.maxFlight.Load()
		if n <= m || d.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, s.Account)
	if len(d.searchErr) > 0 {
		err := d.searchErr[0]
		d.searchErr = d.searchErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return []model.CandidateResult{{Citation: "[2020] HKCFI 1", Parties: q.Party}}, nil
}

func (d *fakeDriver) Download(_ context.Context, _ *model.CrawlerSession, cand model.CandidateResult) (*Document, error) {
	if !cand.HasPrimaryDocument() {
		return nil, ErrDocumentUnavailable
	}
	return &Document{Name: "case.pdf", Type: model.DocumentPDF, Body: []byte("%PDF")}, nil
}

func (d *fakeDriver) CloseSession(account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = append(d.closed, account)
}

func (d *fakeDriver) loginCount(account string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.logins[account]
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []model.CrawlerSession
}

func (a *recordingAlerter) SessionBlocked(_ context.Context, s model.CrawlerSession, _ error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, s)
}

type countingObserver struct {
	mu     sync.Mutex
	waits  map[string]int
	events map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{waits: map[string]int{}, events: map[string]int{}}
}

func (o *countingObserver) ObserveRateWait(action string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waits[action]++
}

func (o *countingObserver) SessionEvent(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events[event]++
}

func fastConfig() Config {
	return Config{
		SearchesPerMinute:  60000,
		DownloadsPerMinute: 60000,
		SearchBurst:        10,
		DownloadBurst:      10,
		Validity:           8 * time.Hour,
		Circuit:            resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Millisecond},
	}
}

func creds(accounts ...string) []Credential {
	out := make([]Credential, len(accounts))
	for i, a := range accounts {
		out[i] = Credential{Account: a, Username: a, Password: "pw"}
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestManager(t *testing.T, d Driver, cfg Config, accounts []Credential, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithSleep(noSleep)}, opts...)
	m, err := NewManager(cfg, d, accounts, opts...)
	require.NoError(t, err)
	return m
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(fastConfig(), &fakeDriver{}, nil)
	assert.Error(t, err)

	cfg := fastConfig()
	cfg.DelayMin, cfg.DelayMax = 5*time.Second, time.Second
	_, err = NewManager(cfg, &fakeDriver{}, creds("a"))
	assert.Error(t, err)

	cfg = fastConfig()
	cfg.PoolSize = 1
	m, err := NewManager(cfg, &fakeDriver{}, creds("a", "b"))
	require.NoError(t, err)
	assert.Len(t, m.Sessions(), 1)
}

func TestSearch_LazyLoginAndReuse(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(t, d, fastConfig(), creds("a"))

	for i := 0; i < 3; i++ {
		res, err := m.Search(context.Background(), model.SearchQuery{Party: `"A v B"`})
		require.NoError(t, err)
		require.Len(t, res, 1)
	}

	assert.Equal(t, 1, d.loginCount("a"))
	sess := m.Sessions()
	require.Len(t, sess, 1)
	assert.Equal(t, model.SessionActive, sess[0].Status)
	assert.Equal(t, 3, sess[0].ActionsPerformed)
	assert.Nil(t, sess[0].Cookies)
}

func TestSearch_ExpiredSessionReauthenticatesOnce(t *testing.T) {
	d := &fakeDriver{searchErr: []error{ErrSessionExpired}}
	m := newTestManager(t, d, fastConfig(), creds("a"))

	_, err := m.Search(context.Background(), model.SearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, d.loginCount("a"))
}

func TestSearch_RetryAfterExpiryWaitsForQuota(t *testing.T) {
	cfg := fastConfig()
	cfg.SearchesPerMinute = 600 // one every 100ms
	cfg.SearchBurst = 1
	obs := newCountingObserver()
	d := &fakeDriver{searchErr: []error{ErrSessionExpired}}
	m := newTestManager(t, d, cfg, creds("a"), WithObserver(obs))

	start := time.Now()
	_, err := m.Search(context.Background(), model.SearchQuery{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, 2, obs.waits["search"])
	assert.Equal(t, 1, obs.events["expired"])
}

func TestSearch_ExpiredTwiceIsTransient(t *testing.T) {
	d := &fakeDriver{searchErr: []error{ErrSessionExpired, ErrSessionExpired}}
	m := newTestManager(t, d, fastConfig(), creds("a"))

	_, err := m.Search(context.Background(), model.SearchQuery{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Equal(t, model.SessionExpired, m.Sessions()[0].Status)
}

func TestSearch_BlockedSessionIsEvicted(t *testing.T) {
	d := &fakeDriver{searchErr: []error{ErrSessionBlocked}}
	alerts := &recordingAlerter{}
	var changes []model.CrawlerSession
	m := newTestManager(t, d, fastConfig(), creds("a"),
		WithAlerter(alerts),
		WithOnChange(func(s model.CrawlerSession) { changes = append(changes, s) }),
	)

	_, err := m.Search(context.Background(), model.SearchQuery{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionBlocked)
	assert.False(t, resilience.IsTransient(err))

	assert.Equal(t, 0, m.Live())
	assert.Equal(t, model.SessionCaptchaBlocked, m.Sessions()[0].Status)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "a", alerts.alerts[0].Account)
	assert.Equal(t, []string{"a"}, d.closed)
	require.NotEmpty(t, changes)
	assert.Equal(t, model.SessionCaptchaBlocked, changes[len(changes)-1].Status)

	_, err = m.Search(context.Background(), model.SearchQuery{})
	assert.ErrorIs(t, err, ErrNoSessions)
}

func TestSearch_BlockedSessionLeavesOthersServing(t *testing.T) {
	d := &fakeDriver{searchErr: []error{ErrSessionBlocked}}
	m := newTestManager(t, d, fastConfig(), creds("a", "b"))

	_, err := m.Search(context.Background(), model.SearchQuery{})
	require.ErrorIs(t, err, ErrSessionBlocked)
	assert.Equal(t, 1, m.Live())

	for i := 0; i < 3; i++ {
		_, err = m.Search(context.Background(), model.SearchQuery{})
		require.NoError(t, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	last := d.seen[len(d.seen)-1]
	assert.Equal(t, last, d.seen[1])
	for _, acct := range d.seen[1:] {
		assert.Equal(t, last, acct)
	}
}

func TestLogin_BlockedEvicts(t *testing.T) {
	d := &fakeDriver{loginErr: ErrSessionBlocked}
	m := newTestManager(t, d, fastConfig(), creds("a"))

	_, err := m.Search(context.Background(), model.SearchQuery{})
	assert.ErrorIs(t, err, ErrSessionBlocked)
	assert.Equal(t, 0, m.Live())
}

func TestLogin_FailureIsTransient(t *testing.T) {
	d := &fakeDriver{loginErr: errors.New("login page did not load")}
	m := newTestManager(t, d, fastConfig(), creds("a"))

	_, err := m.Search(context.Background(), model.SearchQuery{})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, 1, m.Live())
}

func TestValidityWindowAndSweep(t *testing.T) {
	d := &fakeDriver{}
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(dur time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(dur)
	}
	m := newTestManager(t, d, fastConfig(), creds("a"), WithClock(now))

	_, err := m.Search(context.Background(), model.SearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, clock.Add(8*time.Hour), m.Sessions()[0].ExpiresAt)
	assert.Equal(t, 0, m.Sweep())

	advance(8 * time.Hour)
	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, model.SessionExpired, m.Sessions()[0].Status)

	_, err = m.Search(context.Background(), model.SearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, d.loginCount("a"))
	assert.Equal(t, model.SessionActive, m.Sessions()[0].Status)
}

func TestRandomDelayWithinBounds(t *testing.T) {
	cfg := fastConfig()
	cfg.DelayMin, cfg.DelayMax = 3*time.Second, 8*time.Second

	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
		return nil
	}
	m := newTestManager(t, &fakeDriver{}, cfg, creds("a"), WithSleep(sleep))

	for i := 0; i < 20; i++ {
		_, err := m.Search(context.Background(), model.SearchQuery{})
		require.NoError(t, err)
	}
	require.Len(t, delays, 20)
	for _, d := range delays {
		assert.GreaterOrEqual(t, d, 3*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestSessionUsedByOneActionAtATime(t *testing.T) {
	d := &fakeDriver{}
	m := newTestManager(t, d, fastConfig(), creds("a"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Search(context.Background(), model.SearchQuery{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), d.maxFlight.Load())
	assert.Equal(t, 8, m.Sessions()[0].ActionsPerformed)
}

func TestSearchQuotaIsEnforced(t *testing.T) {
	cfg := fastConfig()
	cfg.SearchesPerMinute = 600 // one every 100ms
	cfg.SearchBurst = 1
	m := newTestManager(t, &fakeDriver{}, cfg, creds("a", "b"))

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := m.Search(context.Background(), model.SearchQuery{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestDownload(t *testing.T) {
	m := newTestManager(t, &fakeDriver{}, fastConfig(), creds("a"))

	doc, err := m.Download(context.Background(), model.CandidateResult{Documents: model.DocumentAvailability{PDF: true}})
	require.NoError(t, err)
	assert.Equal(t, model.DocumentPDF, doc.Type)

	_, err = m.Download(context.Background(), model.CandidateResult{Documents: model.DocumentAvailability{Analysis: true}})
	assert.ErrorIs(t, err, ErrDocumentUnavailable)
	assert.Equal(t, 1, m.Live())
}

func TestCheckoutHonoursCancellation(t *testing.T) {
	block := make(chan struct{})
	sleep := func(ctx context.Context, _ time.Duration) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m := newTestManager(t, &fakeDriver{}, fastConfig(), creds("a"), WithSleep(sleep))

	holding := make(chan error, 1)
	go func() {
		_, err := m.Search(context.Background(), model.SearchQuery{})
		holding <- err
	}()

	// Wait for the only session to be checked out.
	require.Eventually(t, func() bool { return len(m.idle) == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Search(ctx, model.SearchQuery{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	assert.NoError(t, <-holding)
}
