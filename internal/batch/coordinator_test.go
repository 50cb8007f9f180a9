package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casecrawl/casecrawl/internal/artifact"
	"github.com/casecrawl/casecrawl/internal/events"
	"github.com/casecrawl/casecrawl/internal/lifecycle"
	"github.com/casecrawl/casecrawl/internal/match"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/resilience"
	"github.com/casecrawl/casecrawl/internal/search"
	"github.com/casecrawl/casecrawl/internal/session"
	"github.com/casecrawl/casecrawl/internal/store"
)

type fakePlatform struct {
	search   func(ctx context.Context, q model.SearchQuery) ([]model.CandidateResult, error)
	download func(ctx context.Context, cand model.CandidateResult) (*session.Document, error)

	searches  atomic.Int32
	downloads atomic.Int32
}

func (f *fakePlatform) Search(ctx context.Context, q model.SearchQuery) ([]model.CandidateResult, error) {
	f.searches.Add(1)
	if f.search == nil {
		return nil, nil
	}
	return f.search(ctx, q)
}

func (f *fakePlatform) Download(ctx context.Context, cand model.CandidateResult) (*session.Document, error) {
	f.downloads.Add(1)
	if f.download != nil {
		return f.download(ctx, cand)
	}
	return &session.Document{Name: "judgment.pdf", ContentType: "application/pdf", Type: model.DocumentPDF, Body: []byte("%PDF-1.7")}, nil
}

// always returns the same candidates for every query.
func always(cands ...model.CandidateResult) func(context.Context, model.SearchQuery) ([]model.CandidateResult, error) {
	return func(context.Context, model.SearchQuery) ([]model.CandidateResult, error) {
		return cands, nil
	}
}

func candidate(cite, parties string, year int) model.CandidateResult {
	return model.CandidateResult{
		Citation:  cite,
		Parties:   parties,
		Year:      year,
		Documents: model.DocumentAvailability{PDF: true, Links: map[model.DocumentType]string{model.DocumentPDF: "https://example.test/doc.pdf"}},
	}
}

type recorder struct {
	mu          sync.Mutex
	transitions []model.CaseStatus
	downloads   []string
}

func (r *recorder) CaseTransition(s model.CaseStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, s)
}

func (r *recorder) Download(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads = append(r.downloads, outcome)
}

type harness struct {
	co       *Coordinator
	platform *fakePlatform
	store    *store.MemoryStore
	broker   *events.Broker
	events   <-chan model.Event
	obs      *recorder
	dir      string
}

func newHarness(t *testing.T, p *fakePlatform) *harness {
	t.Helper()
	cl, err := match.NewClassifier(match.DefaultConfig())
	require.NoError(t, err)
	orch := search.NewOrchestrator(p, cl, search.Config{Retry: resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}})

	dir := t.TempDir()
	art, err := artifact.NewLocal(dir)
	require.NoError(t, err)

	st := store.NewMemory()
	broker := events.NewBroker()
	ch, cancel := broker.Subscribe("", 1024)
	t.Cleanup(cancel)

	obs := &recorder{}
	co := NewCoordinator(st, orch, p, art, Config{Workers: 3, MaxCases: 10},
		WithPublisher(broker), WithObserver(obs))
	t.Cleanup(co.Close)
	return &harness{co: co, platform: p, store: st, broker: broker, events: ch, obs: obs, dir: dir}
}

func (h *harness) submit(t *testing.T, auto bool, subs ...model.Submission) (string, []model.CaseJob) {
	t.Helper()
	id, err := h.co.Submit(context.Background(), subs, SubmitOptions{AutoDownload: auto})
	require.NoError(t, err)
	cases, err := h.co.ListCases(context.Background(), store.CaseFilter{BatchID: id})
	require.NoError(t, err)
	return id, cases
}

func (h *harness) drain() []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-h.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (h *harness) caseStatus(t *testing.T, id string) *model.CaseJob {
	t.Helper()
	c, err := h.co.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return c
}

func TestSubmit(t *testing.T) {
	h := newHarness(t, &fakePlatform{})

	id, cases := h.submit(t, true,
		model.Submission{PartyName: " Smith v Jones ", Citation: "[2020] HKCFI 123", Notes: "n"},
		model.Submission{PartyName: "   "},
		model.Submission{PartyName: "Chan v Lee", Citation: "HKCFI 2019 garbled"},
		model.Submission{PartyName: "Wong v Ho"},
	)

	b, err := h.co.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusPending, b.Status)
	assert.Equal(t, 3, b.TotalCases)
	assert.Equal(t, 3, b.Counts[model.CaseStatusPending])
	assert.True(t, b.AutoDownloadExactMatches)

	require.Len(t, cases, 3)
	assert.Equal(t, "Smith v Jones", cases[0].PartyRaw)
	assert.Equal(t, "[2020] HKCFI 123", cases[0].CitationNormalized)
	assert.Equal(t, 2020, cases[0].Year)
	require.NotNil(t, cases[0].Citation)
	assert.Equal(t, model.JurisdictionHK, cases[0].Citation.Jurisdiction)

	assert.Equal(t, 2019, cases[1].Year, "unparsable citation keeps its year")
	assert.True(t, cases[1].HasCitation())

	assert.Nil(t, cases[2].Citation)
	assert.Zero(t, cases[2].Year)
	for _, c := range cases {
		assert.Equal(t, model.CaseStatusPending, c.Status)
		assert.NotEmpty(t, c.Party.Variations)
	}
}

func TestSubmit_Rejects(t *testing.T) {
	h := newHarness(t, &fakePlatform{})

	_, err := h.co.Submit(context.Background(), []model.Submission{{PartyName: ""}}, SubmitOptions{})
	assert.True(t, errors.Is(err, ErrEmptyBatch))

	many := make([]model.Submission, 11)
	for i := range many {
		many[i] = model.Submission{PartyName: "A v B"}
	}
	_, err = h.co.Submit(context.Background(), many, SubmitOptions{})
	assert.True(t, errors.Is(err, ErrTooManyCases))
}

func TestProcess_ExactMatchAutoCompletes(t *testing.T) {
	h := newHarness(t, &fakePlatform{search: always(candidate("[2020] HKCFI 123", "Smith v Jones", 2020))})
	id, cases := h.submit(t, true, model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"})

	require.NoError(t, h.co.Process(context.Background(), id))

	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusCompleted, c.Status)
	assert.Equal(t, model.StrategyExact, c.Strategy)
	assert.Equal(t, int32(1), h.platform.searches.Load(), "exact match must not trigger broader steps")
	require.NotEmpty(t, c.ArtifactRef)
	assert.Equal(t, id+"/"+c.ID+"_Smith_v_Jones_2020_HKCFI_123.pdf", c.ArtifactRef)
	body, err := os.ReadFile(filepath.Join(h.dir, filepath.FromSlash(c.ArtifactRef)))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(body))

	b, err := h.co.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
	assert.NotNil(t, b.CompletedAt)
	assert.Equal(t, map[model.CaseStatus]int{model.CaseStatusCompleted: 1}, b.Counts)

	evs := h.drain()
	var statuses []model.CaseStatus
	var completed int
	for _, ev := range evs {
		assert.Equal(t, b.TotalCases, ev.Stats.Sum(), "counts must always sum to total")
		if ev.Type == model.EventCaseStatusChanged {
			statuses = append(statuses, ev.Status)
		} else {
			completed++
		}
	}
	assert.Equal(t, []model.CaseStatus{
		model.CaseStatusSearching,
		model.CaseStatusDownloading,
		model.CaseStatusCompleted,
	}, statuses)
	assert.Equal(t, 1, completed)
	assert.Equal(t, []string{"ok"}, h.obs.downloads)
}

func TestProcess_SimilarVolumeAutoCompletes(t *testing.T) {
	h := newHarness(t, &fakePlatform{search: always(candidate("[2020] 2 HKLRD 123", "Smith v Jones", 2020))})
	id, cases := h.submit(t, true, model.Submission{PartyName: "Smith v Jones", Citation: "[2020] 1 HKLRD 123"})

	require.NoError(t, h.co.Process(context.Background(), id))

	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusCompleted, c.Status)
	assert.True(t, c.VolumeToleranceApplied)
	require.NotEmpty(t, c.Results)
	assert.Equal(t, model.MatchSimilarVolume, c.Results[0].MatchType)
}

func TestProcess_CivilProcedureNeedsOverride(t *testing.T) {
	cand := candidate("[2020] HKCFI 123", "Smith v Jones", 2020)
	cand.CivilProcedure = true
	h := newHarness(t, &fakePlatform{search: always(cand)})
	id, cases := h.submit(t, true, model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"})

	require.NoError(t, h.co.Process(context.Background(), id))

	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusCivilProcedureBlocked, c.Status)
	assert.Zero(t, h.platform.downloads.Load())

	b, err := h.co.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusProcessed, b.Status, "awaiting review counts as processed")
	assert.Nil(t, b.CompletedAt)

	resultID := c.Results[0].ID
	_, err = h.co.Select(context.Background(), c.ID, resultID, false)
	assert.True(t, errors.Is(err, lifecycle.ErrOverrideRequired))
	assert.Equal(t, model.CaseStatusCivilProcedureBlocked, h.caseStatus(t, c.ID).Status)

	sel, err := h.co.Select(context.Background(), c.ID, resultID, true)
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusDownloading, sel.Status)
	h.co.Wait()

	done := h.caseStatus(t, c.ID)
	assert.Equal(t, model.CaseStatusCompleted, done.Status)
	assert.True(t, done.OverrideCivilProcedure)

	b, err = h.co.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
}

func TestProcess_AmbiguousThenSelect(t *testing.T) {
	h := newHarness(t, &fakePlatform{search: always(
		candidate("[2020] HKCFI 5", "Smith v Jones", 2020),
		candidate("[2020] HKCFI 7", "Smith v Jones", 2020),
	)})
	id, cases := h.submit(t, true, model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"})

	require.NoError(t, h.co.Process(context.Background(), id))

	c := h.caseStatus(t, cases[0].ID)
	require.Equal(t, model.CaseStatusAmbiguous, c.Status)
	cands, err := h.co.GetCandidates(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	for _, r := range cands {
		assert.Equal(t, model.MatchYearOnly, r.MatchType)
	}

	_, err = h.co.Select(context.Background(), c.ID, "not-a-result", false)
	assert.True(t, errors.Is(err, lifecycle.ErrInvalidSelection))
	unchanged := h.caseStatus(t, c.ID)
	assert.Equal(t, model.CaseStatusAmbiguous, unchanged.Status)
	assert.Empty(t, unchanged.SelectedResultID)

	_, err = h.co.Select(context.Background(), c.ID, cands[1].ID, false)
	require.NoError(t, err)
	h.co.Wait()

	done := h.caseStatus(t, c.ID)
	assert.Equal(t, model.CaseStatusCompleted, done.Status)
	assert.Equal(t, cands[1].ID, done.SelectedResultID)
}

func TestProcess_DocumentUnavailableIsAnalysisOnly(t *testing.T) {
	h := newHarness(t, &fakePlatform{
		search: always(candidate("[2020] HKCFI 123", "Smith v Jones", 2020)),
		download: func(context.Context, model.CandidateResult) (*session.Document, error) {
			return nil, session.ErrDocumentUnavailable
		},
	})
	id, cases := h.submit(t, true, model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"})

	require.NoError(t, h.co.Process(context.Background(), id))

	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusAnalysisOnly, c.Status)
	assert.Empty(t, c.ArtifactRef)
	assert.Equal(t, []string{"unavailable"}, h.obs.downloads)
}

func TestProcess_SearchFailureIsCaseError(t *testing.T) {
	h := newHarness(t, &fakePlatform{search: func(context.Context, model.SearchQuery) ([]model.CandidateResult, error) {
		return nil, session.ErrSessionBlocked
	}})
	id, cases := h.submit(t, true,
		model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"},
		model.Submission{PartyName: "Chan v Lee"},
	)

	require.NoError(t, h.co.Process(context.Background(), id))

	for _, c := range cases {
		got := h.caseStatus(t, c.ID)
		assert.Equal(t, model.CaseStatusError, got.Status)
		assert.Contains(t, got.StatusReason, "session blocked")
	}
	// Blocks are not retried.
	assert.Equal(t, int32(2), h.platform.searches.Load())

	b, err := h.co.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusCompleted, b.Status)
	assert.Equal(t, 2, b.Counts[model.CaseStatusError])
}

func TestProcess_RetryExhaustionIsCaseError(t *testing.T) {
	h := newHarness(t, &fakePlatform{search: func(context.Context, model.SearchQuery) ([]model.CandidateResult, error) {
		return nil, resilience.NewTransientError(errors.New("bad gateway"), 502)
	}})
	id, cases := h.submit(t, false, model.Submission{PartyName: "Smith v Jones"})

	require.NoError(t, h.co.Process(context.Background(), id))

	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusError, c.Status)
	assert.Equal(t, int32(2), h.platform.searches.Load(), "one retry then give up")
}

func TestProcess_NoCitationNotFound(t *testing.T) {
	h := newHarness(t, &fakePlatform{})
	id, cases := h.submit(t, false, model.Submission{PartyName: "Nobody v Nothing"})

	require.NoError(t, h.co.Process(context.Background(), id))
	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusError, c.Status)
	assert.Equal(t, model.StrategyFailed, c.Strategy)
}

func TestProcess_CountsAlwaysSumToTotal(t *testing.T) {
	cp := candidate("[2021] HKCA 9", "Lee v Chan", 2021)
	cp.CivilProcedure = true
	h := newHarness(t, &fakePlatform{search: func(_ context.Context, q model.SearchQuery) ([]model.CandidateResult, error) {
		switch q.Citation {
		case "[2020] HKCFI 123":
			return []model.CandidateResult{candidate("[2020] HKCFI 123", "Smith v Jones", 2020)}, nil
		case "[2021] HKCA 9":
			return []model.CandidateResult{cp}, nil
		}
		return nil, nil
	}})
	id, _ := h.submit(t, true,
		model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"},
		model.Submission{PartyName: "Lee v Chan", Citation: "[2021] HKCA 9"},
		model.Submission{PartyName: "Nobody v Nothing"},
		model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"},
	)

	require.NoError(t, h.co.Process(context.Background(), id))

	for _, ev := range h.drain() {
		assert.Equal(t, 4, ev.Stats.Sum())
	}
	b, err := h.co.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Stats().Sum())
	assert.Equal(t, 2, b.Counts[model.CaseStatusCompleted])
	assert.Equal(t, 1, b.Counts[model.CaseStatusCivilProcedureBlocked])
	assert.Equal(t, 1, b.Counts[model.CaseStatusError])
	assert.Equal(t, model.BatchStatusProcessed, b.Status)
}

func TestForceManualReview_AbortsInFlightSearch(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	h := newHarness(t, &fakePlatform{search: func(ctx context.Context, _ model.SearchQuery) ([]model.CandidateResult, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	id, cases := h.submit(t, true, model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"})

	errc := make(chan error, 1)
	go func() { errc <- h.co.Process(context.Background(), id) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("search never started")
	}
	forced, err := h.co.ForceManualReview(context.Background(), cases[0].ID, "operator judgement")
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusError, forced.Status)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("process did not return after forced review")
	}

	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusError, c.Status)
	assert.Equal(t, "manual review: operator judgement", c.StatusReason)
	assert.Empty(t, c.Results, "late outcome must be discarded")

	_, err = h.co.ForceManualReview(context.Background(), c.ID, "again")
	assert.True(t, errors.Is(err, lifecycle.ErrInvalidTransition))
}

func TestProcess_ResumesInterruptedCases(t *testing.T) {
	h := newHarness(t, &fakePlatform{search: always(candidate("[2020] HKCFI 123", "Smith v Jones", 2020))})
	id, cases := h.submit(t, true, model.Submission{PartyName: "Smith v Jones", Citation: "[2020] HKCFI 123"})

	// Simulate a crash mid-search.
	_, err := h.co.update(context.Background(), cases[0].ID, lifecycle.Begin)
	require.NoError(t, err)

	require.NoError(t, h.co.Process(context.Background(), id))
	c := h.caseStatus(t, cases[0].ID)
	assert.Equal(t, model.CaseStatusCompleted, c.Status)
	assert.Equal(t, 2, c.Attempts)
	require.Len(t, c.Results, 1, "a repeated pass replaces the result set")

	// Restarting the search keeps the case searching; only real status
	// changes are counted and published.
	var searching int
	for _, ev := range h.drain() {
		if ev.Type == model.EventCaseStatusChanged && ev.Status == model.CaseStatusSearching {
			searching++
		}
	}
	assert.Equal(t, 1, searching)
	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	assert.Equal(t, []model.CaseStatus{
		model.CaseStatusSearching,
		model.CaseStatusDownloading,
		model.CaseStatusCompleted,
	}, h.obs.transitions)
}
