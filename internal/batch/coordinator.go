// Package batch fans cases out to the search cascade and keeps batch
// counters, persistence and progress events in step with every transition.
package batch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/artifact"
	"github.com/casecrawl/casecrawl/internal/citation"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/party"
	"github.com/casecrawl/casecrawl/internal/search"
	"github.com/casecrawl/casecrawl/internal/session"
	"github.com/casecrawl/casecrawl/internal/store"
)

var (
	// ErrEmptyBatch is returned when no submission has a party name.
	ErrEmptyBatch = eris.New("batch has no cases")
	// ErrTooManyCases is returned when a submission exceeds the configured cap.
	ErrTooManyCases = eris.New("batch has too many cases")

	errDiscarded = eris.New("outcome discarded")
)

// Searcher runs the search cascade for one case.
type Searcher interface {
	Run(ctx context.Context, c *model.CaseJob, autoDownload bool) (*search.Outcome, error)
}

// Downloader fetches the document for a selected candidate.
type Downloader interface {
	Download(ctx context.Context, cand model.CandidateResult) (*session.Document, error)
}

// Publisher receives progress events.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event)
}

// Observer receives case-level measurements.
type Observer interface {
	CaseTransition(status model.CaseStatus)
	Download(outcome string)
}

// Config tunes the coordinator.
type Config struct {
	// Workers bounds concurrently processed cases. Platform throughput is
	// capped by the session limiters, not by this number.
	Workers  int
	MaxCases int
}

// SubmitOptions are per-batch policy flags.
type SubmitOptions struct {
	AutoDownload bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.events = p } }

// WithObserver sets the metrics hook.
func WithObserver(o Observer) Option { return func(c *Coordinator) { c.observer = o } }

// WithClock overrides time.Now.
func WithClock(fn func() time.Time) Option { return func(c *Coordinator) { c.now = fn } }

type flight struct {
	cancel context.CancelFunc
}

// Coordinator owns batch processing. It is safe for concurrent use.
type Coordinator struct {
	store      store.Store
	searcher   Searcher
	downloader Downloader
	artifacts  artifact.Store
	events     Publisher
	observer   Observer
	cfg        Config
	now        func() time.Time

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	inflight map[string]*flight

	base   context.Context
	stop   context.CancelFunc
	bgWork sync.WaitGroup
}

// NewCoordinator wires the collaborators together.
func NewCoordinator(st store.Store, searcher Searcher, downloader Downloader, artifacts artifact.Store, cfg Config, opts ...Option) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	base, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		store:      st,
		searcher:   searcher,
		downloader: downloader,
		artifacts:  artifacts,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      make(map[string]*sync.Mutex),
		inflight:   make(map[string]*flight),
		base:       base,
		stop:       stop,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Submit parses and normalizes every submission and stores the batch with
// all cases pending. Rows without a party name are skipped. An unparsable
// citation is kept with its best-effort year.
func (co *Coordinator) Submit(ctx context.Context, subs []model.Submission, opts SubmitOptions) (string, error) {
	now := co.now()
	b := &model.BatchJob{
		ID:                       uuid.New().String(),
		Status:                   model.BatchStatusPending,
		AutoDownloadExactMatches: opts.AutoDownload,
		CreatedAt:                now,
	}

	cases := make([]*model.CaseJob, 0, len(subs))
	for _, s := range subs {
		if strings.TrimSpace(s.PartyName) == "" {
			continue
		}
		cases = append(cases, NewCase(b.ID, s, now))
	}
	if len(cases) == 0 {
		return "", ErrEmptyBatch
	}
	if co.cfg.MaxCases > 0 && len(cases) > co.cfg.MaxCases {
		return "", eris.Wrapf(ErrTooManyCases, "batch: %d cases, limit %d", len(cases), co.cfg.MaxCases)
	}

	b.TotalCases = len(cases)
	b.Counts = map[model.CaseStatus]int{model.CaseStatusPending: len(cases)}
	if err := co.store.CreateBatch(ctx, b, cases); err != nil {
		return "", eris.Wrap(err, "batch: create")
	}

	zap.L().Info("batch submitted",
		zap.String("batch_id", b.ID),
		zap.Int("cases", b.TotalCases),
		zap.Bool("auto_download", opts.AutoDownload),
	)
	return b.ID, nil
}

// NewCase builds a pending case from a submission.
func NewCase(batchID string, s model.Submission, now time.Time) *model.CaseJob {
	c := &model.CaseJob{
		ID:          uuid.New().String(),
		BatchID:     batchID,
		PartyRaw:    strings.TrimSpace(s.PartyName),
		CitationRaw: strings.TrimSpace(s.Citation),
		Notes:       strings.TrimSpace(s.Notes),
		Status:      model.CaseStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.Party = party.Normalize(c.PartyRaw)

	p, err := citation.Parse(c.CitationRaw)
	switch {
	case p == nil:
	case err != nil:
		zap.L().Debug("citation unparsable; keeping best-effort year",
			zap.String("case_id", c.ID),
			zap.String("citation", c.CitationRaw),
			zap.Int("year", p.Year),
		)
		c.Citation = p
		c.CitationNormalized = citation.Normalize(c.CitationRaw)
		c.Year = p.Year
	default:
		c.Citation = p
		c.CitationNormalized = citation.Format(*p)
		c.Year = p.Year
	}
	return c
}

// GetBatch returns the batch with its aggregate counts.
func (co *Coordinator) GetBatch(ctx context.Context, id string) (*model.BatchJob, error) {
	return co.store.GetBatch(ctx, id)
}

// GetStatus returns a snapshot of the case.
func (co *Coordinator) GetStatus(ctx context.Context, caseID string) (*model.CaseJob, error) {
	return co.store.GetCase(ctx, caseID)
}

// GetCandidates returns the ranked results of the case's latest search pass.
func (co *Coordinator) GetCandidates(ctx context.Context, caseID string) ([]model.MatchResult, error) {
	c, err := co.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Results, nil
}

// ListCases returns the batch's cases in submission order.
func (co *Coordinator) ListCases(ctx context.Context, filter store.CaseFilter) ([]model.CaseJob, error) {
	return co.store.ListCases(ctx, filter)
}

// Wait blocks until background downloads started by Select have finished.
func (co *Coordinator) Wait() {
	co.bgWork.Wait()
}

// Close cancels background downloads and waits for them. Cases interrupted
// this way stay downloading and resume on the next Process.
func (co *Coordinator) Close() {
	co.stop()
	co.bgWork.Wait()
}

func (co *Coordinator) batchLock(batchID string) *sync.Mutex {
	co.mu.Lock()
	defer co.mu.Unlock()
	l, ok := co.locks[batchID]
	if !ok {
		l = &sync.Mutex{}
		co.locks[batchID] = l
	}
	return l
}

// track registers a cancellable context for work on caseID so a forced
// review can abort it.
func (co *Coordinator) track(ctx context.Context, caseID string) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}
	co.mu.Lock()
	co.inflight[caseID] = f
	co.mu.Unlock()
	return cctx, func() {
		co.mu.Lock()
		if co.inflight[caseID] == f {
			delete(co.inflight, caseID)
		}
		co.mu.Unlock()
		cancel()
	}
}

func (co *Coordinator) busy(caseID string) bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	_, ok := co.inflight[caseID]
	return ok
}

func (co *Coordinator) abort(caseID string) bool {
	co.mu.Lock()
	f, ok := co.inflight[caseID]
	co.mu.Unlock()
	if ok {
		f.cancel()
	}
	return ok
}

// update applies fn to the stored case under the batch lock, then persists
// the case and the batch counters and publishes the transition. An update
// that leaves the status unchanged, such as resuming a case that was already
// searching, is persisted but neither counted nor published. Writes use a
// context detached from ctx so a cancelled caller still records its outcome.
func (co *Coordinator) update(ctx context.Context, caseID string, fn func(c *model.CaseJob) error) (*model.CaseJob, error) {
	ctx = context.WithoutCancel(ctx)

	cur, err := co.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	lock := co.batchLock(cur.BatchID)
	lock.Lock()
	defer lock.Unlock()

	c, err := co.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	from := c.Status
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := co.store.UpdateCase(ctx, c); err != nil {
		return nil, eris.Wrapf(err, "batch: persist case %s", c.ID)
	}

	b, err := co.store.GetBatch(ctx, c.BatchID)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: load %s", c.BatchID)
	}
	if b.Counts == nil {
		b.Counts = make(map[model.CaseStatus]int)
	}
	changed := from != c.Status
	if changed {
		b.Counts[from]--
		if b.Counts[from] == 0 {
			delete(b.Counts, from)
		}
		b.Counts[c.Status]++
	}
	batchEvents := co.settle(b)
	if err := co.store.UpdateBatch(ctx, b); err != nil {
		return nil, eris.Wrapf(err, "batch: persist %s", b.ID)
	}

	zap.L().Debug("case transition",
		zap.String("case_id", c.ID),
		zap.String("batch_id", c.BatchID),
		zap.String("from", string(from)),
		zap.String("status", string(c.Status)),
		zap.String("reason", c.StatusReason),
	)
	if changed {
		if co.observer != nil {
			co.observer.CaseTransition(c.Status)
		}
		co.publish(ctx, model.Event{
			Type:    model.EventCaseStatusChanged,
			BatchID: c.BatchID,
			CaseID:  c.ID,
			Status:  c.Status,
			Reason:  c.StatusReason,
			Stats:   b.Stats(),
			At:      co.now(),
		})
	}
	for _, ev := range batchEvents {
		co.publish(ctx, ev)
	}
	return c.Clone(), nil
}

// settle moves the batch between processing, processed and completed and
// returns the batch_completed events that result.
func (co *Coordinator) settle(b *model.BatchJob) []model.Event {
	stats := b.Stats()
	now := co.now()
	ev := func(reason string) model.Event {
		return model.Event{Type: model.EventBatchCompleted, BatchID: b.ID, Reason: reason, Stats: stats, At: now}
	}

	switch {
	case stats.Terminal() == b.TotalCases:
		if b.Status == model.BatchStatusCompleted {
			return nil
		}
		b.Status = model.BatchStatusCompleted
		b.CompletedAt = &now
		if b.ProcessedAt == nil {
			b.ProcessedAt = &now
		}
		zap.L().Info("batch completed", zap.String("batch_id", b.ID), zap.Int("cases", b.TotalCases))
		return []model.Event{ev("all cases terminal")}
	case stats.Settled() == b.TotalCases:
		if b.Status == model.BatchStatusProcessed {
			return nil
		}
		b.Status = model.BatchStatusProcessed
		b.ProcessedAt = &now
		zap.L().Info("batch processed", zap.String("batch_id", b.ID), zap.Any("counts", stats.Counts))
		return []model.Event{ev("all cases terminal or awaiting review")}
	default:
		b.Status = model.BatchStatusProcessing
		return nil
	}
}

func (co *Coordinator) publish(ctx context.Context, ev model.Event) {
	if co.events != nil {
		co.events.Publish(ctx, ev)
	}
}
