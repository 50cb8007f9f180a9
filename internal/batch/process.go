package batch

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/casecrawl/casecrawl/internal/artifact"
	"github.com/casecrawl/casecrawl/internal/lifecycle"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/session"
	"github.com/casecrawl/casecrawl/internal/store"
)

// Process runs every unsettled case of the batch through the cascade. Cases
// left searching or downloading by an interrupted run are picked up again.
// It returns when every dispatched case has reached a terminal or
// human-wait status, or when ctx is cancelled.
func (co *Coordinator) Process(ctx context.Context, batchID string) error {
	b, err := co.store.GetBatch(ctx, batchID)
	if err != nil {
		return eris.Wrapf(err, "batch: process %s", batchID)
	}
	if err := co.markProcessing(ctx, batchID); err != nil {
		return err
	}

	var work []model.CaseJob
	for _, status := range []model.CaseStatus{
		model.CaseStatusPending,
		model.CaseStatusSearching,
		model.CaseStatusDownloading,
	} {
		cases, err := co.store.ListCases(ctx, store.CaseFilter{BatchID: batchID, Status: status, Limit: b.TotalCases})
		if err != nil {
			return eris.Wrapf(err, "batch: list %s cases", status)
		}
		work = append(work, cases...)
	}

	log := zap.L().With(zap.String("batch_id", batchID))
	log.Info("batch processing started", zap.Int("cases", len(work)), zap.Int("workers", co.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(co.cfg.Workers)
	for _, c := range work {
		if co.busy(c.ID) {
			continue
		}
		id, status := c.ID, c.Status
		auto := b.AutoDownloadExactMatches
		g.Go(func() error {
			if status == model.CaseStatusDownloading {
				cctx, done := co.track(gctx, id)
				defer done()
				co.download(gctx, cctx, id)
				return gctx.Err()
			}
			return co.runCase(gctx, id, auto)
		})
	}
	if err := g.Wait(); err != nil {
		return eris.Wrapf(err, "batch: process %s", batchID)
	}

	final, err := co.store.GetBatch(ctx, batchID)
	if err == nil {
		log.Info("batch processing finished",
			zap.String("status", string(final.Status)),
			zap.Any("counts", final.Counts),
		)
	}
	return nil
}

func (co *Coordinator) markProcessing(ctx context.Context, batchID string) error {
	lock := co.batchLock(batchID)
	lock.Lock()
	defer lock.Unlock()

	b, err := co.store.GetBatch(ctx, batchID)
	if err != nil {
		return eris.Wrapf(err, "batch: load %s", batchID)
	}
	if b.Status != model.BatchStatusPending {
		return nil
	}
	b.Status = model.BatchStatusProcessing
	return eris.Wrapf(co.store.UpdateBatch(ctx, b), "batch: mark %s processing", batchID)
}

// runCase takes one case from pending (or an interrupted search) through the
// cascade and, when the outcome calls for it, the download. Only a cancelled
// ctx is returned; case failures are recorded on the case.
func (co *Coordinator) runCase(ctx context.Context, caseID string, autoDownload bool) error {
	cctx, done := co.track(ctx, caseID)
	defer done()
	log := zap.L().With(zap.String("case_id", caseID))

	c, err := co.update(ctx, caseID, lifecycle.Begin)
	if err != nil {
		log.Warn("case not started", zap.Error(err))
		return nil
	}

	out, searchErr := co.searcher.Run(cctx, c, autoDownload)
	if ctx.Err() != nil {
		// Shutdown: leave the case searching for the next run.
		return ctx.Err()
	}

	c, err = co.update(ctx, caseID, func(cur *model.CaseJob) error {
		if cur.Status != model.CaseStatusSearching {
			return errDiscarded
		}
		if searchErr != nil {
			return lifecycle.Fail(cur, searchErr)
		}
		if err := lifecycle.Apply(cur, out); err != nil {
			log.Error("search outcome rejected", zap.Error(err))
			return lifecycle.Fail(cur, err)
		}
		return nil
	})
	switch {
	case errors.Is(err, errDiscarded):
		log.Info("late search outcome discarded")
		return nil
	case err != nil:
		log.Error("case update failed", zap.Error(err))
		return nil
	}

	if searchErr != nil {
		log.Warn("case search failed", zap.Error(searchErr))
	}
	if c.Status == model.CaseStatusDownloading {
		co.download(ctx, cctx, caseID)
	}
	return nil
}

// download fetches and stores the selected document. parent is the caller's
// lifetime; cctx is additionally cancelled by a forced review.
func (co *Coordinator) download(parent, cctx context.Context, caseID string) {
	log := zap.L().With(zap.String("case_id", caseID))

	c, err := co.store.GetCase(cctx, caseID)
	if err != nil {
		log.Error("download: load case", zap.Error(err))
		return
	}
	ref, err := co.fetch(cctx, c)
	if parent.Err() != nil {
		return
	}

	outcome := "ok"
	_, err = co.update(parent, caseID, func(cur *model.CaseJob) error {
		if cur.Status != model.CaseStatusDownloading {
			return errDiscarded
		}
		switch {
		case err == nil:
			return lifecycle.Complete(cur, ref)
		case errors.Is(err, session.ErrDocumentUnavailable):
			outcome = "unavailable"
			return lifecycle.DocumentUnavailable(cur, "")
		case errors.Is(err, session.ErrSessionBlocked):
			outcome = "blocked"
			return lifecycle.Fail(cur, err)
		default:
			outcome = "error"
			return lifecycle.Fail(cur, err)
		}
	})
	if errors.Is(err, errDiscarded) {
		log.Info("late download outcome discarded")
		return
	}
	if err != nil {
		log.Error("download: update case", zap.Error(err))
		return
	}
	if co.observer != nil {
		co.observer.Download(outcome)
	}
}

func (co *Coordinator) fetch(ctx context.Context, c *model.CaseJob) (string, error) {
	r, ok := c.SelectedResult()
	if !ok {
		return "", eris.Errorf("batch: case %s has no selected result", c.ID)
	}
	doc, err := co.downloader.Download(ctx, r.Candidate)
	if err != nil {
		return "", err
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = artifact.ContentType(doc.Name)
	}
	key := artifact.Key(c, doc.Type, contentType)
	ref, err := co.artifacts.Put(ctx, key, contentType, bytes.NewReader(doc.Body))
	if err != nil {
		return "", eris.Wrap(err, "batch: store document")
	}
	zap.L().Info("document stored",
		zap.String("case_id", c.ID),
		zap.String("batch_id", c.BatchID),
		zap.String("ref", ref),
		zap.Int("bytes", len(doc.Body)),
	)
	return ref, nil
}

// Select records a human choice and starts the download in the background.
// Validation errors (lifecycle.ErrInvalidSelection, ErrOverrideRequired) are
// returned synchronously and leave the case unchanged.
func (co *Coordinator) Select(ctx context.Context, caseID, resultID string, override bool) (*model.CaseJob, error) {
	c, err := co.update(ctx, caseID, func(cur *model.CaseJob) error {
		return lifecycle.Select(cur, resultID, override)
	})
	if err != nil {
		return nil, err
	}

	co.bgWork.Add(1)
	go func() {
		defer co.bgWork.Done()
		cctx, done := co.track(co.base, caseID)
		defer done()
		co.download(co.base, cctx, caseID)
	}()
	return c, nil
}

// ForceManualReview moves a non-terminal case to error and aborts any search
// or download in flight for it. A late outcome from the aborted work is
// discarded.
func (co *Coordinator) ForceManualReview(ctx context.Context, caseID, reason string) (*model.CaseJob, error) {
	c, err := co.update(ctx, caseID, func(cur *model.CaseJob) error {
		return lifecycle.ForceManualReview(cur, strings.TrimSpace(reason))
	})
	if err != nil {
		return nil, err
	}
	if co.abort(caseID) {
		zap.L().Info("in-flight work aborted for manual review", zap.String("case_id", caseID))
	}
	return c, nil
}
