// Package search runs the ordered search cascade for a single case.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/match"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/resilience"
)

// ErrNoCandidates records that no step produced a usable candidate.
var ErrNoCandidates = eris.New("no candidates")

// Searcher queries the research platform.
type Searcher interface {
	Search(ctx context.Context, q model.SearchQuery) ([]model.CandidateResult, error)
}

// StepReport describes one executed cascade step.
type StepReport struct {
	Strategy   model.SearchStrategy `json:"strategy"`
	Query      model.SearchQuery    `json:"query"`
	Candidates int                  `json:"candidates"`
	Usable     bool                 `json:"usable"`
}

// Outcome is the result of a cascade run. It is applied to the case by the
// lifecycle, never by the orchestrator.
type Outcome struct {
	Strategy               model.SearchStrategy
	Results                []model.MatchResult
	Steps                  []StepReport
	Recommended            model.CaseStatus
	Reason                 string
	SelectedResultID       string
	CivilProcedure         bool
	VolumeToleranceApplied bool
}

// Config tunes the orchestrator.
type Config struct {
	Retry    resilience.RetryConfig
	YearSpan int

	// OnStep is called after every executed step.
	OnStep func(caseID string, report StepReport)
}

// Orchestrator executes the cascade. It is safe for concurrent use.
type Orchestrator struct {
	searcher   Searcher
	classifier *match.Classifier
	steps      []Step
	cfg        Config
}

// NewOrchestrator builds an orchestrator with the standard cascade.
func NewOrchestrator(searcher Searcher, classifier *match.Classifier, cfg Config) *Orchestrator {
	if cfg.YearSpan <= 0 {
		cfg.YearSpan = 1
	}
	return &Orchestrator{
		searcher:   searcher,
		classifier: classifier,
		steps:      DefaultSteps(cfg.YearSpan),
		cfg:        cfg,
	}
}

// Steps returns the cascade in execution order.
func (o *Orchestrator) Steps() []Step {
	return o.steps
}

// Run executes the cascade for c. Steps run strictly in order and the cascade
// stops at the first step whose results include a usable match. A returned
// error means the platform could not be searched; Outcome is nil in that case.
func (o *Orchestrator) Run(ctx context.Context, c *model.CaseJob, autoDownload bool) (*Outcome, error) {
	log := zap.L().With(zap.String("case_id", c.ID), zap.String("batch_id", c.BatchID))
	in := match.InputFor(c)

	out := &Outcome{Strategy: model.StrategyFailed}
	var lastNonEmpty []model.MatchResult

	for _, step := range o.steps {
		if !step.Applicable(c) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "search: cancelled")
		}

		q := step.Query(c)
		retry := o.cfg.Retry
		if retry.OnRetry == nil {
			retry.OnRetry = resilience.RetryLogger("search",
				zap.String("case_id", c.ID), zap.String("strategy", string(q.Strategy)))
		}

		cands, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]model.CandidateResult, error) {
			return o.searcher.Search(ctx, q)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "search: %s step", step.Strategy())
		}

		results := o.classifier.ClassifyAll(in, cands)
		for i := range results {
			results[i].ID = uuid.New().String()
			results[i].Strategy = step.Strategy()
		}

		report := StepReport{
			Strategy:   step.Strategy(),
			Query:      q,
			Candidates: len(results),
			Usable:     match.Usable(results),
		}
		out.Steps = append(out.Steps, report)
		if o.cfg.OnStep != nil {
			o.cfg.OnStep(c.ID, report)
		}
		log.Debug("search step finished",
			zap.String("strategy", string(report.Strategy)),
			zap.Int("candidates", report.Candidates),
			zap.Bool("usable", report.Usable),
		)

		if len(results) > 0 {
			lastNonEmpty = results
		}
		if report.Usable {
			out.Strategy = step.Strategy()
			out.Results = results
			break
		}
	}

	if out.Results == nil {
		out.Results = lastNonEmpty
	}
	out.Recommended, out.Reason = Recommend(out.Results, c.HasCitation(), autoDownload)

	if top, ok := topUsable(out.Results); ok {
		out.CivilProcedure = top.Candidate.CivilProcedure
		out.VolumeToleranceApplied = top.VolumeToleranceApplied
		if out.Recommended == model.CaseStatusDownloading {
			out.SelectedResultID = top.ID
		}
	}
	return out, nil
}

// Recommend chooses the lifecycle transition for a ranked result set.
func Recommend(results []model.MatchResult, hasCitation, autoDownload bool) (model.CaseStatus, string) {
	var usable, strong []model.MatchResult
	for _, r := range results {
		if r.MatchType.Usable() {
			usable = append(usable, r)
		}
		if r.MatchType.Strong() {
			strong = append(strong, r)
		}
	}

	switch {
	case len(usable) == 0 && hasCitation && len(results) > 0:
		return model.CaseStatusCitationMismatch,
			fmt.Sprintf("citation matched none of %d candidates found by party name", len(results))
	case len(usable) == 0:
		return model.CaseStatusError, ErrNoCandidates.Error()
	case usable[0].Candidate.CivilProcedure:
		return model.CaseStatusCivilProcedureBlocked, "best match is a civil procedure case; review required"
	case len(strong) == 1:
		top := strong[0]
		if !top.Candidate.HasPrimaryDocument() {
			return model.CaseStatusAnalysisOnly, "only case analysis is available"
		}
		if autoDownload {
			return model.CaseStatusDownloading, fmt.Sprintf("%s match", top.MatchType)
		}
		return model.CaseStatusAwaitingSelection, fmt.Sprintf("%s match awaiting confirmation", top.MatchType)
	case len(usable) > 1:
		return model.CaseStatusAmbiguous, fmt.Sprintf("%d candidates need disambiguation", len(usable))
	default:
		return model.CaseStatusAwaitingSelection, "citation unreliable; year and party match only"
	}
}

func topUsable(results []model.MatchResult) (model.MatchResult, bool) {
	if len(results) == 0 || !results[0].MatchType.Usable() {
		return model.MatchResult{}, false
	}
	return results[0], true
}
