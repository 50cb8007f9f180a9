// Package lifecycle enforces the case status state machine. It performs no
// I/O; callers persist the case after every successful transition.
package lifecycle

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/search"
)

var (
	// ErrInvalidTransition is returned when the current status does not allow the move.
	ErrInvalidTransition = eris.New("invalid status transition")
	// ErrInvalidSelection is returned when the chosen result is not in the current result set.
	ErrInvalidSelection = eris.New("invalid selection")
	// ErrOverrideRequired is returned when a civil procedure case is selected without override.
	ErrOverrideRequired = eris.New("civil procedure override required")
)

var transitions = map[model.CaseStatus][]model.CaseStatus{
	model.CaseStatusPending: {
		model.CaseStatusSearching,
		model.CaseStatusError,
	},
	model.CaseStatusSearching: {
		model.CaseStatusSearching,
		model.CaseStatusAmbiguous,
		model.CaseStatusAwaitingSelection,
		model.CaseStatusCivilProcedureBlocked,
		model.CaseStatusCitationMismatch,
		model.CaseStatusAnalysisOnly,
		model.CaseStatusDownloading,
		model.CaseStatusError,
	},
	model.CaseStatusAmbiguous:             {model.CaseStatusDownloading, model.CaseStatusError},
	model.CaseStatusAwaitingSelection:     {model.CaseStatusDownloading, model.CaseStatusError},
	model.CaseStatusCivilProcedureBlocked: {model.CaseStatusDownloading, model.CaseStatusError},
	model.CaseStatusCitationMismatch:      {model.CaseStatusError},
	model.CaseStatusAnalysisOnly:          {model.CaseStatusError},
	model.CaseStatusDownloading: {
		model.CaseStatusCompleted,
		model.CaseStatusAnalysisOnly,
		model.CaseStatusError,
	},
}

// selectable are the statuses from which a human selection is accepted.
var selectable = []model.CaseStatus{
	model.CaseStatusAmbiguous,
	model.CaseStatusAwaitingSelection,
	model.CaseStatusCivilProcedureBlocked,
}

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to model.CaseStatus) bool {
	return slices.Contains(transitions[from], to)
}

func transition(c *model.CaseJob, to model.CaseStatus, reason string) error {
	if !CanTransition(c.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "lifecycle: case %s %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	c.StatusReason = reason
	c.UpdatedAt = now()
	return nil
}

// Begin moves a pending case, or one being searched again, into searching.
func Begin(c *model.CaseJob) error {
	if err := transition(c, model.CaseStatusSearching, ""); err != nil {
		return err
	}
	c.Attempts++
	return nil
}

// Apply records a cascade outcome on a searching case. The result set is
// replaced as a whole so repeated passes never accumulate duplicates.
func Apply(c *model.CaseJob, out *search.Outcome) error {
	if c.Status != model.CaseStatusSearching {
		return eris.Wrapf(ErrInvalidTransition, "lifecycle: case %s is %s, not searching", c.ID, c.Status)
	}

	to, reason := out.Recommended, out.Reason
	selected := out.SelectedResultID
	if to == model.CaseStatusDownloading {
		r, ok := findResult(out.Results, selected)
		switch {
		case !ok:
			return eris.Wrapf(ErrInvalidSelection, "lifecycle: case %s auto-selected unknown result %q", c.ID, selected)
		case r.Candidate.CivilProcedure:
			to, reason, selected = model.CaseStatusCivilProcedureBlocked, "civil procedure case; review required", ""
		}
	} else {
		selected = ""
	}

	if !CanTransition(c.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "lifecycle: case %s %s -> %s", c.ID, c.Status, to)
	}

	c.Results = slices.Clone(out.Results)
	c.Strategy = out.Strategy
	c.CivilProcedure = out.CivilProcedure
	c.VolumeToleranceApplied = out.VolumeToleranceApplied
	c.SelectedResultID = selected
	return transition(c, to, reason)
}

// Select records a human choice. Selection of a civil procedure case, or of
// any result while the case is blocked, requires override.
func Select(c *model.CaseJob, resultID string, override bool) error {
	if !slices.Contains(selectable, c.Status) {
		return eris.Wrapf(ErrInvalidTransition, "lifecycle: case %s is %s and does not accept a selection", c.ID, c.Status)
	}
	r, ok := c.Result(resultID)
	if !ok {
		return eris.Wrapf(ErrInvalidSelection, "lifecycle: case %s has no result %q", c.ID, resultID)
	}
	if (r.Candidate.CivilProcedure || c.Status == model.CaseStatusCivilProcedureBlocked) && !override {
		return eris.Wrapf(ErrOverrideRequired, "lifecycle: case %s", c.ID)
	}

	reason := "selected by reviewer"
	if override && r.Candidate.CivilProcedure {
		reason = "civil procedure override by reviewer"
	}
	if err := transition(c, model.CaseStatusDownloading, reason); err != nil {
		return err
	}
	c.SelectedResultID = r.ID
	c.OverrideCivilProcedure = override
	c.VolumeToleranceApplied = r.VolumeToleranceApplied
	c.CivilProcedure = r.Candidate.CivilProcedure
	return nil
}

// Complete records a successful download.
func Complete(c *model.CaseJob, artifactRef string) error {
	if r, ok := c.SelectedResult(); ok && r.Candidate.CivilProcedure && !c.OverrideCivilProcedure {
		return eris.Wrapf(ErrOverrideRequired, "lifecycle: case %s cannot complete", c.ID)
	}
	if err := transition(c, model.CaseStatusCompleted, ""); err != nil {
		return err
	}
	c.ArtifactRef = artifactRef
	return nil
}

// DocumentUnavailable routes a download that found no primary document to
// analysis_only. It is not an error.
func DocumentUnavailable(c *model.CaseJob, reason string) error {
	if reason == "" {
		reason = "no downloadable document; analysis only"
	}
	return transition(c, model.CaseStatusAnalysisOnly, reason)
}

// Fail moves a searching or downloading case to error.
func Fail(c *model.CaseJob, cause error) error {
	if c.Status != model.CaseStatusSearching && c.Status != model.CaseStatusDownloading && c.Status != model.CaseStatusPending {
		return eris.Wrapf(ErrInvalidTransition, "lifecycle: case %s is %s and cannot fail", c.ID, c.Status)
	}
	reason := "failed"
	if cause != nil {
		reason = cause.Error()
	}
	return transition(c, model.CaseStatusError, reason)
}

// ForceManualReview moves any non-terminal case to error, bypassing
// classification.
func ForceManualReview(c *model.CaseJob, reason string) error {
	if c.Status.IsTerminal() {
		return eris.Wrapf(ErrInvalidTransition, "lifecycle: case %s is already %s", c.ID, c.Status)
	}
	msg := "manual review"
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += ": " + reason
	}
	return transition(c, model.CaseStatusError, msg)
}

func findResult(results []model.MatchResult, id string) (model.MatchResult, bool) {
	for _, r := range results {
		if r.ID == id {
			return r, true
		}
	}
	return model.MatchResult{}, false
}
