package model

import (
	"time"
)

// CaseStatus represents the current state of a case in its lifecycle.
type CaseStatus string

const (
	CaseStatusPending               CaseStatus = "pending"
	CaseStatusSearching             CaseStatus = "searching"
	CaseStatusAmbiguous             CaseStatus = "ambiguous"
	CaseStatusAwaitingSelection     CaseStatus = "awaiting_selection"
	CaseStatusCivilProcedureBlocked CaseStatus = "civil_procedure_blocked"
	CaseStatusCitationMismatch      CaseStatus = "citation_mismatch"
	CaseStatusAnalysisOnly          CaseStatus = "analysis_only"
	CaseStatusDownloading           CaseStatus = "downloading"
	CaseStatusCompleted             CaseStatus = "completed"
	CaseStatusError                 CaseStatus = "error"
)

// AllCaseStatuses lists every status in lifecycle order.
var AllCaseStatuses = []CaseStatus{
	CaseStatusPending,
	CaseStatusSearching,
	CaseStatusAmbiguous,
	CaseStatusAwaitingSelection,
	CaseStatusCivilProcedureBlocked,
	CaseStatusCitationMismatch,
	CaseStatusAnalysisOnly,
	CaseStatusDownloading,
	CaseStatusCompleted,
	CaseStatusError,
}

// IsTerminal reports whether no further transition can leave the status.
func (s CaseStatus) IsTerminal() bool {
	return s == CaseStatusCompleted || s == CaseStatusError
}

// AwaitsHuman reports whether the case is parked until an operator acts on it.
func (s CaseStatus) AwaitsHuman() bool {
	switch s {
	case CaseStatusAmbiguous,
		CaseStatusAwaitingSelection,
		CaseStatusCivilProcedureBlocked,
		CaseStatusCitationMismatch,
		CaseStatusAnalysisOnly:
		return true
	default:
		return false
	}
}

// Settled reports whether batch processing no longer needs to do anything
// for a case in this status.
func (s CaseStatus) Settled() bool {
	return s.IsTerminal() || s.AwaitsHuman()
}

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	for _, v := range AllCaseStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// SearchStrategy names a step of the search cascade.
type SearchStrategy string

const (
	StrategyExact     SearchStrategy = "exact"
	StrategyYearRange SearchStrategy = "year_range"
	StrategyPartyOnly SearchStrategy = "party_only"
	StrategyFailed    SearchStrategy = "failed"
)

// CaseJob is a single case being located on the research platform.
type CaseJob struct {
	ID      string `json:"id"`
	BatchID string `json:"batch_id"`

	PartyRaw string          `json:"party_raw"`
	Party    NormalizedParty `json:"party"`

	CitationRaw        string          `json:"citation_raw,omitempty"`
	Citation           *ParsedCitation `json:"citation,omitempty"`
	CitationNormalized string          `json:"citation_normalized,omitempty"`
	Year               int             `json:"year,omitempty"`
	Notes              string          `json:"notes,omitempty"`

	Status       CaseStatus     `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
	Strategy     SearchStrategy `json:"strategy,omitempty"`

	CivilProcedure         bool `json:"civil_procedure"`
	VolumeToleranceApplied bool `json:"volume_tolerance_applied"`
	OverrideCivilProcedure bool `json:"override_civil_procedure,omitempty"`

	Results          []MatchResult `json:"results,omitempty"`
	SelectedResultID string        `json:"selected_result_id,omitempty"`
	ArtifactRef      string        `json:"artifact_ref,omitempty"`
	Attempts         int           `json:"attempts"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCitation reports whether the case carries a citation worth searching
// on. Placeholder text such as "N/A" parses to nothing and does not count.
func (c *CaseJob) HasCitation() bool {
	return c.Citation != nil
}

// Result returns the match result with the given id from the current pass.
func (c *CaseJob) Result(id string) (*MatchResult, bool) {
	for i := range c.Results {
		if c.Results[i].ID == id {
			return &c.Results[i], true
		}
	}
	return nil, false
}

// SelectedResult returns the result chosen for download, if any.
func (c *CaseJob) SelectedResult() (*MatchResult, bool) {
	if c.SelectedResultID == "" {
		return nil, false
	}
	return c.Result(c.SelectedResultID)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (c *CaseJob) Clone() *CaseJob {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Citation != nil {
		pc := c.Citation.Clone()
		cp.Citation = &pc
	}
	cp.Party.Parties = append([]string(nil), c.Party.Parties...)
	cp.Party.Variations = append([]string(nil), c.Party.Variations...)
	if c.Results != nil {
		cp.Results = make([]MatchResult, len(c.Results))
		copy(cp.Results, c.Results)
	}
	return &cp
}

// BatchStatus represents the aggregate state of a batch.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	// BatchStatusProcessed means every case is terminal or waiting on a human.
	BatchStatusProcessed BatchStatus = "processed"
	// BatchStatusCompleted means every case is terminal.
	BatchStatusCompleted BatchStatus = "completed"
)

// BatchJob groups cases submitted together.
type BatchJob struct {
	ID                       string             `json:"id"`
	Status                   BatchStatus        `json:"status"`
	TotalCases               int                `json:"total_cases"`
	Counts                   map[CaseStatus]int `json:"counts"`
	AutoDownloadExactMatches bool               `json:"auto_download_exact_matches"`
	CreatedAt                time.Time          `json:"created_at"`
	ProcessedAt              *time.Time         `json:"processed_at,omitempty"`
	CompletedAt              *time.Time         `json:"completed_at,omitempty"`
}

// Stats returns a snapshot of the batch's aggregate counters.
func (b *BatchJob) Stats() BatchStats {
	s := BatchStats{Total: b.TotalCases, Counts: make(map[CaseStatus]int, len(b.Counts))}
	for k, v := range b.Counts {
		s.Counts[k] = v
	}
	return s
}

// Clone returns a deep copy of the batch.
func (b *BatchJob) Clone() *BatchJob {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Counts = make(map[CaseStatus]int, len(b.Counts))
	for k, v := range b.Counts {
		cp.Counts[k] = v
	}
	return &cp
}

// BatchStats is the aggregate count of cases per status.
type BatchStats struct {
	Total  int                `json:"total"`
	Counts map[CaseStatus]int `json:"counts"`
}

// Sum returns the total over every status bucket.
func (s BatchStats) Sum() int {
	n := 0
	for _, v := range s.Counts {
		n += v
	}
	return n
}

// Settled returns the number of cases in a terminal or human-wait status.
func (s BatchStats) Settled() int {
	n := 0
	for k, v := range s.Counts {
		if k.Settled() {
			n += v
		}
	}
	return n
}

// Terminal returns the number of cases in a terminal status.
func (s BatchStats) Terminal() int {
	n := 0
	for k, v := range s.Counts {
		if k.IsTerminal() {
			n += v
		}
	}
	return n
}

// Submission is one user-supplied case in a batch request.
type Submission struct {
	PartyName string `json:"party_name" validate:"required,max=500"`
	Citation  string `json:"citation,omitempty" validate:"max=200"`
	Notes     string `json:"notes,omitempty" validate:"max=2000"`
}
