package model

import "time"

// Jurisdiction identifies the legal system a citation belongs to.
type Jurisdiction string

const (
	JurisdictionHK      Jurisdiction = "HK"
	JurisdictionUK      Jurisdiction = "UK"
	JurisdictionUnknown Jurisdiction = "UNKNOWN"
)

// ParsedCitation is the structured form of a neutral or law-report citation.
type ParsedCitation struct {
	Raw          string       `json:"raw"`
	Jurisdiction Jurisdiction `json:"jurisdiction"`
	Year         int          `json:"year,omitempty"`
	Code         string       `json:"code,omitempty"`
	Volume       *int         `json:"volume,omitempty"`
	Number       int          `json:"number,omitempty"`
	Division     string       `json:"division,omitempty"` // e.g. "Ch", "Comm"; display only
}

// Known reports whether the citation matched a recognised pattern.
func (p ParsedCitation) Known() bool {
	return p.Jurisdiction != JurisdictionUnknown && p.Jurisdiction != ""
}

// Clone returns a copy that does not share the volume pointer.
func (p ParsedCitation) Clone() ParsedCitation {
	if p.Volume != nil {
		v := *p.Volume
		p.Volume = &v
	}
	return p
}

// NormalizedParty holds the comparison forms of a party-name string.
type NormalizedParty struct {
	Raw         string   `json:"raw"`
	Full        string   `json:"full"`
	Abbreviated string   `json:"abbreviated"`
	Initials    string   `json:"initials,omitempty"`
	Parties     []string `json:"parties,omitempty"`
	Variations  []string `json:"variations"`
}

// DocumentAvailability records which document types the platform offers for a
// case and where each can be fetched.
type DocumentAvailability struct {
	PDF        bool `json:"pdf"`
	Transcript bool `json:"transcript"`
	Analysis   bool `json:"analysis"`

	Links map[DocumentType]string `json:"links,omitempty"`
}

// DocumentType names a downloadable document kind.
type DocumentType string

const (
	DocumentPDF        DocumentType = "pdf"
	DocumentTranscript DocumentType = "transcript"
	DocumentAnalysis   DocumentType = "analysis"
)

// Preferred returns the best available primary document type, or "" when only
// secondary material is offered.
func (d DocumentAvailability) Preferred() DocumentType {
	switch {
	case d.PDF:
		return DocumentPDF
	case d.Transcript:
		return DocumentTranscript
	default:
		return ""
	}
}

// CandidateResult is one record returned by a platform search.
type CandidateResult struct {
	Citation       string               `json:"citation"`
	Reporters      []string             `json:"reporters,omitempty"`
	Subject        string               `json:"subject,omitempty"`
	CivilProcedure bool                 `json:"civil_procedure"`
	Parties        string               `json:"parties"`
	DecisionDate   *time.Time           `json:"decision_date,omitempty"`
	Year           int                  `json:"year,omitempty"`
	Documents      DocumentAvailability `json:"documents"`
	URL            string               `json:"url,omitempty"`
}

// Link returns the download location for the preferred document type.
func (d DocumentAvailability) Link() (DocumentType, string) {
	t := d.Preferred()
	if t == "" {
		return "", ""
	}
	return t, d.Links[t]
}

// HasPrimaryDocument reports whether a judgment or transcript can be downloaded.
func (c CandidateResult) HasPrimaryDocument() bool {
	return c.Documents.Preferred() != ""
}

// MatchType classifies how well a candidate matches the user's input.
type MatchType string

const (
	MatchExact         MatchType = "exact"
	MatchSimilarVolume MatchType = "similar_volume"
	MatchYearOnly      MatchType = "year_match_only"
	MatchNone          MatchType = "none"
)

// Rank orders match types from strongest (highest) to weakest.
func (m MatchType) Rank() int {
	switch m {
	case MatchExact:
		return 3
	case MatchSimilarVolume:
		return 2
	case MatchYearOnly:
		return 1
	default:
		return 0
	}
}

// Strong reports whether the match is citation-level (exact or similar volume).
func (m MatchType) Strong() bool {
	return m == MatchExact || m == MatchSimilarVolume
}

// Usable reports whether the match is at least year_match_only.
func (m MatchType) Usable() bool {
	return m.Rank() >= MatchYearOnly.Rank()
}

// MatchResult pairs a candidate with its classification.
type MatchResult struct {
	ID                     string          `json:"id"`
	Candidate              CandidateResult `json:"candidate"`
	MatchType              MatchType       `json:"citation_match_type"`
	Score                  float64         `json:"similarity_score"`
	VolumeToleranceApplied bool            `json:"volume_tolerance_applied,omitempty"`
	Strategy               SearchStrategy  `json:"strategy,omitempty"`
}

// SearchQuery is a structured query sent to the platform.
type SearchQuery struct {
	Strategy SearchStrategy `json:"strategy"`
	Party    string         `json:"party,omitempty"`
	Citation string         `json:"citation,omitempty"`
	YearFrom int            `json:"year_from,omitempty"`
	YearTo   int            `json:"year_to,omitempty"`
}
