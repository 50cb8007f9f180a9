package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseStatus_Classes(t *testing.T) {
	tests := []struct {
		status   CaseStatus
		terminal bool
		human    bool
	}{
		{CaseStatusPending, false, false},
		{CaseStatusSearching, false, false},
		{CaseStatusAmbiguous, false, true},
		{CaseStatusAwaitingSelection, false, true},
		{CaseStatusCivilProcedureBlocked, false, true},
		{CaseStatusCitationMismatch, false, true},
		{CaseStatusAnalysisOnly, false, true},
		{CaseStatusDownloading, false, false},
		{CaseStatusCompleted, true, false},
		{CaseStatusError, true, false},
	}
	require.Len(t, tests, len(AllCaseStatuses))
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.True(t, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.human, tt.status.AwaitsHuman())
			assert.Equal(t, tt.terminal || tt.human, tt.status.Settled())
		})
	}
	assert.False(t, CaseStatus("queued").Valid())
}

func TestBatchStats(t *testing.T) {
	b := &BatchJob{
		TotalCases: 6,
		Counts: map[CaseStatus]int{
			CaseStatusCompleted:         2,
			CaseStatusError:             1,
			CaseStatusAwaitingSelection: 2,
			CaseStatusSearching:         1,
		},
	}
	s := b.Stats()
	assert.Equal(t, 6, s.Total)
	assert.Equal(t, 6, s.Sum())
	assert.Equal(t, 5, s.Settled())
	assert.Equal(t, 3, s.Terminal())

	s.Counts[CaseStatusCompleted] = 99
	assert.Equal(t, 2, b.Counts[CaseStatusCompleted], "stats must not alias the batch counters")
}

func TestBatchJob_Clone(t *testing.T) {
	now := time.Now()
	b := &BatchJob{ID: "b1", Counts: map[CaseStatus]int{CaseStatusPending: 1}, ProcessedAt: &now}
	cp := b.Clone()
	cp.Counts[CaseStatusPending] = 0
	assert.Equal(t, 1, b.Counts[CaseStatusPending])
	assert.Equal(t, "b1", cp.ID)

	var nilBatch *BatchJob
	assert.Nil(t, nilBatch.Clone())
}

func TestCaseJob_Clone(t *testing.T) {
	vol := 2
	c := &CaseJob{
		ID:       "c1",
		Citation: &ParsedCitation{Code: "HKLRD", Volume: &vol},
		Party:    NormalizedParty{Parties: []string{"smith", "jones"}, Variations: []string{"smith v jones"}},
		Results:  []MatchResult{{ID: "r1", MatchType: MatchExact}},
	}
	cp := c.Clone()

	*cp.Citation.Volume = 3
	cp.Party.Parties[0] = "x"
	cp.Party.Variations[0] = "y"
	cp.Results[0].MatchType = MatchNone

	assert.Equal(t, 2, *c.Citation.Volume)
	assert.Equal(t, "smith", c.Party.Parties[0])
	assert.Equal(t, "smith v jones", c.Party.Variations[0])
	assert.Equal(t, MatchExact, c.Results[0].MatchType)

	var nilCase *CaseJob
	assert.Nil(t, nilCase.Clone())
}

func TestCaseJob_SelectedResult(t *testing.T) {
	c := &CaseJob{Results: []MatchResult{{ID: "a"}, {ID: "b"}}}

	_, ok := c.SelectedResult()
	assert.False(t, ok)

	c.SelectedResultID = "b"
	r, ok := c.SelectedResult()
	require.True(t, ok)
	assert.Equal(t, "b", r.ID)

	_, ok = c.Result("missing")
	assert.False(t, ok)
	assert.False(t, c.HasCitation())
}

func TestMatchType_Rank(t *testing.T) {
	assert.Greater(t, MatchExact.Rank(), MatchSimilarVolume.Rank())
	assert.Greater(t, MatchSimilarVolume.Rank(), MatchYearOnly.Rank())
	assert.Greater(t, MatchYearOnly.Rank(), MatchNone.Rank())

	assert.True(t, MatchSimilarVolume.Strong())
	assert.False(t, MatchYearOnly.Strong())
	assert.True(t, MatchYearOnly.Usable())
	assert.False(t, MatchNone.Usable())
}

func TestDocumentAvailability_Preferred(t *testing.T) {
	links := map[DocumentType]string{DocumentPDF: "p", DocumentTranscript: "t"}

	typ, link := DocumentAvailability{PDF: true, Transcript: true, Links: links}.Link()
	assert.Equal(t, DocumentPDF, typ)
	assert.Equal(t, "p", link)

	typ, link = DocumentAvailability{Transcript: true, Links: links}.Link()
	assert.Equal(t, DocumentTranscript, typ)
	assert.Equal(t, "t", link)

	cand := CandidateResult{Documents: DocumentAvailability{Analysis: true}}
	assert.False(t, cand.HasPrimaryDocument())
	typ, _ = cand.Documents.Link()
	assert.Empty(t, typ)
}

func TestCrawlerSession_Valid(t *testing.T) {
	now := time.Now()
	s := &CrawlerSession{Status: SessionActive, ExpiresAt: now.Add(time.Minute)}
	assert.True(t, s.Valid(now))
	assert.False(t, s.Valid(now.Add(2*time.Minute)))

	s.Status = SessionCaptchaBlocked
	assert.False(t, s.Valid(now))
}

func TestCrawlerSession_CookiesNotSerialized(t *testing.T) {
	s := CrawlerSession{ID: "s1", Cookies: []Cookie{{Name: "sid", Value: "secret"}}}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")
}
