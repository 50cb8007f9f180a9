package search

import (
	"github.com/casecrawl/casecrawl/internal/citation"
	"github.com/casecrawl/casecrawl/internal/model"
	"github.com/casecrawl/casecrawl/internal/party"
)

// Step is one strategy of the cascade.
type Step interface {
	Strategy() model.SearchStrategy
	// Applicable reports whether the case has the input this step needs.
	Applicable(c *model.CaseJob) bool
	Query(c *model.CaseJob) model.SearchQuery
}

// DefaultSteps returns EXACT, YEAR_RANGE and PARTY_ONLY in that order.
func DefaultSteps(yearSpan int) []Step {
	return []Step{
		exactStep{},
		yearRangeStep{span: yearSpan},
		partyOnlyStep{},
	}
}

type exactStep struct{}

func (exactStep) Strategy() model.SearchStrategy { return model.StrategyExact }

func (exactStep) Applicable(c *model.CaseJob) bool {
	return c.HasCitation()
}

func (exactStep) Query(c *model.CaseJob) model.SearchQuery {
	q := model.SearchQuery{
		Strategy: model.StrategyExact,
		Party:    party.Query(c.Party),
		Citation: c.CitationNormalized,
	}
	if c.Citation != nil && c.Citation.Known() {
		q.Citation = citation.Format(*c.Citation)
	}
	if q.Citation == "" {
		q.Citation = citation.Normalize(c.CitationRaw)
	}
	return q
}

type yearRangeStep struct {
	span int
}

func (yearRangeStep) Strategy() model.SearchStrategy { return model.StrategyYearRange }

func (yearRangeStep) Applicable(c *model.CaseJob) bool {
	return caseYear(c) > 0 && c.Party.Full != ""
}

func (s yearRangeStep) Query(c *model.CaseJob) model.SearchQuery {
	y := caseYear(c)
	return model.SearchQuery{
		Strategy: model.StrategyYearRange,
		Party:    party.Query(c.Party),
		YearFrom: y - s.span,
		YearTo:   y + s.span,
	}
}

type partyOnlyStep struct{}

func (partyOnlyStep) Strategy() model.SearchStrategy { return model.StrategyPartyOnly }

func (partyOnlyStep) Applicable(c *model.CaseJob) bool {
	return c.Party.Full != ""
}

func (partyOnlyStep) Query(c *model.CaseJob) model.SearchQuery {
	return model.SearchQuery{
		Strategy: model.StrategyPartyOnly,
		Party:    party.Query(c.Party),
	}
}

func caseYear(c *model.CaseJob) int {
	if c.Year > 0 {
		return c.Year
	}
	if c.Citation != nil {
		return c.Citation.Year
	}
	return 0
}
