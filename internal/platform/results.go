package platform

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/casecrawl/casecrawl/internal/citation"
	"github.com/casecrawl/casecrawl/internal/model"
)

// rawResult is the shape returned by the result extraction script.
type rawResult struct {
	Citation      string   `json:"citation"`
	Parties       string   `json:"parties"`
	Date          string   `json:"date"`
	Subject       string   `json:"subject"`
	WhereReported []string `json:"where_reported"`
	URL           string   `json:"url"`
	PDF           string   `json:"pdf"`
	Transcript    string   `json:"transcript"`
	Analysis      string   `json:"analysis"`
}

// extractResultsJS collects result rows from the search results page.
const extractResultsJS = `(() => {
  const text = (root, sel) => { const el = root.querySelector(sel); return el ? el.textContent.trim() : ''; };
  const href = (root, sel) => { const el = root.querySelector(sel); return el ? el.href : ''; };
  const byText = (root, label) => {
    const a = Array.from(root.querySelectorAll('a')).find(x => x.textContent.trim() === label || x.title === label);
    return a ? a.href : '';
  };
  return Array.from(document.querySelectorAll('.result-item, .search-result')).map(item => ({
    citation: text(item, '.citation, .case-citation, [data-testid="citation"]'),
    parties: text(item, '.parties, .case-parties, [data-testid="parties"]'),
    date: text(item, '.decision-date, [data-testid="decision-date"]'),
    subject: text(item, '.principal-subject, [data-testid="principal-subject"]'),
    where_reported: Array.from(item.querySelectorAll('.where-reported li, [data-testid="where-reported"] li')).map(li => li.textContent.trim()),
    url: href(item, 'a.result-link, a[data-testid="result-link"], a'),
    pdf: href(item, 'a.co_format_pdf, a[title="PDF"]'),
    transcript: byText(item, 'Official Transcript'),
    analysis: byText(item, 'Case Analysis'),
  }));
})()`

var dateLayouts = []string{
	"2 January 2006",
	"02 January 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"2006-01-02",
	"02/01/2006",
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// isCivilProcedure reports whether a principal subject places the case in
// civil procedure.
func isCivilProcedure(subject string) bool {
	return strings.Contains(strings.ToLower(subject), "civil procedure")
}

// toCandidates converts extracted rows into candidates. Rows without a
// citation or parties carry nothing to classify and are dropped.
func toCandidates(rows []rawResult) []model.CandidateResult {
	out := make([]model.CandidateResult, 0, len(rows))
	for _, r := range rows {
		if strings.TrimSpace(r.Citation) == "" && strings.TrimSpace(r.Parties) == "" {
			continue
		}
		c := model.CandidateResult{
			Citation:       strings.TrimSpace(r.Citation),
			Parties:        strings.TrimSpace(r.Parties),
			Subject:        strings.TrimSpace(r.Subject),
			CivilProcedure: isCivilProcedure(r.Subject),
			DecisionDate:   parseDate(r.Date),
			URL:            r.URL,
		}
		for _, rep := range r.WhereReported {
			if rep = strings.TrimSpace(rep); rep != "" && rep != c.Citation {
				c.Reporters = append(c.Reporters, rep)
			}
		}

		switch {
		case c.DecisionDate != nil:
			c.Year = c.DecisionDate.Year()
		default:
			c.Year = citation.ExtractYear(c.Citation)
		}

		links := map[model.DocumentType]string{}
		if r.PDF != "" {
			c.Documents.PDF = true
			links[model.DocumentPDF] = r.PDF
		}
		if r.Transcript != "" {
			c.Documents.Transcript = true
			links[model.DocumentTranscript] = r.Transcript
		}
		if r.Analysis != "" {
			c.Documents.Analysis = true
			links[model.DocumentAnalysis] = r.Analysis
		}
		if len(links) > 0 {
			c.Documents.Links = links
		}
		out = append(out, c)
	}
	return out
}

// searchURL builds the results URL for q.
func searchURL(base, path string, q model.SearchQuery) string {
	v := url.Values{}
	terms := q.Party
	if q.Citation != "" {
		if terms != "" {
			terms = "(" + terms + ") & "
		}
		terms += `"` + q.Citation + `"`
	}
	v.Set("query", terms)
	if q.YearFrom > 0 {
		v.Set("dateFrom", strconv.Itoa(q.YearFrom)+"-01-01")
	}
	if q.YearTo > 0 {
		v.Set("dateTo", strconv.Itoa(q.YearTo)+"-12-31")
	}
	v.Set("contentType", "cases")
	return strings.TrimRight(base, "/") + path + "?" + v.Encode()
}
