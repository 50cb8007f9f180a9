// Package citation parses neutral and law-report citations into comparable fields.
package citation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/casecrawl/casecrawl/internal/model"
)

// ErrUnparsable is returned when citation text is present but matches no known pattern.
var ErrUnparsable = eris.New("unparsable citation")

// codes maps the canonical spelling of every recognised court or report code
// to its jurisdiction.
var codes = map[string]model.Jurisdiction{
	// Hong Kong neutral citations.
	"HKCFA":  model.JurisdictionHK,
	"HKCA":   model.JurisdictionHK,
	"HKCFI":  model.JurisdictionHK,
	"HKDC":   model.JurisdictionHK,
	"HKFC":   model.JurisdictionHK,
	"HKLT":   model.JurisdictionHK,
	"HKEC":   model.JurisdictionHK,
	"HKCUHC": model.JurisdictionHK,
	"HKMagC": model.JurisdictionHK,
	// Hong Kong law reports.
	"HKLRD":  model.JurisdictionHK,
	"HKLR":   model.JurisdictionHK,
	"HKC":    model.JurisdictionHK,
	"HKCFAR": model.JurisdictionHK,
	// UK neutral citations.
	"UKSC":      model.JurisdictionUK,
	"UKHL":      model.JurisdictionUK,
	"UKPC":      model.JurisdictionUK,
	"EWCA":      model.JurisdictionUK,
	"EWCA Civ":  model.JurisdictionUK,
	"EWCA Crim": model.JurisdictionUK,
	"EWHC":      model.JurisdictionUK,
	"EWFC":      model.JurisdictionUK,
	"EWCC":      model.JurisdictionUK,
	"CSIH":      model.JurisdictionUK,
	"CSOH":      model.JurisdictionUK,
	"NICA":      model.JurisdictionUK,
	"NIQB":      model.JurisdictionUK,
	"NIHC":      model.JurisdictionUK,
	// UK law reports.
	"WLR":           model.JurisdictionUK,
	"QB":            model.JurisdictionUK,
	"KB":            model.JurisdictionUK,
	"AC":            model.JurisdictionUK,
	"Ch":            model.JurisdictionUK,
	"Fam":           model.JurisdictionUK,
	"All ER":        model.JurisdictionUK,
	"All ER (D)":    model.JurisdictionUK,
	"All ER (Comm)": model.JurisdictionUK,
	"TLR":           model.JurisdictionUK,
	"Lloyd's Rep":   model.JurisdictionUK,
}

// divisions maps upper-cased court divisions to their display spelling.
var divisions = map[string]string{
	"CH":     "Ch",
	"COMM":   "Comm",
	"QB":     "QB",
	"KB":     "KB",
	"TCC":    "TCC",
	"ADMIN":  "Admin",
	"FAM":    "Fam",
	"PAT":    "Pat",
	"IPEC":   "IPEC",
	"ADMLTY": "Admlty",
	"COSTS":  "Costs",
	"MERC":   "Merc",
}

var (
	// canonical is keyed by the upper-cased, space-free form of each code.
	canonical = map[string]string{}

	citationRe *regexp.Regexp
	yearRe     = regexp.MustCompile(`[\[(]\s*(\d{4})\s*[\])]`)
	bareYearRe = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
	spaceRe    = regexp.MustCompile(`\s+`)
)

func init() {
	alts := make([]string, 0, len(codes))
	for code := range codes {
		canonical[codeKey(code)] = code
		alts = append(alts, codePattern(code))
	}
	canonical[codeKey("Lloyds Rep")] = "Lloyd's Rep"
	alts = append(alts, codePattern("Lloyds Rep"))

	// Longest first so HKCFAR is preferred over HKCFA and EWCA Civ over EWCA.
	sort.Slice(alts, func(i, j int) bool {
		if len(alts[i]) != len(alts[j]) {
			return len(alts[i]) > len(alts[j])
		}
		return alts[i] < alts[j]
	})

	citationRe = regexp.MustCompile(
		`[\[(]?\s*\b(\d{4})\b\s*[\])]?` + // year
			`\s*(?:(\d{1,3})\s+)?` + // optional volume
			`(` + strings.Join(alts, "|") + `)` + // code
			`\s*(\d+)` + // number or first page
			`(?:\s*\(\s*([A-Z]+)\s*\))?`, // optional division
	)
}

func codeKey(code string) string {
	return strings.ReplaceAll(strings.ToUpper(code), " ", "")
}

func codePattern(code string) string {
	return strings.ReplaceAll(regexp.QuoteMeta(strings.ToUpper(code)), " ", `\s*`)
}

// Normalize returns the query form of a citation: periods dropped, whitespace
// collapsed and upper-cased.
func Normalize(raw string) string {
	s := strings.ReplaceAll(raw, ".", "")
	s = strings.ReplaceAll(s, "’", "'")
	s = spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
	return strings.ToUpper(s)
}

// Parse parses raw citation text. It returns (nil, nil) when raw is blank or
// a placeholder such as "N/A" or "unreported" that carries no year, no known
// code and no digit. Other unrecognised text yields a best-effort citation
// (year and, when detectable, code) together with an error wrapping ErrUnparsable.
func Parse(raw string) (*model.ParsedCitation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	norm := Normalize(raw)
	if m := citationRe.FindStringSubmatch(norm); m != nil {
		p := fromMatch(raw, m)
		return &p, nil
	}

	p := &model.ParsedCitation{Raw: raw, Jurisdiction: model.JurisdictionUnknown}
	p.Year = extractYear(norm)
	code, hasCode := findCode(norm)
	if p.Year == 0 && !hasCode && !strings.ContainsAny(norm, "0123456789") {
		return nil, nil
	}
	if p.Year > 0 && hasCode {
		p.Code = code
		p.Jurisdiction = codes[code]
	}
	return p, eris.Wrapf(ErrUnparsable, "citation: parse %q", raw)
}

// ParseAll extracts every recognised citation in text, such as a
// semicolon-separated "where reported" list.
func ParseAll(text string) []model.ParsedCitation {
	norm := Normalize(text)
	matches := citationRe.FindAllStringSubmatch(norm, -1)
	out := make([]model.ParsedCitation, 0, len(matches))
	for _, m := range matches {
		out = append(out, fromMatch(strings.TrimSpace(m[0]), m))
	}
	return out
}

// ExtractYear returns the year of a citation, falling back to a year-only scan.
// It returns 0 when no year is found.
func ExtractYear(raw string) int {
	p, _ := Parse(raw)
	if p != nil && p.Year > 0 {
		return p.Year
	}
	return extractYear(Normalize(raw))
}

// Format renders the canonical text form of p. Unrecognised citations are
// returned as their raw text.
func Format(p model.ParsedCitation) string {
	if !p.Known() || p.Number == 0 {
		return p.Raw
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%d] ", p.Year)
	if p.Volume != nil {
		fmt.Fprintf(&b, "%d ", *p.Volume)
	}
	fmt.Fprintf(&b, "%s %d", p.Code, p.Number)
	if p.Division != "" {
		fmt.Fprintf(&b, " (%s)", p.Division)
	}
	return b.String()
}

// Equal reports whether a and b identify the same report, ignoring raw text
// and division.
func Equal(a, b model.ParsedCitation) bool {
	return SameExceptVolume(a, b) && volumeEqual(a.Volume, b.Volume)
}

// SameExceptVolume reports whether a and b agree on jurisdiction, year, code
// and number. Both must be recognised citations.
func SameExceptVolume(a, b model.ParsedCitation) bool {
	return a.Known() && b.Known() &&
		a.Jurisdiction == b.Jurisdiction &&
		a.Year == b.Year &&
		a.Code == b.Code &&
		a.Number == b.Number && a.Number != 0
}

// VolumeDelta returns |a.Volume - b.Volume| and whether both volumes are present.
func VolumeDelta(a, b model.ParsedCitation) (int, bool) {
	if a.Volume == nil || b.Volume == nil {
		return 0, false
	}
	d := *a.Volume - *b.Volume
	if d < 0 {
		d = -d
	}
	return d, true
}

func volumeEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func fromMatch(raw string, m []string) model.ParsedCitation {
	code := canonical[codeKey(m[3])]
	p := model.ParsedCitation{
		Raw:          raw,
		Jurisdiction: codes[code],
		Code:         code,
	}
	p.Year, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		v, _ := strconv.Atoi(m[2])
		p.Volume = &v
	}
	p.Number, _ = strconv.Atoi(m[4])
	if m[5] != "" {
		if d, ok := divisions[m[5]]; ok {
			p.Division = d
		} else {
			p.Division = m[5]
		}
	}
	return p
}

func extractYear(norm string) int {
	if m := yearRe.FindStringSubmatch(norm); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y
	}
	if m := bareYearRe.FindStringSubmatch(norm); m != nil {
		y, _ := strconv.Atoi(m[1])
		return y
	}
	return 0
}

func findCode(norm string) (string, bool) {
	squashed := strings.ReplaceAll(norm, " ", "")
	var best, bestKey string
	for key, code := range canonical {
		if !containsToken(squashed, key) {
			continue
		}
		if len(key) > len(bestKey) || (len(key) == len(bestKey) && key < bestKey) {
			best, bestKey = code, key
		}
	}
	return best, best != ""
}

// containsToken reports whether key occurs in s without being glued to
// further letters on either side.
func containsToken(s, key string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], key)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(key)
		if (start == 0 || !isLetter(s[start-1])) && (end == len(s) || !isLetter(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isLetter(c byte) bool {
	return c >= 'A' && c <= 'Z'
}
