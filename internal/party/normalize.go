// Package party produces comparison forms of case party names.
package party

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/casecrawl/casecrawl/internal/model"
)

var (
	separatorRe   = regexp.MustCompile(`(?i)\s*-v-\s*|\s+(?:v\.?|vs\.?|versus)\s+`)
	splitVRe      = regexp.MustCompile(`\s+v\s+`)
	splitAndRe    = regexp.MustCompile(`(?i)\s+(?:and|&)\s+`)
	multiSpace    = regexp.MustCompile(`\s+`)
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}&\s]+`)

	honorificRe = regexp.MustCompile(`(?i)^(?:the|mr|mrs|ms|miss|dr|prof|professor|sir|dame|lord|lady)\.?\s+`)
	suffixRe    = regexp.MustCompile(
		`(?i)\s*,?\s*\b(?:ltd|limited|plc|inc|incorporated|corp|corporation|co|company|llp|llc|l\.?l\.?c|l\.?l\.?p)\b\.?\s*$`)
)

// skipWords never contribute an initial to the short form.
var skipWords = map[string]bool{
	"v": true, "vs": true, "versus": true, "and": true, "&": true,
	"the": true, "of": true, "in": true, "for": true, "at": true, "by": true,
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true, "sir": true,
	"plc": true, "ltd": true, "limited": true, "inc": true, "incorporated": true,
	"llp": true, "llc": true, "corp": true, "corporation": true, "co": true, "company": true,
}

// suffixForms maps long corporate suffixes to their short equivalents.
var suffixForms = [][2]string{
	{"limited", "ltd"},
	{"incorporated", "inc"},
	{"corporation", "corp"},
	{"company", "co"},
}

// Normalize builds the NormalizedParty for raw. Equal input always yields an
// identical result.
func Normalize(raw string) model.NormalizedParty {
	clean := clean(raw)
	full := strings.TrimSpace(separatorRe.ReplaceAllString(clean, " v "))
	full = multiSpace.ReplaceAllString(full, " ")

	parties := split(full)
	abbrev := make([]string, len(parties))
	initials := make([]string, 0, len(parties))
	for i, p := range parties {
		abbrev[i] = trim(p)
		if in := initialsOf(p); in != "" {
			initials = append(initials, in)
		}
	}

	n := model.NormalizedParty{
		Raw:         raw,
		Full:        full,
		Abbreviated: strings.Join(abbrev, " v "),
		Initials:    strings.Join(initials, " v "),
		Parties:     parties,
	}
	n.Variations = variations(n)
	return n
}

// clean strips diacritics and collapses whitespace.
func clean(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = strings.NewReplacer("’", "'", "‘", "'").Replace(out)
	return strings.TrimSpace(multiSpace.ReplaceAllString(out, " "))
}

func split(full string) []string {
	if full == "" {
		return nil
	}
	parts := splitVRe.Split(full, -1)
	if len(parts) == 1 {
		parts = splitAndRe.Split(full, -1)
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// trim removes leading honorifics and trailing corporate suffixes.
func trim(p string) string {
	for {
		next := honorificRe.ReplaceAllString(p, "")
		next = strings.TrimSpace(suffixRe.ReplaceAllString(next, ""))
		if next == p || next == "" {
			return p
		}
		p = next
	}
}

func initialsOf(p string) string {
	var b strings.Builder
	for _, w := range strings.Fields(punctuationRe.ReplaceAllString(p, " ")) {
		if skipWords[strings.ToLower(w)] {
			continue
		}
		r := []rune(w)
		b.WriteRune(unicode.ToUpper(r[0]))
	}
	return b.String()
}

// key folds s to the comparison form.
func key(s string) string {
	s = cases.Fold().String(s)
	s = punctuationRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(s, " "))
}

func variations(n model.NormalizedParty) []string {
	set := make(map[string]bool)
	add := func(s string) {
		if k := key(s); k != "" {
			set[k] = true
		}
	}

	bases := []string{n.Full, n.Abbreviated}
	for _, b := range bases {
		add(b)
		k := key(b)
		add(swapAmpersand(k))
		add(shortSuffixes(k))
		add(swapAmpersand(shortSuffixes(k)))
		add(strings.TrimPrefix(k, "the "))
	}

	// Parties joined by "and" rather than "v".
	if len(n.Parties) > 1 {
		add(strings.Join(n.Parties, " and "))
	}

	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func swapAmpersand(s string) string {
	if strings.Contains(s, "&") {
		return multiSpace.ReplaceAllString(strings.ReplaceAll(s, "&", " and "), " ")
	}
	words := strings.Fields(s)
	for i, w := range words {
		if w == "and" {
			words[i] = "&"
		}
	}
	return strings.Join(words, " ")
}

func shortSuffixes(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		for _, f := range suffixForms {
			if w == f[0] {
				words[i] = f[1]
			}
		}
	}
	return strings.Join(words, " ")
}
