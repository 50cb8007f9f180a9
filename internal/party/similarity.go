package party

import (
	"strings"

	"github.com/agext/levenshtein"

	"github.com/casecrawl/casecrawl/internal/model"
)

// Similarity scores two normalized party names in [0,1]. It takes the best
// pairing over both variation sets, scoring each pair by the greater of word
// overlap and edit-distance ratio.
func Similarity(a, b model.NormalizedParty) float64 {
	best := 0.0
	for _, va := range a.Variations {
		for _, vb := range b.Variations {
			if va == vb {
				return 1
			}
			s := max(jaccard(va, vb), editRatio(va, vb))
			if s > best {
				best = s
			}
		}
	}
	return best
}

// SimilarityText normalizes candidate text and scores it against n.
func SimilarityText(n model.NormalizedParty, text string) float64 {
	return Similarity(n, Normalize(text))
}

// Query builds a platform query that ORs the leading distinct forms of n.
func Query(n model.NormalizedParty) string {
	forms := make([]string, 0, 3)
	seen := make(map[string]bool)
	push := func(s string) {
		s = strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
		if s == "" || len(forms) == 3 {
			return
		}
		k := key(s)
		if seen[k] {
			return
		}
		seen[k] = true
		forms = append(forms, s)
	}

	push(n.Full)
	push(n.Abbreviated)
	for _, v := range n.Variations {
		push(v)
	}

	for i, f := range forms {
		forms[i] = `"` + f + `"`
	}
	return strings.Join(forms, " OR ")
}

func jaccard(a, b string) float64 {
	wordsA := wordSet(a)
	wordsB := wordSet(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	intersection := 0
	for w := range wordsA {
		if wordsB[w] {
			intersection++
		}
	}
	union := len(wordsA) + len(wordsB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(s)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if w == "v" {
			continue
		}
		set[w] = true
	}
	return set
}

// editRatio returns 1 - levenshtein(a,b)/max(len(a),len(b)) over runes.
func editRatio(a, b string) float64 {
	longest := max(len([]rune(a)), len([]rune(b)))
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein.Distance(a, b, nil))/float64(longest)
}
