// SPDX-License-Identifier: AGPL-3.0-or-later

package intent

import (
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

var (
	tokenRe       = regexp.MustCompile(`[\p{L}\p{N}]+`)
	placeholderRe = regexp.MustCompile(`\{(\w+)\}`)
)

// tokens splits s into lower-cased alphanumeric tokens.
func tokens(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, t := range tokens(s) {
		out[t] = struct{}{}
	}
	return out
}

// stripPlaceholders removes {name} markers from a trigger phrase.
func stripPlaceholders(phrase string) string {
	return strings.Join(strings.Fields(placeholderRe.ReplaceAllString(phrase, " ")), " ")
}

// jaccard is |A∩B| / |A∪B| over token sets.
func jaccard(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for t := range sa {
		if _, ok := sb[t]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// overlap is |A∩B| / |B|, the share of phrase tokens present in the input.
func overlap(input, phrase string) float64 {
	si, sp := tokenSet(input), tokenSet(phrase)
	if len(sp) == 0 {
		return 0
	}
	hit := 0
	for t := range sp {
		if _, ok := si[t]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(sp))
}

// sequenceRatio is the Ratcliff/Obershelp similarity 2*M/T over runes.
func sequenceRatio(a, b string) float64 {
	ra, rb := runeStrings(a), runeStrings(b)
	if len(ra)+len(rb) == 0 {
		return 0
	}
	return difflib.NewMatcherWithJunk(ra, rb, false, nil).Ratio()
}

func runeStrings(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// fuzzyScore blends token overlap with character-level similarity.
func fuzzyScore(input, phrase string) float64 {
	return 0.5*jaccard(input, phrase) + 0.5*sequenceRatio(input, phrase)
}
