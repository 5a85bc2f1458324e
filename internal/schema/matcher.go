package schema

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

const (
	// matchThreshold is the minimum similarity score for a suggestion.
	matchThreshold = 0.4

	// maxMatchesPerField bounds the suggestions returned per source field.
	maxMatchesPerField = 3
)

// FieldMatch is one suggested target field for a source field. Matches
// feed a human rule-authoring workflow; they are never auto-applied.
type FieldMatch struct {
	Target string  `json:"target"`
	Score  float64 `json:"score"`
}

// SuggestFieldMatches scores every source/target pair by normalized
// string similarity and returns the top matches per source field above
// the threshold, ordered by descending score with ties broken by target
// name for deterministic output.
func (a *Analyzer) SuggestFieldMatches(sourceFields, targetFields []string) map[string][]FieldMatch {
	suggestions := make(map[string][]FieldMatch, len(sourceFields))

	for _, source := range sourceFields {
		var matches []FieldMatch
		for _, target := range targetFields {
			score := similarity(source, target)
			if score < matchThreshold {
				continue
			}
			matches = append(matches, FieldMatch{Target: target, Score: score})
		}

		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Score != matches[j].Score {
				return matches[i].Score > matches[j].Score
			}
			return matches[i].Target < matches[j].Target
		})

		if len(matches) > maxMatchesPerField {
			matches = matches[:maxMatchesPerField]
		}
		if len(matches) > 0 {
			suggestions[source] = matches
		}
	}

	return suggestions
}

// similarity computes a normalized Levenshtein similarity in [0, 1].
// Comparison is case-insensitive since providers disagree on casing far
// more often than on spelling.
func similarity(a, b string) float64 {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 1
	}

	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}

	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}
