package lead

import (
	"slices"
	"strings"
)

// Predicate selects leads for a bulk run.
type Predicate func(Lead) bool

// LacksScore selects leads that have never been scored.
func LacksScore(l Lead) bool { return l.Score == nil }

// LacksOwnerEmail selects leads whose enrichment has not produced a contact email yet.
func LacksOwnerEmail(l Lead) bool { return strings.TrimSpace(l.OwnerEmail) == "" }

// HasIndustry matches the enriched industry exactly. "All" and "" match everything.
func HasIndustry(industry string) Predicate {
	return func(l Lead) bool {
		if industry == "" || industry == "All" {
			return true
		}
		return l.Industry == industry
	}
}

// Filter returns the leads matching pred, in order.
func Filter(leads []Lead, pred Predicate) []Lead {
	var out []Lead
	for _, l := range leads {
		if pred(l) {
			out = append(out, l)
		}
	}
	return out
}

func scoreOf(l Lead) int {
	if l.Score == nil {
		return 0
	}
	return *l.Score
}

// SortByScore returns a copy of leads ordered by score, highest first. Unscored leads
// rank as 0 and ties keep their original order.
func SortByScore(leads []Lead) []Lead {
	out := slices.Clone(leads)
	slices.SortStableFunc(out, func(a, b Lead) int {
		return scoreOf(b) - scoreOf(a)
	})
	return out
}

// TopN returns the n highest-scoring leads.
func TopN(leads []Lead, n int) []Lead {
	sorted := SortByScore(leads)
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// HighScoring counts leads with a score of at least threshold.
func HighScoring(leads []Lead, threshold int) int {
	n := 0
	for _, l := range leads {
		if l.Score != nil && *l.Score >= threshold {
			n++
		}
	}
	return n
}

// Industries returns the distinct non-empty enriched industries in first-seen order.
func Industries(leads []Lead) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range leads {
		if l.Industry == "" {
			continue
		}
		if _, ok := seen[l.Industry]; ok {
			continue
		}
		seen[l.Industry] = struct{}{}
		out = append(out, l.Industry)
	}
	return out
}

// IDs returns the IDs of leads in order.
func IDs(leads []Lead) []string {
	out := make([]string, len(leads))
	for i, l := range leads {
		out[i] = l.ID
	}
	return out
}
