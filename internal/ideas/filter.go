package ideas

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// DefaultThreshold is the closeness at or above which two ideas count as the
// same idea.
const DefaultThreshold = 0.8

// Filter decides whether a candidate idea duplicates an idea already known.
//
// Closeness is the Jaro-Winkler similarity of the two phrases after case
// folding and whitespace normalisation, in [0, 1]. Identical phrases score 1.
// Filter is a pure value type and safe for concurrent use.
type Filter struct {
	// Threshold is the minimum closeness for two ideas to be considered
	// similar. Zero selects DefaultThreshold.
	Threshold float64
}

// NewFilter returns a Filter with the given threshold.
func NewFilter(threshold float64) Filter {
	return Filter{Threshold: threshold}
}

func (f Filter) threshold() float64 {
	if f.Threshold <= 0 {
		return DefaultThreshold
	}
	return f.Threshold
}

// IsSimilar reports whether candidate is at least Threshold-close to any entry
// of existing. An empty candidate is always reported as similar so that it is
// never accepted.
func (f Filter) IsSimilar(candidate string, existing []string) bool {
	c := Normalize(candidate)
	if c == "" {
		return true
	}
	th := f.threshold()
	for _, e := range existing {
		if Closeness(c, Normalize(e)) >= th {
			return true
		}
	}
	return false
}

// Closeness returns the similarity of a and b in [0, 1]. Callers comparing
// user-facing text should pass phrases through Normalize first.
func Closeness(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return matchr.JaroWinkler(a, b, false)
}

// Normalize folds case, trims, and collapses internal whitespace runs to a
// single space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
