package matcher

import (
	"strings"

	"golang.org/x/text/width"

	"github.com/dshills/receiptscout/pkg/types"
)

// DefaultThreshold is the minimum longest-common-substring ratio for a match
const DefaultThreshold = 0.6

// Matcher compares noisy human-entered names against parsed receipt fields.
// It uses longest common substring rather than edit distance so per-document
// cost stays at one O(n*m) pass with two reusable rows.
type Matcher struct {
	threshold float64
}

// New creates a matcher. Thresholds outside (0, 1] fall back to DefaultThreshold.
func New(threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Threshold returns the configured similarity threshold
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// Match reports whether candidate is close enough to query.
// An empty query matches everything; a missing candidate matches nothing.
func (m *Matcher) Match(query, candidate string) bool {
	q := Normalize(query)
	if q == "" {
		return true
	}
	c := Normalize(candidate)
	if c == "" || c == types.Unknown {
		return false
	}
	if strings.Contains(q, c) || strings.Contains(c, q) {
		return true
	}
	return m.Similarity(q, c) >= m.threshold
}

// Similarity returns LCSubstring(a, b) / max(len(a), len(b)) over runes, in [0, 1].
// Inputs are expected to be normalized already.
func (m *Matcher) Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1.0
	}
	return float64(longestCommonSubstring(ra, rb)) / float64(longest)
}

// longestCommonSubstring returns the length of the longest contiguous run
// shared by a and b
func longestCommonSubstring(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	best := 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
				if curr[j] > best {
					best = curr[j]
				}
			} else {
				curr[j] = 0
			}
		}
		prev, curr = curr, prev
	}
	return best
}

// Normalize folds full-width forms to half-width, lowercases and collapses
// whitespace so the same name typed two ways compares equal.
func Normalize(s string) string {
	s = width.Narrow.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
