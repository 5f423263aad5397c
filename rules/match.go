package rules

import "strings"

// DefaultOverrideMarkers are the flair substrings moderators use to take a post out of the
// pipeline. ":overriden:" is a historical misspelling still present on old posts.
var DefaultOverrideMarkers = []string{":overridden", ":overriden:"}

// solvedNegations are the only prefixes that disqualify an occurrence of "solved".
var solvedNegations = []string{"not ", "n't ", "un", "unre"}

// HasOverrideMarker reports whether flairText contains any marker. Matching is case-sensitive.
func HasOverrideMarker(flairText string, markers []string) bool {
	if flairText == "" {
		return false
	}
	for _, m := range markers {
		if m != "" && strings.Contains(flairText, m) {
			return true
		}
	}
	return false
}

// SolvedIn reports whether body announces a solve: a case-insensitive "solved" substring that is
// not directly preceded by a negation. "Resolved" counts; "unsolved", "unresolved" and
// "not solved" do not.
func SolvedIn(body string) bool {
	lower := strings.ToLower(body)
	const word = "solved"
	for offset := 0; ; {
		i := strings.Index(lower[offset:], word)
		if i < 0 {
			return false
		}
		at := offset + i
		if !negated(lower[:at]) {
			return true
		}
		offset = at + len(word)
	}
}

func negated(prefix string) bool {
	for _, n := range solvedNegations {
		if strings.HasSuffix(prefix, n) {
			return true
		}
	}
	return false
}
