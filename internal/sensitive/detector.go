// Package sensitive detects personally identifiable and health-related data
// in free-text log messages. Matches are surfaced as event attributes so
// compliance rules can reference them.
package sensitive

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`)
	phoneRe = regexp.MustCompile(`\b(?:\+1[-.\s]?)?(?:\(\d{3}\)|\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	dobRe   = regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`)
	mrnRe   = regexp.MustCompile(`(?i)\bMRN[:\s-]*\d{5,12}\b`)
)

// keywords that often correlate with sensitive contexts.
var keywords = []string{
	"patient", "diagnosis", "treatment", "lab", "prescription", "rx", "insurance",
	"medical record", "mrn", "ssn", "dob", "address",
}

// Result describes what was found in a piece of text.
type Result struct {
	Found bool `json:"found"`

	// Sensitivity is a 1..5 heuristic: 5 for SSN/MRN, 4 for any other
	// pattern match, 3 for keyword-only hits, 1 for clean text.
	Sensitivity int `json:"sensitivity"`

	// Kinds lists the pattern categories that matched.
	Kinds []string `json:"kinds,omitempty"`

	// KeywordHits lists matched keywords.
	KeywordHits []string `json:"keywordHits,omitempty"`
}

// Detect scans text for sensitive-data patterns and keywords.
func Detect(text string) Result {
	if text == "" {
		return Result{Sensitivity: 1}
	}

	var kinds []string
	hasIdentifier := false
	for _, p := range []struct {
		name string
		re   *regexp.Regexp
		id   bool
	}{
		{"email", emailRe, false},
		{"phone", phoneRe, false},
		{"ssn", ssnRe, true},
		{"dob", dobRe, false},
		{"mrn", mrnRe, true},
	} {
		if p.re.MatchString(text) {
			kinds = append(kinds, p.name)
			if p.id {
				hasIdentifier = true
			}
		}
	}

	lower := strings.ToLower(text)
	var hits []string
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			hits = append(hits, k)
		}
	}

	res := Result{
		Found:       len(kinds) > 0 || len(hits) > 0,
		Kinds:       kinds,
		KeywordHits: hits,
	}

	switch {
	case hasIdentifier:
		res.Sensitivity = 5
	case len(kinds) > 0:
		res.Sensitivity = 4
	case len(hits) > 0:
		res.Sensitivity = 3
	default:
		res.Sensitivity = 1
	}

	return res
}
