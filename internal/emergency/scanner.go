// Package emergency screens free text for signs of a medical emergency
// without any AI involvement. It is a pure keyword/pattern scan over a
// fixed lexicon, so it can run on every keystroke of the intake wizard.
package emergency

import (
	"regexp"
	"strings"
)

// Severity grades how strongly the scanned text points at an emergency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TriageColor is the coarse triage signal derived from a scan.
type TriageColor string

const (
	ColorGreen  TriageColor = "GREEN"
	ColorOrange TriageColor = "ORANGE"
	ColorRed    TriageColor = "RED"
)

// keywords is scanned as case-insensitive substrings. Order matters:
// matches are reported in lexicon order, not text order.
var keywords = []string{
	"chest pain", "heart attack", "can't breathe", "difficulty breathing",
	"severe bleeding", "unconscious", "seizure", "stroke", "paralysis",
	"severe head injury", "severe burn", "choking", "anaphylaxis",
	"suicidal", "overdose", "poison", "can't move", "numbness face",
	"slurred speech", "severe allergic", "swelling throat",
}

// redFlagPatterns are higher-precision variants of the lexicon. A pattern
// match counts more toward severity than a plain keyword match.
var redFlagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)chest\s*(pain|tightness|pressure)`),
	regexp.MustCompile(`(?i)can('t|not)\s*breathe`),
	regexp.MustCompile(`(?i)severe\s*(pain|bleeding|burn)`),
	regexp.MustCompile(`(?i)loss\s*of\s*consciousness`),
	regexp.MustCompile(`(?i)paralysis|paralyzed`),
	regexp.MustCompile(`(?i)stroke|heart\s*attack`),
	regexp.MustCompile(`(?i)suicid|kill\s*myself`),
	regexp.MustCompile(`(?i)overdose|poisoning`),
	regexp.MustCompile(`(?i)seizure|convulsion`),
	regexp.MustCompile(`(?i)anaphyla|throat\s*closing`),
}

// Result is the outcome of one scan. A zero-keyword, zero-pattern result
// is a valid "nothing found" answer, never an error.
type Result struct {
	Keywords     []string
	PatternCount int
	Severity     Severity
	Color        TriageColor
}

// IsEmergency reports whether anything in the text matched.
func (r Result) IsEmergency() bool {
	return len(r.Keywords) > 0 || r.PatternCount > 0
}

// Scan checks text against the lexicon and the red-flag patterns.
// It is deterministic and side-effect free; matched keywords come back
// in lexicon order.
func Scan(text string) Result {
	lower := strings.ToLower(text)

	var found []string
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			found = append(found, kw)
		}
	}

	patterns := 0
	for _, p := range redFlagPatterns {
		if p.MatchString(text) {
			patterns++
		}
	}

	res := Result{
		Keywords:     found,
		PatternCount: patterns,
	}
	res.Severity = grade(len(found), patterns)
	res.Color = color(res.Severity)
	return res
}

func grade(keywords, patterns int) Severity {
	switch {
	case patterns >= 2:
		return SeverityCritical
	case patterns == 1:
		return SeverityHigh
	case keywords >= 2:
		return SeverityHigh
	case keywords == 1:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func color(s Severity) TriageColor {
	switch s {
	case SeverityCritical, SeverityHigh:
		return ColorRed
	case SeverityMedium:
		return ColorOrange
	default:
		return ColorGreen
	}
}

// Lexicon returns a copy of the keyword lexicon, used by tests and by the
// API to explain what the scanner looks for.
func Lexicon() []string {
	out := make([]string, len(keywords))
	copy(out, keywords)
	return out
}
